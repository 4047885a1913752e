package engine

import (
	"errors"
	"os"
	"strings"

	"github.com/anacrolix/torrent"
	pkgerrors "github.com/pkg/errors"

	"streamgate/internal/torrentx"
)

type SwarmConfig struct {
	DataDir      string
	TrackersMode string
	ListenPort   int
	NoUpload     bool
}

type anacrolixSwarm struct {
	cl   *torrent.Client
	mode string
}

// NewAnacrolixSwarm starts a torrent client that downloads into cfg.DataDir.
func NewAnacrolixSwarm(cfg SwarmConfig) (Swarm, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, pkgerrors.Wrap(err, "create torrent data dir")
	}
	tc := torrent.NewDefaultClientConfig()
	tc.DataDir = cfg.DataDir
	tc.DisableTCP = false
	tc.DisableUTP = false
	tc.Seed = false
	tc.NoUpload = cfg.NoUpload
	if cfg.ListenPort > 0 {
		tc.ListenPort = cfg.ListenPort
	}
	cl, err := torrent.NewClient(tc)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "start torrent client")
	}
	return &anacrolixSwarm{cl: cl, mode: cfg.TrackersMode}, nil
}

func (s *anacrolixSwarm) AddMagnet(magnet string) (Torrent, error) {
	t, err := s.cl.AddMagnet(torrentx.SanitizeMagnet(magnet, s.mode))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "add magnet")
	}
	if tiers := torrentx.TrackerTiers(s.mode); len(tiers) != 0 {
		t.AddTrackers(tiers)
	}
	return &anacrolixTorrent{t: t}, nil
}

func (s *anacrolixSwarm) Close() error {
	return errors.Join(s.cl.Close()...)
}

type anacrolixTorrent struct {
	t *torrent.Torrent
}

func (a *anacrolixTorrent) InfoHash() string {
	return strings.ToLower(a.t.InfoHash().HexString())
}

func (a *anacrolixTorrent) GotInfo() <-chan struct{} { return a.t.GotInfo() }

func (a *anacrolixTorrent) Files() []torrentx.FileInfo {
	if a.t.Info() == nil {
		return nil
	}
	files := a.t.Files()
	out := make([]torrentx.FileInfo, 0, len(files))
	for i, f := range files {
		out = append(out, torrentx.FileInfo{Index: i, Path: f.Path(), Length: f.Length()})
	}
	return out
}

func (a *anacrolixTorrent) file(idx int) *torrent.File {
	if a.t.Info() == nil {
		return nil
	}
	files := a.t.Files()
	if idx < 0 || idx >= len(files) {
		return nil
	}
	return files[idx]
}

// Stream deselects every other file, then boosts the head and tail of the
// chosen one so playback and container index reads start fast.
func (a *anacrolixTorrent) Stream(idx int) {
	f := a.file(idx)
	if f == nil {
		return
	}
	a.t.AllowDataDownload()
	for i, other := range a.t.Files() {
		if i != idx {
			other.SetPriority(torrent.PiecePriorityNone)
		}
	}
	f.SetPriority(torrent.PiecePriorityNormal)

	pieceLen := a.t.Info().PieceLength
	if pieceLen <= 0 {
		return
	}
	fileOff := f.Offset()
	fileEnd := fileOff + f.Length()
	headEnd := fileOff + f.Length()/20
	tailStart := fileEnd - f.Length()/100
	for i := 0; i < a.t.NumPieces(); i++ {
		pieceStart := int64(i) * pieceLen
		pieceEnd := pieceStart + pieceLen
		if pieceEnd <= fileOff || pieceStart >= fileEnd {
			continue
		}
		if pieceStart < headEnd || pieceEnd > tailStart {
			a.t.Piece(i).SetPriority(torrent.PiecePriorityNow)
		}
	}
}

func (a *anacrolixTorrent) Park() { a.t.DisallowDataDownload() }

func (a *anacrolixTorrent) NewReader(idx int) FileReader {
	f := a.file(idx)
	if f == nil {
		return nil
	}
	return f.NewReader()
}

func (a *anacrolixTorrent) Stats(idx int) TransferStats {
	st := a.t.Stats()
	out := TransferStats{
		BytesRead:    st.BytesReadUsefulData.Int64(),
		BytesWritten: st.BytesWrittenData.Int64(),
		Peers:        st.ActivePeers,
	}
	if f := a.file(idx); f != nil {
		out.FileCompleted = f.BytesCompleted()
		out.FileLength = f.Length()
	}
	return out
}

func (a *anacrolixTorrent) Drop() { a.t.Drop() }
