package engine

import (
	"bytes"
	"strings"
	"sync"
	"sync/atomic"

	"streamgate/internal/torrentx"
)

type fakeSwarm struct {
	mu       sync.Mutex
	added    map[string]*fakeTorrent
	adds     int
	closed   bool
	autoInfo bool
	files    []torrentx.FileInfo
	content  []byte
	panicOn  string

	// gate, when set, holds AddMagnet until it is closed
	gate    chan struct{}
	blocked atomic.Int32
}

func newFakeSwarm(content []byte) *fakeSwarm {
	return &fakeSwarm{
		added:    make(map[string]*fakeTorrent),
		autoInfo: true,
		files: []torrentx.FileInfo{
			{Index: 0, Path: "Movie/sample.mkv", Length: 10},
			{Index: 1, Path: "Movie/Movie.2019.1080p.mkv", Length: int64(len(content))},
			{Index: 2, Path: "Movie/readme.txt", Length: 3},
		},
		content: content,
	}
}

func (s *fakeSwarm) AddMagnet(magnet string) (Torrent, error) {
	if s.panicOn != "" && strings.Contains(magnet, s.panicOn) {
		panic("swarm blew up")
	}
	if s.gate != nil {
		s.blocked.Add(1)
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	t := &fakeTorrent{
		hash:    torrentx.StreamID(magnet),
		gotInfo: make(chan struct{}),
		files:   s.files,
		content: s.content,
	}
	if s.autoInfo {
		t.publishInfo()
	}
	s.added[t.hash] = t
	return t, nil
}

func (s *fakeSwarm) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSwarm) torrent(hash string) *fakeTorrent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.added[hash]
}

func (s *fakeSwarm) addCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adds
}

type fakeTorrent struct {
	hash     string
	gotInfo  chan struct{}
	infoOnce sync.Once
	files    []torrentx.FileInfo
	content  []byte

	streamed atomic.Int32
	parked   atomic.Bool
	dropped  atomic.Bool
	readers  atomic.Int32
}

func (t *fakeTorrent) publishInfo() { t.infoOnce.Do(func() { close(t.gotInfo) }) }

func (t *fakeTorrent) InfoHash() string           { return t.hash }
func (t *fakeTorrent) GotInfo() <-chan struct{}   { return t.gotInfo }
func (t *fakeTorrent) Files() []torrentx.FileInfo { return t.files }
func (t *fakeTorrent) Stream(int) {
	t.streamed.Add(1)
	t.parked.Store(false)
}

func (t *fakeTorrent) Park() { t.parked.Store(true) }
func (t *fakeTorrent) Drop() { t.dropped.Store(true) }
func (t *fakeTorrent) Stats(idx int) TransferStats {
	return TransferStats{
		FileCompleted: int64(len(t.content)) / 2,
		FileLength:    int64(len(t.content)),
		BytesRead:     4096,
		Peers:         3,
	}
}

func (t *fakeTorrent) NewReader(idx int) FileReader {
	t.readers.Add(1)
	return &fakeReader{Reader: bytes.NewReader(t.content), owner: t}
}

type fakeReader struct {
	*bytes.Reader
	owner     *fakeTorrent
	closed    atomic.Bool
	readahead atomic.Int64
}

func (r *fakeReader) SetReadahead(n int64) { r.readahead.Store(n) }
func (r *fakeReader) SetResponsive()       {}
func (r *fakeReader) Close() error {
	if r.closed.CompareAndSwap(false, true) {
		r.owner.readers.Add(-1)
	}
	return nil
}
