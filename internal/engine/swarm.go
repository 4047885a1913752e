package engine

import (
	"io"

	"streamgate/internal/torrentx"
)

// Swarm is the peer-to-peer client. Only the worker goroutine touches it.
type Swarm interface {
	AddMagnet(magnet string) (Torrent, error)
	Close() error
}

type Torrent interface {
	InfoHash() string
	// GotInfo is closed once the torrent metadata is known.
	GotInfo() <-chan struct{}
	Files() []torrentx.FileInfo
	// Stream enables downloading fileIndex front to back and nothing else.
	Stream(fileIndex int)
	// Park stops fetching new pieces until the next Stream.
	Park()
	NewReader(fileIndex int) FileReader
	Stats(fileIndex int) TransferStats
	Drop()
}

type FileReader interface {
	io.ReadSeekCloser
	SetReadahead(int64)
	SetResponsive()
}

// TransferStats are cumulative counters; the worker derives rates from
// successive samples.
type TransferStats struct {
	FileCompleted int64
	FileLength    int64
	BytesRead     int64
	BytesWritten  int64
	Peers         int
}
