package engine

import "time"

// MsgType names a request to the worker or an event coming back from it.
type MsgType string

const (
	MsgAdd      MsgType = "add"
	MsgInfo     MsgType = "info"
	MsgOpen     MsgType = "open"
	MsgPark     MsgType = "park"
	MsgRemove   MsgType = "remove"
	MsgCleanup  MsgType = "cleanup"
	MsgStats    MsgType = "stats"
	MsgShutdown MsgType = "shutdown"

	EventProgress MsgType = "progress"
	EventReady    MsgType = "ready"
	EventFailed   MsgType = "failed"
	EventEvicted  MsgType = "evicted"
	EventCrash    MsgType = "crash"
	EventExit     MsgType = "exit"
)

// Envelope is the only thing that crosses the worker boundary. Replies echo
// the RequestID of their request; events carry none.
type Envelope struct {
	RequestID string
	Type      MsgType
	Payload   any
	Err       error
}

func (e Envelope) IsEvent() bool { return e.RequestID == "" }

type AddRequest struct {
	StreamID string
	Magnet   string
}

// TorrentInfo describes a torrent whose metadata arrived and whose playable
// file was chosen.
type TorrentInfo struct {
	StreamID  string `json:"streamId"`
	InfoHash  string `json:"infoHash"`
	Filename  string `json:"filename"`
	FileSize  int64  `json:"fileSize"`
	FileIndex int    `json:"fileIndex"`
}

type OpenResult struct {
	Info   TorrentInfo
	Reader FileReader
}

type CleanupRequest struct {
	// Keep lists streams that must survive regardless of idleness.
	Keep    []string
	MaxIdle time.Duration
}

type CleanupResult struct {
	Removed []string
}

type WorkerStats struct {
	Torrents      int   `json:"torrents"`
	Ready         int   `json:"ready"`
	Peers         int   `json:"peers"`
	DownloadSpeed int64 `json:"downloadSpeed"`
	UploadSpeed   int64 `json:"uploadSpeed"`
}

type Progress struct {
	StreamID      string
	Progress      float64
	DownloadSpeed int64
	UploadSpeed   int64
	Peers         int
}

type Failure struct {
	StreamID string
	Err      error
}
