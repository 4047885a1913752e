package types

import "time"

type StreamState string

const (
	StreamInitializing StreamState = "initializing"
	StreamReady        StreamState = "ready"
	StreamFailed       StreamState = "failed"
)

// StreamSession is one torrent-backed playback session. StreamID is the
// lowercase info-hash of the magnet, so the same magnet always maps to the
// same session.
type StreamSession struct {
	StreamID          string      `json:"streamId"`
	Magnet            string      `json:"-"`
	InfoHash          string      `json:"infoHash,omitempty"`
	State             StreamState `json:"status"`
	Error             string      `json:"error,omitempty"`
	Filename          string      `json:"filename,omitempty"`
	FileSize          int64       `json:"fileSize"`
	Progress          float64     `json:"progress"` // percent, 0..100
	DownloadSpeed     int64       `json:"downloadSpeed"`
	UploadSpeed       int64       `json:"uploadSpeed"`
	PeerCount         int         `json:"peerCount"`
	ReadaheadBytes    int64       `json:"readaheadBytes,omitempty"`
	CreatedAt         time.Time   `json:"createdAt"`
	LastAccessed      time.Time   `json:"lastAccessed"`
	ActiveConnections int         `json:"activeConnections"`
}

type Connection struct {
	ConnectionID string    `json:"connectionId"`
	StreamID     string    `json:"streamId"`
	RemoteAddr   string    `json:"remoteAddr"`
	UserAgent    string    `json:"userAgent"`
	StartTime    time.Time `json:"startTime"`
	LastActivity time.Time `json:"lastActivity"`
	IsActive     bool      `json:"isActive"`
}

type ContentType string

const (
	ContentPlaylist ContentType = "playlist"
	ContentSegment  ContentType = "segment"
	ContentOther    ContentType = "other"
)

// ProxyDescriptor stands in for an upstream URL. ProxyID is derived from the
// URL, the content id and a server secret, so clients cannot mint their own.
type ProxyDescriptor struct {
	ProxyID      string      `json:"proxyId"`
	ContentID    string      `json:"contentId"`
	URL          string      `json:"-"`
	ContentType  ContentType `json:"contentType"`
	RequiresAuth bool        `json:"requiresAuth"`
	CreatedAt    time.Time   `json:"createdAt"`
}

// Content is the catalogue record a proxy may be created from when the
// caller does not name an upstream URL.
type Content struct {
	ID          string `json:"id"`
	UpstreamURL string `json:"upstreamUrl"`
	Active      bool   `json:"active"`
}

// AuditEvent is one recorded lifecycle transition.
type AuditEvent struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`
	Subject   string    `json:"subject"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
