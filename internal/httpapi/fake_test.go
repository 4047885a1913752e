package httpapi

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"streamgate/internal/apperr"
	"streamgate/internal/engine"
	"streamgate/internal/torrentx"
	"streamgate/pkg/types"
)

// swarm serves one in-memory file for every magnet.
type swarm struct {
	content []byte
	readers atomic.Int32
}

func (s *swarm) AddMagnet(magnet string) (engine.Torrent, error) {
	ch := make(chan struct{})
	close(ch)
	return &torrent{s: s, hash: torrentx.StreamID(magnet), gotInfo: ch}, nil
}

func (s *swarm) Close() error { return nil }

type torrent struct {
	s       *swarm
	hash    string
	gotInfo chan struct{}
}

func (t *torrent) InfoHash() string         { return t.hash }
func (t *torrent) GotInfo() <-chan struct{} { return t.gotInfo }
func (t *torrent) Files() []torrentx.FileInfo {
	return []torrentx.FileInfo{{Index: 0, Path: "Movie/Movie.2019.1080p.mp4", Length: int64(len(t.s.content))}}
}
func (t *torrent) Stream(int) {}
func (t *torrent) Park()      {}
func (t *torrent) Drop()      {}
func (t *torrent) Stats(int) engine.TransferStats {
	return engine.TransferStats{FileLength: int64(len(t.s.content)), Peers: 1}
}

func (t *torrent) NewReader(int) engine.FileReader {
	t.s.readers.Add(1)
	return &reader{Reader: bytes.NewReader(t.s.content), s: t.s}
}

type reader struct {
	*bytes.Reader
	s    *swarm
	once sync.Once
}

func (r *reader) SetReadahead(int64) {}
func (r *reader) SetResponsive()     {}
func (r *reader) Close() error {
	r.once.Do(func() { r.s.readers.Add(-1) })
	return nil
}

type catalog struct {
	mu      sync.Mutex
	content map[string]types.Content
	audit   []types.AuditEvent
	down    error
}

func newCatalog() *catalog { return &catalog{content: map[string]types.Content{}} }

func (c *catalog) LookupContent(_ context.Context, id string) (types.Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.content[id]
	if !ok {
		return types.Content{}, apperr.NotFound("content %s not found", id)
	}
	return v, nil
}

func (c *catalog) UpsertContent(_ context.Context, v types.Content) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.content[v.ID] = v
	return nil
}

func (c *catalog) ListContent(context.Context) ([]types.Content, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Content, 0, len(c.content))
	for _, v := range c.content {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (c *catalog) RecentAuditEvents(_ context.Context, limit int) ([]types.AuditEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if limit > len(c.audit) {
		limit = len(c.audit)
	}
	return append([]types.AuditEvent(nil), c.audit[:limit]...), nil
}

func (c *catalog) Ping(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.down
}

func (c *catalog) setDown(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = err
}
