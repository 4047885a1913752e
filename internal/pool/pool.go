// Package pool tracks the HTTP consumers attached to each stream. Every
// connection holds a lease that expires unless its owner keeps reporting
// activity; streams left without connections are announced as idle.
package pool

import (
	"context"
	"sort"
	"sync"
	"time"

	"streamgate/internal/apperr"
	"streamgate/pkg/types"
)

const (
	DefaultMaxPerStream = 10
	DefaultInactivity   = 30 * time.Second
	DefaultStreamIdle   = 5 * time.Minute
)

type Options struct {
	// MaxPerStream caps connections per stream; <= 0 means no cap.
	MaxPerStream int
	// MaxTotal caps connections across all streams; <= 0 means no cap.
	MaxTotal int
	// Inactivity expires a connection that has not reported activity.
	Inactivity time.Duration
	// StreamIdle is how long an empty stream entry lingers before the sweep
	// drops it.
	StreamIdle time.Duration
	// RetryAfter is advertised on capacity errors.
	RetryAfter time.Duration
}

// Meta describes the consumer behind a connection. Cancel, if set, is called
// when the pool expires the connection so the owner can tear down its
// stream.
type Meta struct {
	RemoteAddr string
	UserAgent  string
	Cancel     context.CancelFunc
}

type Stats struct {
	TotalConnections int            `json:"totalConnections"`
	Streams          int            `json:"streams"`
	MaxPerStream     int            `json:"maxPerStream"`
	MaxTotal         int            `json:"maxTotal,omitempty"`
	PerStream        map[string]int `json:"perStream"`
}

type Pool struct {
	mu      sync.Mutex
	opts    Options
	streams map[string]*stream
	total   int
	onIdle  func(streamID string)
	now     func() time.Time
}

type stream struct {
	conns      map[string]*conn
	lastActive time.Time
}

type conn struct {
	info   types.Connection
	cancel context.CancelFunc
	timer  *time.Timer
}

func New(opts Options) *Pool {
	if opts.Inactivity <= 0 {
		opts.Inactivity = DefaultInactivity
	}
	if opts.StreamIdle <= 0 {
		opts.StreamIdle = DefaultStreamIdle
	}
	if opts.RetryAfter <= 0 {
		opts.RetryAfter = 5 * time.Second
	}
	return &Pool{
		opts:    opts,
		streams: make(map[string]*stream),
		now:     time.Now,
	}
}

// OnIdle registers fn to be called, outside the pool lock, whenever a
// stream's connection count drops to zero or an empty stream is swept.
func (p *Pool) OnIdle(fn func(streamID string)) {
	p.mu.Lock()
	p.onIdle = fn
	p.mu.Unlock()
}

// Register adds a connection to streamID and arms its inactivity timer.
func (p *Pool) Register(streamID, connectionID string, meta Meta) error {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.streams[streamID]
	if s != nil {
		if _, dup := s.conns[connectionID]; dup {
			return apperr.Validation("connection %s already registered", connectionID)
		}
	}
	if p.opts.MaxTotal > 0 && p.total >= p.opts.MaxTotal {
		return apperr.Capacity(p.opts.RetryAfter, "connection limit reached (%d)", p.opts.MaxTotal)
	}
	if s != nil && p.opts.MaxPerStream > 0 && len(s.conns) >= p.opts.MaxPerStream {
		return apperr.Capacity(p.opts.RetryAfter, "stream %s has %d active connections", streamID, len(s.conns))
	}
	if s == nil {
		s = &stream{conns: make(map[string]*conn)}
		p.streams[streamID] = s
	}
	c := &conn{
		info: types.Connection{
			ConnectionID: connectionID,
			StreamID:     streamID,
			RemoteAddr:   meta.RemoteAddr,
			UserAgent:    meta.UserAgent,
			StartTime:    now,
			LastActivity: now,
			IsActive:     true,
		},
		cancel: meta.Cancel,
	}
	c.timer = time.AfterFunc(p.opts.Inactivity, func() { p.expire(streamID, connectionID) })
	s.conns[connectionID] = c
	s.lastActive = now
	p.total++
	return nil
}

// UpdateActivity is the heartbeat of a long transfer; it re-arms the
// inactivity timer. It reports false for unknown connections.
func (p *Pool) UpdateActivity(streamID, connectionID string) bool {
	now := p.now()
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.streams[streamID]
	if s == nil {
		return false
	}
	c := s.conns[connectionID]
	if c == nil {
		return false
	}
	c.info.LastActivity = now
	s.lastActive = now
	c.timer.Reset(p.opts.Inactivity)
	return true
}

// Remove drops a connection. It is idempotent.
func (p *Pool) Remove(streamID, connectionID string) bool {
	p.mu.Lock()
	removed, idle := p.removeLocked(streamID, connectionID)
	fn := p.onIdle
	p.mu.Unlock()

	if idle && fn != nil {
		safely(func() { fn(streamID) })
	}
	return removed
}

func (p *Pool) removeLocked(streamID, connectionID string) (removed, idle bool) {
	s := p.streams[streamID]
	if s == nil {
		return false, false
	}
	c := s.conns[connectionID]
	if c == nil {
		return false, false
	}
	c.timer.Stop()
	c.info.IsActive = false
	delete(s.conns, connectionID)
	p.total--
	s.lastActive = p.now()
	return true, len(s.conns) == 0
}

func (p *Pool) expire(streamID, connectionID string) {
	p.mu.Lock()
	var cancel context.CancelFunc
	if s := p.streams[streamID]; s != nil {
		if c := s.conns[connectionID]; c != nil {
			// a heartbeat may have landed while the timer fired
			if p.now().Sub(c.info.LastActivity) < p.opts.Inactivity {
				p.mu.Unlock()
				return
			}
			cancel = c.cancel
		}
	}
	_, idle := p.removeLocked(streamID, connectionID)
	fn := p.onIdle
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if idle && fn != nil {
		safely(func() { fn(streamID) })
	}
}

// Sweep expires connections whose heartbeat is overdue and forgets stream
// entries that have been empty for StreamIdle, announcing each as idle.
func (p *Pool) Sweep() (expired, dropped int) {
	now := p.now()
	var cancels []context.CancelFunc
	var idle []string

	p.mu.Lock()
	for id, s := range p.streams {
		for cid, c := range s.conns {
			if now.Sub(c.info.LastActivity) >= p.opts.Inactivity {
				if c.cancel != nil {
					cancels = append(cancels, c.cancel)
				}
				if _, nowIdle := p.removeLocked(id, cid); nowIdle {
					idle = append(idle, id)
				}
				expired++
			}
		}
		if len(s.conns) == 0 && now.Sub(s.lastActive) >= p.opts.StreamIdle {
			delete(p.streams, id)
			idle = append(idle, id)
			dropped++
		}
	}
	fn := p.onIdle
	p.mu.Unlock()

	for _, c := range cancels {
		c()
	}
	if fn != nil {
		for _, id := range dedupe(idle) {
			safely(func() { fn(id) })
		}
	}
	return expired, dropped
}

// Count returns the number of live connections on streamID.
func (p *Pool) Count(streamID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if s := p.streams[streamID]; s != nil {
		return len(s.conns)
	}
	return 0
}

func (p *Pool) Total() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.total
}

// Busy lists the streams that currently hold at least one connection.
func (p *Pool) Busy() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.streams))
	for id, s := range p.streams {
		if len(s.conns) > 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Pool) Connections(streamID string) []types.Connection {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.streams[streamID]
	if s == nil {
		return nil
	}
	out := make([]types.Connection, 0, len(s.conns))
	for _, c := range s.conns {
		out = append(out, c.info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Stats{
		TotalConnections: p.total,
		Streams:          len(p.streams),
		MaxPerStream:     p.opts.MaxPerStream,
		MaxTotal:         p.opts.MaxTotal,
		PerStream:        make(map[string]int, len(p.streams)),
	}
	for id, s := range p.streams {
		st.PerStream[id] = len(s.conns)
	}
	return st
}

// Close stops every timer and cancels every connection.
func (p *Pool) Close() {
	p.mu.Lock()
	var cancels []context.CancelFunc
	for _, s := range p.streams {
		for _, c := range s.conns {
			c.timer.Stop()
			if c.cancel != nil {
				cancels = append(cancels, c.cancel)
			}
		}
	}
	p.streams = make(map[string]*stream)
	p.total = 0
	p.mu.Unlock()
	for _, c := range cancels {
		c()
	}
}

func safely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
