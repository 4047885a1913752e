// Package registry holds the bounded set of live stream sessions.
package registry

import (
	"sort"
	"sync"
	"time"

	"streamgate/internal/apperr"
	"streamgate/pkg/types"
)

const (
	DefaultCapacity = 10
	DefaultIdleTTL  = time.Hour
)

type Options struct {
	Capacity int
	IdleTTL  time.Duration
	// Teardown releases whatever backs a session once it leaves the
	// registry. It runs outside the registry lock.
	Teardown func(streamID string)
}

// Registry is a bounded map of sessions. A session with active connections
// is never evicted, swept or removed. When the registry is full and every
// session is in use, Put fails with a capacity error.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*types.StreamSession
	opts     Options
	now      func() time.Time
}

func New(opts Options) *Registry {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.IdleTTL <= 0 {
		opts.IdleTTL = DefaultIdleTTL
	}
	return &Registry{
		sessions: make(map[string]*types.StreamSession),
		opts:     opts,
		now:      time.Now,
	}
}

// Put inserts s, evicting the least recently accessed idle session if the
// registry is full. Re-putting an existing id replaces it in place and keeps
// its connection count.
func (r *Registry) Put(s types.StreamSession) error {
	now := r.now()
	r.mu.Lock()
	if old, ok := r.sessions[s.StreamID]; ok {
		s.ActiveConnections = old.ActiveConnections
		if s.CreatedAt.IsZero() {
			s.CreatedAt = old.CreatedAt
		}
		s.LastAccessed = now
		r.sessions[s.StreamID] = &s
		r.mu.Unlock()
		return nil
	}

	var evicted string
	if len(r.sessions) >= r.opts.Capacity {
		var victim *types.StreamSession
		for _, cur := range r.sessions {
			if cur.ActiveConnections > 0 {
				continue
			}
			if victim == nil || cur.LastAccessed.Before(victim.LastAccessed) {
				victim = cur
			}
		}
		if victim == nil {
			r.mu.Unlock()
			return apperr.Capacity(30*time.Second, "all %d stream slots are in use", r.opts.Capacity)
		}
		evicted = victim.StreamID
		delete(r.sessions, evicted)
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = now
	}
	s.LastAccessed = now
	s.ActiveConnections = 0
	r.sessions[s.StreamID] = &s
	teardown := r.opts.Teardown
	r.mu.Unlock()

	if evicted != "" && teardown != nil {
		teardown(evicted)
	}
	return nil
}

// Get returns the session and counts a new connection against it. Every
// successful Get must be paired with a Release.
func (r *Registry) Get(id string) (types.StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return types.StreamSession{}, false
	}
	s.LastAccessed = r.now()
	s.ActiveConnections++
	return *s, true
}

// Release undoes one Get. The count never goes below zero.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		if s.ActiveConnections > 0 {
			s.ActiveConnections--
		}
		s.LastAccessed = r.now()
	}
}

// Peek returns a copy of the session without touching its counters.
func (r *Registry) Peek(id string) (types.StreamSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return types.StreamSession{}, false
	}
	return *s, true
}

// Touch bumps lastAccessed without counting a connection.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.sessions[id]; ok {
		s.LastAccessed = r.now()
	}
}

// Update applies fn to the stored session. Identity and connection
// bookkeeping fields are restored after fn runs.
func (r *Registry) Update(id string, fn func(*types.StreamSession)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	if !ok {
		return false
	}
	keepID, keepConns, keepCreated := s.StreamID, s.ActiveConnections, s.CreatedAt
	fn(s)
	s.StreamID, s.ActiveConnections, s.CreatedAt = keepID, keepConns, keepCreated
	return true
}

// Remove deletes the session and tears down what backs it. It refuses while
// the session still has active connections.
func (r *Registry) Remove(id string) error {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if !ok {
		r.mu.Unlock()
		return apperr.NotFound("stream %s not found", id)
	}
	if s.ActiveConnections > 0 {
		n := s.ActiveConnections
		r.mu.Unlock()
		return apperr.Validation("stream %s has %d active connections", id, n)
	}
	delete(r.sessions, id)
	teardown := r.opts.Teardown
	r.mu.Unlock()

	if teardown != nil {
		teardown(id)
	}
	return nil
}

// Sweep removes sessions without connections that have been idle longer
// than IdleTTL and returns their ids.
func (r *Registry) Sweep() []string {
	now := r.now()
	r.mu.Lock()
	var gone []string
	for id, s := range r.sessions {
		if s.ActiveConnections == 0 && now.Sub(s.LastAccessed) > r.opts.IdleTTL {
			delete(r.sessions, id)
			gone = append(gone, id)
		}
	}
	teardown := r.opts.Teardown
	r.mu.Unlock()

	sort.Strings(gone)
	if teardown != nil {
		for _, id := range gone {
			teardown(id)
		}
	}
	return gone
}

// List returns copies of all sessions, most recently accessed first.
func (r *Registry) List() []types.StreamSession {
	r.mu.Lock()
	out := make([]types.StreamSession, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].LastAccessed.After(out[j].LastAccessed) })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) Capacity() int { return r.opts.Capacity }
