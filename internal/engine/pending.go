package engine

import (
	"sync"
	"time"

	"streamgate/internal/apperr"
)

type result struct {
	payload any
	err     error
}

// pendingTable correlates worker replies with their callers. Each call has
// its own deadline; a reply that arrives after it is discarded.
type pendingTable struct {
	mu    sync.Mutex
	calls map[string]*pendingCall
}

type pendingCall struct {
	typ   MsgType
	owner *worker
	ch    chan result
	timer *time.Timer
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[string]*pendingCall)}
}

func (p *pendingTable) add(id string, typ MsgType, owner *worker, timeout time.Duration) <-chan result {
	c := &pendingCall{typ: typ, owner: owner, ch: make(chan result, 1)}
	p.mu.Lock()
	p.calls[id] = c
	p.mu.Unlock()
	c.timer = time.AfterFunc(timeout, func() {
		p.fail(id, apperr.Timeout("worker did not answer %s within %s", typ, timeout))
	})
	return c.ch
}

func (p *pendingTable) take(id string) *pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.calls[id]
	if !ok {
		return nil
	}
	delete(p.calls, id)
	return c
}

// resolve delivers a reply. It reports false if nobody waits for it anymore.
func (p *pendingTable) resolve(env Envelope) bool {
	c := p.take(env.RequestID)
	if c == nil {
		return false
	}
	c.timer.Stop()
	c.ch <- result{payload: env.Payload, err: env.Err}
	return true
}

func (p *pendingTable) fail(id string, err error) bool {
	c := p.take(id)
	if c == nil {
		return false
	}
	c.timer.Stop()
	c.ch <- result{err: err}
	return true
}

// failOwnedBy rejects every call sent to w.
func (p *pendingTable) failOwnedBy(w *worker, err error) int {
	p.mu.Lock()
	var doomed []*pendingCall
	for id, c := range p.calls {
		if c.owner == w {
			doomed = append(doomed, c)
			delete(p.calls, id)
		}
	}
	p.mu.Unlock()
	for _, c := range doomed {
		c.timer.Stop()
		c.ch <- result{err: err}
	}
	return len(doomed)
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}
