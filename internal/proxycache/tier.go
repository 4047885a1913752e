package proxycache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/autobrr/autobrr/pkg/ttlcache"
)

type TierStats struct {
	Keys   int    `json:"keyCount"`
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Bytes  int64  `json:"bytes,omitempty"`
}

// Tier is one TTL'd cache level on top of ttlcache. Age and last access are
// kept on the entry against the tier clock, so an expired entry is a miss on
// read even before ttlcache or a sweep removes it. Concurrent Sets for the
// same key are plain overwrites; the last one wins.
type Tier[V any] struct {
	ttl    time.Duration
	items  *ttlcache.Cache[string, *entry[V]]
	sizeOf func(V) int64
	now    func() time.Time

	// mu orders replace-then-set so every entry's bytes are released once
	mu     sync.Mutex
	bytes  atomic.Int64
	hits   atomic.Uint64
	misses atomic.Uint64

	closeOnce sync.Once
}

type entry[V any] struct {
	value      V
	stored     time.Time
	lastAccess atomic.Int64
	size       int64
	released   atomic.Bool
}

func NewTier[V any](ttl time.Duration, sizeOf func(V) int64) *Tier[V] {
	t := &Tier[V]{
		ttl:    ttl,
		sizeOf: sizeOf,
		now:    time.Now,
	}
	t.items = ttlcache.New(ttlcache.Options[string, *entry[V]]{}.
		SetDefaultTTL(ttl).
		SetDeallocationFunc(func(_ string, e *entry[V], _ ttlcache.DeallocationReason) {
			t.release(e)
		}))
	return t
}

func (t *Tier[V]) Get(key string) (V, bool) {
	now := t.now()
	e, ok := t.items.Get(key)
	if ok && e != nil && t.expired(e, now) {
		t.drop(key, e)
		ok = false
	}
	if !ok || e == nil {
		t.misses.Add(1)
		var zero V
		return zero, false
	}
	e.lastAccess.Store(now.UnixNano())
	t.hits.Add(1)
	return e.value, true
}

func (t *Tier[V]) Set(key string, v V) {
	now := t.now()
	e := &entry[V]{value: v, stored: now}
	e.lastAccess.Store(now.UnixNano())
	if t.sizeOf != nil {
		e.size = t.sizeOf(v)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.items.Get(key); ok && old != nil {
		t.release(old)
	}
	t.bytes.Add(e.size)
	t.items.Set(key, e, ttlcache.DefaultTTL)
}

func (t *Tier[V]) Delete(key string) bool {
	e, ok := t.items.Get(key)
	if !ok || e == nil {
		return false
	}
	t.drop(key, e)
	return true
}

// DeletePrefix removes every key starting with prefix.
func (t *Tier[V]) DeletePrefix(prefix string) int {
	return t.deleteWhere(func(k string, _ *entry[V]) bool { return strings.HasPrefix(k, prefix) })
}

func (t *Tier[V]) Flush() int {
	return t.deleteWhere(func(string, *entry[V]) bool { return true })
}

// Sweep drops entries older than the TTL.
func (t *Tier[V]) Sweep() int {
	now := t.now()
	return t.deleteWhere(func(_ string, e *entry[V]) bool { return t.expired(e, now) })
}

// SweepInactive drops entries not read for maxIdle, whatever their age.
func (t *Tier[V]) SweepInactive(maxIdle time.Duration) int {
	cutoff := t.now().Add(-maxIdle).UnixNano()
	return t.deleteWhere(func(_ string, e *entry[V]) bool { return e.lastAccess.Load() <= cutoff })
}

func (t *Tier[V]) Len() int { return len(t.items.GetKeys()) }

func (t *Tier[V]) Stats() TierStats {
	return TierStats{
		Keys:   t.Len(),
		Bytes:  t.bytes.Load(),
		Hits:   t.hits.Load(),
		Misses: t.misses.Load(),
	}
}

// Close stops the ttlcache expiry loop and releases every entry.
func (t *Tier[V]) Close() {
	t.closeOnce.Do(func() {
		t.Flush()
		t.items.Close()
	})
}

func (t *Tier[V]) expired(e *entry[V], now time.Time) bool {
	return now.Sub(e.stored) >= t.ttl
}

// deleteWhere walks a key snapshot; entries that vanish meanwhile are skipped.
func (t *Tier[V]) deleteWhere(match func(string, *entry[V]) bool) int {
	n := 0
	for _, k := range t.items.GetKeys() {
		e, ok := t.items.Get(k)
		if !ok || e == nil || !match(k, e) {
			continue
		}
		t.drop(k, e)
		n++
	}
	return n
}

func (t *Tier[V]) drop(key string, e *entry[V]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.items.Get(key); ok && cur == e {
		t.items.Delete(key)
	}
	t.release(e)
}

func (t *Tier[V]) release(e *entry[V]) {
	if e.released.CompareAndSwap(false, true) {
		t.bytes.Add(-e.size)
	}
}
