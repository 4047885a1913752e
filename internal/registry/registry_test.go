package registry

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/internal/apperr"
	"streamgate/pkg/types"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRegistry(capacity int) (*Registry, *fakeClock, *[]string) {
	var torn []string
	clk := &fakeClock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	r := New(Options{
		Capacity: capacity,
		IdleTTL:  time.Hour,
		Teardown: func(id string) { torn = append(torn, id) },
	})
	r.now = clk.now
	return r, clk, &torn
}

func session(id string) types.StreamSession {
	return types.StreamSession{StreamID: id, State: types.StreamInitializing}
}

func TestPutEvictsLeastRecentlyAccessedIdle(t *testing.T) {
	t.Parallel()

	r, clk, torn := newTestRegistry(3)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, r.Put(session(id)))
		clk.advance(time.Second)
	}
	r.Touch("a")

	require.NoError(t, r.Put(session("d")))

	_, ok := r.Peek("b")
	assert.False(t, ok)
	assert.Equal(t, []string{"b"}, *torn)
	assert.Equal(t, 3, r.Len())
}

func TestSessionInUseSurvivesEvictionFlood(t *testing.T) {
	t.Parallel()

	const capacity = 10
	r, clk, torn := newTestRegistry(capacity)

	require.NoError(t, r.Put(session("held")))
	_, ok := r.Get("held")
	require.True(t, ok)

	for i := 0; i < capacity+1; i++ {
		clk.advance(time.Second)
		require.NoError(t, r.Put(session(fmt.Sprintf("flood-%d", i))))
	}

	held, ok := r.Peek("held")
	require.True(t, ok)
	assert.Equal(t, 1, held.ActiveConnections)
	assert.NotContains(t, *torn, "held")
	assert.Equal(t, capacity, r.Len())

	clk.advance(2 * time.Hour)
	gone := r.Sweep()
	assert.NotContains(t, gone, "held")
	_, ok = r.Peek("held")
	assert.True(t, ok)
	assert.Equal(t, 1, r.Len())
}

func TestPutIsHardCapped(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(2)
	require.NoError(t, r.Put(session("a")))
	require.NoError(t, r.Put(session("b")))
	r.Get("a")
	r.Get("b")

	err := r.Put(session("c"))
	assert.True(t, apperr.Is(err, apperr.KindCapacity))
	assert.Equal(t, 2, r.Len())

	r.Release("b")
	require.NoError(t, r.Put(session("c")))
	_, ok := r.Peek("b")
	assert.False(t, ok)
}

func TestPutReplacesExistingInPlace(t *testing.T) {
	t.Parallel()

	r, _, torn := newTestRegistry(1)
	require.NoError(t, r.Put(session("a")))
	r.Get("a")

	ready := session("a")
	ready.State = types.StreamReady
	require.NoError(t, r.Put(ready))

	got, _ := r.Peek("a")
	assert.Equal(t, types.StreamReady, got.State)
	assert.Equal(t, 1, got.ActiveConnections)
	assert.Empty(t, *torn)
}

func TestGetReleaseCounts(t *testing.T) {
	t.Parallel()

	r, clk, _ := newTestRegistry(2)
	require.NoError(t, r.Put(session("a")))
	before, _ := r.Peek("a")

	clk.advance(time.Minute)
	got, ok := r.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, got.ActiveConnections)
	assert.True(t, got.LastAccessed.After(before.LastAccessed))

	r.Release("a")
	r.Release("a")
	got, _ = r.Peek("a")
	assert.Equal(t, 0, got.ActiveConnections)

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRemove(t *testing.T) {
	t.Parallel()

	r, _, torn := newTestRegistry(2)
	require.NoError(t, r.Put(session("a")))
	r.Get("a")

	assert.True(t, apperr.Is(r.Remove("a"), apperr.KindValidation))
	r.Release("a")
	require.NoError(t, r.Remove("a"))
	assert.Equal(t, []string{"a"}, *torn)
	assert.True(t, apperr.Is(r.Remove("a"), apperr.KindNotFound))
}

func TestUpdateKeepsBookkeeping(t *testing.T) {
	t.Parallel()

	r, _, _ := newTestRegistry(2)
	require.NoError(t, r.Put(session("a")))
	r.Get("a")

	ok := r.Update("a", func(s *types.StreamSession) {
		s.Progress = 42
		s.StreamID = "hijack"
		s.ActiveConnections = 0
	})
	require.True(t, ok)
	got, _ := r.Peek("a")
	assert.Equal(t, 42.0, got.Progress)
	assert.Equal(t, "a", got.StreamID)
	assert.Equal(t, 1, got.ActiveConnections)
	assert.False(t, r.Update("missing", func(*types.StreamSession) {}))
}
