package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingLoader struct {
	calls atomic.Int32
	value atomic.Value
	err   error
	gate  chan struct{}
}

func (l *countingLoader) load(ctx context.Context, key string) ([]string, error) {
	l.calls.Add(1)
	if l.gate != nil {
		<-l.gate
	}
	if l.err != nil {
		return nil, l.err
	}
	v, _ := l.value.Load().([]string)
	return v, nil
}

func newTestCache(t *testing.T, l *countingLoader) (*Cache[[]string], *clock, *store.MemoryStore) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	kv := store.NewMemoryStore()
	c := New[[]string](kv, l.load, Options{Now: clk.Now}, zerolog.Nop())
	return c, clk, kv
}

func TestFetchMissLoadsSynchronously(t *testing.T) {
	l := &countingLoader{}
	l.value.Store([]string{"a"})
	c, _, _ := newTestCache(t, l)

	res, err := c.Fetch(context.Background(), "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, res.Data)
	assert.False(t, res.Stale)
	assert.EqualValues(t, 1, l.calls.Load())
}

func TestFreshHitMakesNoLoaderCall(t *testing.T) {
	l := &countingLoader{}
	l.value.Store([]string{"a"})
	c, clk, _ := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "k")
	require.NoError(t, err)

	clk.Advance(4*time.Minute + 59*time.Second)
	for i := 0; i < 5; i++ {
		res, err := c.Fetch(ctx, "k")
		require.NoError(t, err)
		assert.False(t, res.Stale)
	}
	c.Wait()
	assert.EqualValues(t, 1, l.calls.Load())
}

func TestStaleHitRefreshesOnceInBackground(t *testing.T) {
	l := &countingLoader{}
	l.value.Store([]string{"old"})
	c, clk, _ := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "k")
	require.NoError(t, err)

	clk.Advance(DefaultTTL)
	l.value.Store([]string{"new"})
	l.gate = make(chan struct{})

	for i := 0; i < 10; i++ {
		res, err := c.Fetch(ctx, "k")
		require.NoError(t, err)
		assert.True(t, res.Stale)
		assert.Equal(t, []string{"old"}, res.Data)
	}

	close(l.gate)
	c.Wait()
	assert.EqualValues(t, 2, l.calls.Load(), "expected exactly one background refresh")

	res, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []string{"new"}, res.Data)
	assert.False(t, res.Stale)
}

func TestBackgroundFailureKeepsStaleEntry(t *testing.T) {
	l := &countingLoader{}
	l.value.Store([]string{"old"})
	c, clk, _ := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.Fetch(ctx, "k")
	require.NoError(t, err)

	clk.Advance(10 * time.Minute)
	l.err = errors.New("offline")

	res, err := c.Fetch(ctx, "k")
	require.NoError(t, err)
	c.Wait()
	assert.Equal(t, []string{"old"}, res.Data)

	res, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.True(t, res.Stale)
}

func TestGetNeverLoads(t *testing.T) {
	l := &countingLoader{}
	c, _, _ := newTestCache(t, l)

	_, ok := c.Get(context.Background(), "missing")
	assert.False(t, ok)
	assert.EqualValues(t, 0, l.calls.Load())
}

func TestMalformedEntryIsMiss(t *testing.T) {
	l := &countingLoader{}
	l.value.Store([]string{"fresh"})
	c, _, kv := newTestCache(t, l)
	ctx := context.Background()

	require.NoError(t, kv.Set(ctx, "k", []byte("{not json")))

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	res, err := c.Fetch(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, res.Data)
}

func TestMissWithLoaderFailure(t *testing.T) {
	l := &countingLoader{err: errors.New("offline")}
	c, _, _ := newTestCache(t, l)

	_, err := c.Fetch(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNoData)
}

func TestRefreshWithoutForceSkipsFreshEntry(t *testing.T) {
	l := &countingLoader{}
	l.value.Store([]string{"a"})
	c, clk, _ := newTestCache(t, l)
	ctx := context.Background()

	_, err := c.Refresh(ctx, "k", false)
	require.NoError(t, err)
	_, err = c.Refresh(ctx, "k", false)
	require.NoError(t, err)
	assert.EqualValues(t, 1, l.calls.Load())

	_, err = c.Refresh(ctx, "k", true)
	require.NoError(t, err)
	assert.EqualValues(t, 2, l.calls.Load())

	clk.Advance(DefaultTTL)
	_, err = c.Refresh(ctx, "k", false)
	require.NoError(t, err)
	assert.EqualValues(t, 3, l.calls.Load())
}
