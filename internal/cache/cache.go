// Package cache implements a persisted stale-while-revalidate cache over the
// local key/value store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MacJediWizard/fleetcheck/internal/metrics"
	"github.com/MacJediWizard/fleetcheck/internal/store"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// DefaultTTL is how long an entry counts as fresh.
const DefaultTTL = 5 * time.Minute

const backgroundRefreshTimeout = 30 * time.Second

// ErrNoData is returned by Fetch when nothing is cached and the loader failed.
var ErrNoData = errors.New("no cached data")

// Entry is the persisted form of a cached value.
type Entry[T any] struct {
	// Timestamp is the fetch time in Unix milliseconds.
	Timestamp int64 `json:"timestamp"`
	Data      T     `json:"data"`
}

// Result is a cache read.
type Result[T any] struct {
	Data      T
	FetchedAt time.Time
	Stale     bool
}

// Loader fetches the current value for a key from the endpoint.
type Loader[T any] func(ctx context.Context, key string) (T, error)

// Options configures a Cache.
type Options struct {
	TTL     time.Duration
	Now     func() time.Time
	Metrics *metrics.PrometheusMetrics
}

// Cache serves persisted values immediately and refreshes stale ones in the
// background, at most once per key at a time. Entries are never evicted.
type Cache[T any] struct {
	kv      store.KV
	load    Loader[T]
	ttl     time.Duration
	now     func() time.Time
	metrics *metrics.PrometheusMetrics
	logger  zerolog.Logger

	group singleflight.Group

	mu         sync.Mutex
	refreshing map[string]bool
	wg         sync.WaitGroup
}

// New creates a cache that persists entries in kv and fills them with load.
func New[T any](kv store.KV, load Loader[T], opts Options, logger zerolog.Logger) *Cache[T] {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Cache[T]{
		kv:         kv,
		load:       load,
		ttl:        opts.TTL,
		now:        opts.Now,
		metrics:    opts.Metrics,
		logger:     logger.With().Str("component", "cache").Logger(),
		refreshing: make(map[string]bool),
	}
}

// Get returns the cached value for key regardless of age. It never calls the
// loader. ok is false when nothing usable is stored.
func (c *Cache[T]) Get(ctx context.Context, key string) (Result[T], bool) {
	var entry Entry[T]
	if !store.LoadJSON(ctx, c.kv, key, &entry, c.logger) {
		return Result[T]{}, false
	}
	fetchedAt := time.UnixMilli(entry.Timestamp)
	return Result[T]{
		Data:      entry.Data,
		FetchedAt: fetchedAt,
		Stale:     !c.fresh(entry.Timestamp),
	}, true
}

func (c *Cache[T]) fresh(ts int64) bool {
	return c.now().UnixMilli()-ts < c.ttl.Milliseconds()
}

// Fetch returns the cached value, refreshing as needed. A fresh hit makes no
// loader call. A stale hit is returned at once and one background refresh is
// started. A miss loads synchronously.
func (c *Cache[T]) Fetch(ctx context.Context, key string) (Result[T], error) {
	if res, ok := c.Get(ctx, key); ok {
		if !res.Stale {
			c.metrics.RecordCacheLookup(metrics.CacheFresh)
			return res, nil
		}
		c.metrics.RecordCacheLookup(metrics.CacheStale)
		c.refreshInBackground(ctx, key)
		return res, nil
	}

	c.metrics.RecordCacheLookup(metrics.CacheMiss)
	res, err := c.Refresh(ctx, key, true)
	if err != nil {
		return Result[T]{}, fmt.Errorf("%w for %s: %w", ErrNoData, key, err)
	}
	return res, nil
}

// Refresh loads key and overwrites its entry. Without force, a fresh entry is
// returned unchanged. Concurrent refreshes of one key share a single load.
func (c *Cache[T]) Refresh(ctx context.Context, key string, force bool) (Result[T], error) {
	if !force {
		if res, ok := c.Get(ctx, key); ok && !res.Stale {
			return res, nil
		}
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		start := c.now()
		data, err := c.load(ctx, key)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			c.metrics.ObserveCacheRefresh(metrics.OutcomeFailed, elapsed)
			return nil, err
		}
		c.metrics.ObserveCacheRefresh(metrics.OutcomeSuccess, elapsed)

		entry := Entry[T]{Timestamp: c.now().UnixMilli(), Data: data}
		if err := store.SetJSON(ctx, c.kv, key, entry); err != nil {
			c.logger.Warn().Err(err).Str("key", key).Msg("failed to persist cache entry")
		}
		return entry, nil
	})
	if err != nil {
		return Result[T]{}, err
	}

	entry := v.(Entry[T])
	return Result[T]{Data: entry.Data, FetchedAt: time.UnixMilli(entry.Timestamp)}, nil
}

func (c *Cache[T]) refreshInBackground(ctx context.Context, key string) {
	c.mu.Lock()
	if c.refreshing[key] {
		c.mu.Unlock()
		return
	}
	c.refreshing[key] = true
	c.wg.Add(1)
	c.mu.Unlock()

	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundRefreshTimeout)
	go func() {
		defer c.wg.Done()
		defer cancel()
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, key)
			c.mu.Unlock()
		}()

		if _, err := c.Refresh(bg, key, true); err != nil {
			c.logger.Debug().Err(err).Str("key", key).Msg("background refresh failed, keeping stale entry")
		}
	}()
}

// Invalidate removes the entry for key.
func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	return c.kv.Delete(ctx, key)
}

// Wait blocks until in-flight background refreshes finish.
func (c *Cache[T]) Wait() {
	c.wg.Wait()
}
