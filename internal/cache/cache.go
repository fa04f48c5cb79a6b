// Package cache implements the TTL cache backing the repository's read paths.
//
// Keys are (location, operation, window) tuples. Three properties matter:
//
//   - Stampede protection: concurrent misses on one key collapse into a
//     single backend fetch via singleflight; late callers subscribe to the
//     in-flight result. A caller whose deadline expires is released with
//     ErrTimeout while the fetch continues for the remaining waiters.
//   - Read-your-writes: writes bump a per-location generation counter that is
//     part of every cache key, so all entries for that location become
//     unreachable at once without scanning shards. Orphaned entries age out
//     via the janitor.
//   - Degraded availability: expired entries are retained for a configurable
//     window so that, when the backend fails and the caller opts in, the last
//     known value can be served flagged as stale.
//
// Entries are spread over 32 mutex-guarded shards so concurrent access to
// unrelated keys never contends on a single lock.
package cache

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"github.com/fieldsense/weather-engine/internal/domain"
	"github.com/fieldsense/weather-engine/internal/observability"
)

const shardCount = 32

type entry struct {
	value     any
	expiresAt time.Time
}

type shard struct {
	mu      sync.Mutex
	entries map[string]entry
}

// Cache is a sharded TTL cache with single-flight fetch and per-location
// generation invalidation.
type Cache struct {
	shards  [shardCount]*shard
	flight  singleflight.Group
	clock   clockwork.Clock
	metrics *observability.Metrics

	genMu       sync.RWMutex
	generations map[string]uint64

	staleRetention time.Duration
	stopJanitor    chan struct{}
	stopOnce       sync.Once
}

// New creates a cache and starts its janitor. Stop must be called to release
// the janitor goroutine.
func New(clock clockwork.Clock, metrics *observability.Metrics, staleRetention, janitorInterval time.Duration) *Cache {
	c := &Cache{
		clock:          clock,
		metrics:        metrics,
		generations:    make(map[string]uint64),
		staleRetention: staleRetention,
		stopJanitor:    make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{entries: make(map[string]entry)}
	}
	go c.runJanitor(janitorInterval)
	return c
}

// Stop terminates the janitor goroutine.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() { close(c.stopJanitor) })
}

// GetOrFetch returns the cached value for (locationID, op, window), or runs
// fetch exactly once per key across concurrent callers and caches the result
// for ttl. The returned bool reports staleness: true only when a stale entry
// was substituted for a failed backend fetch with allowStale set.
func (c *Cache) GetOrFetch(
	ctx context.Context,
	locationID, op, window string,
	ttl time.Duration,
	allowStale bool,
	fetch func(ctx context.Context) (any, error),
) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}

	key := c.keyFor(locationID, op, window)

	if v, ok := c.lookup(key, false); ok {
		c.metrics.CacheHits.WithLabelValues(op).Inc()
		return v, false, nil
	}
	c.metrics.CacheMisses.WithLabelValues(op).Inc()

	// The flight runs detached from this caller's cancellation so its result
	// remains available to other waiters after we time out.
	fetchCtx := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		v, err := fetch(fetchCtx)
		if err != nil {
			return nil, err
		}
		c.store(key, v, ttl)
		return v, nil
	})

	select {
	case <-ctx.Done():
		c.metrics.BackendTimeouts.Inc()
		return nil, false, fmt.Errorf("%w: awaiting fetch for %s/%s: %v", domain.ErrTimeout, op, locationID, ctx.Err())
	case res := <-ch:
		if res.Shared {
			c.metrics.FetchesDeduplicated.Inc()
		}
		if res.Err != nil {
			if errors.Is(res.Err, domain.ErrNotFound) {
				return nil, false, res.Err
			}
			c.metrics.BackendErrors.Inc()
			if allowStale {
				if v, ok := c.lookup(key, true); ok {
					c.metrics.CacheStaleServed.Inc()
					return v, true, nil
				}
			}
			return nil, false, res.Err
		}
		return res.Val, false, nil
	}
}

// Invalidate makes every cached entry for the location unreachable. Called by
// write paths before they return, establishing read-your-writes.
func (c *Cache) Invalidate(locationID string) {
	c.genMu.Lock()
	c.generations[locationID]++
	c.genMu.Unlock()
}

func (c *Cache) keyFor(locationID, op, window string) string {
	c.genMu.RLock()
	gen := c.generations[locationID]
	c.genMu.RUnlock()
	return fmt.Sprintf("%s:%d:%s:%s", locationID, gen, op, window)
}

// lookup returns the entry at key. With includeExpired it also returns
// entries past their TTL (stale fallback); otherwise only fresh ones.
func (c *Cache) lookup(key string, includeExpired bool) (any, bool) {
	s := c.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !includeExpired && c.clock.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

func (c *Cache) store(key string, value any, ttl time.Duration) {
	s := c.shardFor(key)
	s.mu.Lock()
	s.entries[key] = entry{value: value, expiresAt: c.clock.Now().Add(ttl)}
	s.mu.Unlock()
}

func (c *Cache) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key)) //nolint:errcheck // fnv never fails
	return c.shards[h.Sum32()%shardCount]
}

func (c *Cache) runJanitor(interval time.Duration) {
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			c.sweep()
		case <-c.stopJanitor:
			return
		}
	}
}

// sweep removes entries that have been expired for longer than the stale
// retention window. Recently expired entries stay for degraded-mode serving.
func (c *Cache) sweep() {
	cutoff := c.clock.Now().Add(-c.staleRetention)
	for _, s := range c.shards {
		s.mu.Lock()
		for key, e := range s.entries {
			if e.expiresAt.Before(cutoff) {
				delete(s.entries, key)
			}
		}
		s.mu.Unlock()
	}
}
