package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldsense/weather-engine/internal/domain"
	"github.com/fieldsense/weather-engine/internal/observability"
)

func newTestCache(t *testing.T) (*Cache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c := New(clock, observability.NewMetricsForTesting(), time.Hour, time.Minute)
	t.Cleanup(c.Stop)
	return c, clock
}

func TestGetOrFetch_CachesWithinTTL(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		return "reading-1", nil
	}

	v, stale, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, false, fetch)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Equal(t, "reading-1", v)

	v, _, err = c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, false, fetch)
	require.NoError(t, err)
	assert.Equal(t, "reading-1", v)

	assert.Equal(t, int32(1), calls.Load(), "second read should be a cache hit")
}

func TestGetOrFetch_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		return calls.Load(), nil
	}

	_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, false, fetch)
	require.NoError(t, err)

	clock.Advance(5*time.Minute + time.Second)

	v, _, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, false, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v, "expired entry should trigger a refetch")
}

func TestGetOrFetch_KeysAreIndependent(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		return calls.Add(1), nil
	}

	_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", time.Minute, false, fetch)
	require.NoError(t, err)
	_, _, err = c.GetOrFetch(ctx, "karnal", "current", "", time.Minute, false, fetch)
	require.NoError(t, err)
	_, _, err = c.GetOrFetch(ctx, "panipat", "history", "2026-01-01/2026-01-07", time.Minute, false, fetch)
	require.NoError(t, err)

	assert.Equal(t, int32(3), calls.Load())
}

func TestGetOrFetch_SingleFlight(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "shared", nil
	}

	const waiters = 10
	var wg sync.WaitGroup
	results := make([]any, waiters)
	errs := make([]error, waiters)

	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], _, errs[i] = c.GetOrFetch(ctx, "panipat", "current", "", time.Minute, false, fetch)
		}(i)
	}

	// Let the goroutines pile onto the in-flight fetch, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load(), "concurrent misses must collapse into one fetch")
	for i := 0; i < waiters; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "shared", results[i])
	}
}

func TestGetOrFetch_TimedOutCallerIsReleased(t *testing.T) {
	c, _ := newTestCache(t)

	var calls atomic.Int32
	release := make(chan struct{})
	fetch := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "late", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", time.Minute, false, fetch)
	assert.ErrorIs(t, err, domain.ErrTimeout)

	// The flight keeps running and its result lands in the cache.
	close(release)
	noFetch := func(context.Context) (any, error) { return nil, errors.New("should have been a cache hit") }
	assert.Eventually(t, func() bool {
		v, _, err := c.GetOrFetch(context.Background(), "panipat", "current", "", time.Minute, false, noFetch)
		return err == nil && v == "late"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}

func TestInvalidate_ForcesRefetch(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		return calls.Add(1), nil
	}

	_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", time.Minute, false, fetch)
	require.NoError(t, err)

	c.Invalidate("panipat")

	v, _, err := c.GetOrFetch(ctx, "panipat", "current", "", time.Minute, false, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), v, "invalidation must force a backend read")
}

func TestInvalidate_OtherLocationsUnaffected(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	var calls atomic.Int32
	fetch := func(context.Context) (any, error) {
		return calls.Add(1), nil
	}

	_, _, _ = c.GetOrFetch(ctx, "panipat", "current", "", time.Minute, false, fetch)
	_, _, _ = c.GetOrFetch(ctx, "karnal", "current", "", time.Minute, false, fetch)

	c.Invalidate("panipat")

	_, _, err := c.GetOrFetch(ctx, "karnal", "current", "", time.Minute, false, fetch)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load(), "karnal entry should still be cached")
}

func TestGetOrFetch_DegradedMode(t *testing.T) {
	backendDown := errors.New("backend unavailable: connection refused")

	t.Run("serves stale on backend failure when enabled", func(t *testing.T) {
		c, clock := newTestCache(t)
		ctx := context.Background()

		ok := func(context.Context) (any, error) { return "fresh", nil }
		fail := func(context.Context) (any, error) { return nil, backendDown }

		_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, true, ok)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)

		v, stale, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, true, fail)
		require.NoError(t, err)
		assert.True(t, stale)
		assert.Equal(t, "fresh", v)
	})

	t.Run("propagates backend failure when disabled", func(t *testing.T) {
		c, clock := newTestCache(t)
		ctx := context.Background()

		ok := func(context.Context) (any, error) { return "fresh", nil }
		fail := func(context.Context) (any, error) { return nil, backendDown }

		_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, false, ok)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)

		_, _, err = c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, false, fail)
		assert.ErrorIs(t, err, backendDown)
	})

	t.Run("not-found is never masked by stale data", func(t *testing.T) {
		c, clock := newTestCache(t)
		ctx := context.Background()

		ok := func(context.Context) (any, error) { return "fresh", nil }
		notFound := func(context.Context) (any, error) { return nil, domain.ErrNotFound }

		_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, true, ok)
		require.NoError(t, err)

		clock.Advance(10 * time.Minute)

		_, _, err = c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, true, notFound)
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("no stale entry available", func(t *testing.T) {
		c, _ := newTestCache(t)
		fail := func(context.Context) (any, error) { return nil, backendDown }

		_, _, err := c.GetOrFetch(context.Background(), "panipat", "current", "", 5*time.Minute, true, fail)
		assert.ErrorIs(t, err, backendDown)
	})
}

func TestSweep_DropsEntriesPastRetention(t *testing.T) {
	c, clock := newTestCache(t)
	ctx := context.Background()
	backendDown := errors.New("backend down")

	ok := func(context.Context) (any, error) { return "fresh", nil }
	fail := func(context.Context) (any, error) { return nil, backendDown }

	_, _, err := c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, true, ok)
	require.NoError(t, err)

	// Past TTL plus the full stale-retention window.
	clock.Advance(5*time.Minute + time.Hour + time.Minute)
	c.sweep()

	_, _, err = c.GetOrFetch(ctx, "panipat", "current", "", 5*time.Minute, true, fail)
	assert.ErrorIs(t, err, backendDown, "swept entry must not be served stale")
}
