package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T, opts CacheOptions) *Cache {
	t.Helper()
	c := NewCache(opts)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() {
		_ = c.Disconnect(context.Background())
	})
	return c
}

func TestCacheSetAndGet(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	c.Set(ctx, "k", "v", nil)

	v, ok := c.Get(ctx, "k", nil)
	require.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok = c.Get(ctx, "absent", nil)
	assert.False(t, ok)
}

func TestCacheGetEmitsHitAndMiss(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	var mu sync.Mutex
	var events []Event
	record := func(ev Event) {
		mu.Lock()
		events = append(events, ev)
		mu.Unlock()
	}
	c.On(EventHit, record)
	c.On(EventMiss, record)

	c.Set(ctx, "k", "v", nil)
	c.Get(ctx, "k", nil)
	c.Get(ctx, "absent", nil)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, events, 2)
	assert.Equal(t, EventHit, events[0].Type)
	assert.Equal(t, "memory", events[0].Driver)
	assert.False(t, events[0].Graced)
	assert.Equal(t, EventMiss, events[1].Type)
	assert.Equal(t, "absent", events[1].Key)
}

func TestCacheGetManyAndMissingKeys(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	c.Set(ctx, "a", 1, nil)
	c.Set(ctx, "b", 2, nil)

	out := c.GetMany(ctx, []string{"a", "b", "c"}, nil)
	assert.Equal(t, map[string]interface{}{"a": 1, "b": 2}, out)

	missing := c.MissingKeys(ctx, "a", "c", "d")
	assert.Equal(t, []string{"c", "d"}, missing)
}

func TestCacheGetOrSetMissLoadsAndStores(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	var calls int32
	loader := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "loaded", nil
	}

	v, err := c.GetOrSet(ctx, "k", loader, nil)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)

	// Fresh hit on the second call; the loader stays cold.
	v, err = c.GetOrSet(ctx, "k", loader, nil)
	require.NoError(t, err)
	assert.Equal(t, "loaded", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheGetOrSetCoalescesConcurrentLoads(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	var calls int32
	release := make(chan struct{})
	loader := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return "loaded", nil
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrSet(ctx, "k", loader, nil)
			assert.NoError(t, err)
			assert.Equal(t, "loaded", v)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheGetOrSetFreshBypassesCache(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	c.Set(ctx, "k", "cached", nil)

	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return "reloaded", nil
	}, &ItemOptions{Fresh: true})
	require.NoError(t, err)
	assert.Equal(t, "reloaded", v)

	// The reload also replaced the stored entry.
	v, ok := c.Get(ctx, "k", nil)
	require.True(t, ok)
	assert.Equal(t, "reloaded", v)
}

func TestCacheGetOrSetStaleServedOnTimeout(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test", StaleTime: 20 * time.Millisecond, GcTime: time.Hour})
	ctx := context.Background()

	var graced int32
	c.On(EventHit, func(ev Event) {
		if ev.Graced {
			atomic.AddInt32(&graced, 1)
		}
	})

	c.Set(ctx, "k", "old", nil)
	time.Sleep(50 * time.Millisecond)

	// The entry is stale and the refresh is slow. The stale value comes
	// back within the timeout and the refresh completes behind it.
	loaded := make(chan struct{})
	timeout := 30 * time.Millisecond
	start := time.Now()
	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		defer close(loaded)
		time.Sleep(300 * time.Millisecond)
		return "new", nil
	}, &ItemOptions{Timeout: &timeout})
	require.NoError(t, err)
	assert.Equal(t, "old", v)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&graced))

	select {
	case <-loaded:
	case <-time.After(time.Second):
		t.Fatal("refresh never completed")
	}

	// The refreshed value landed in the store.
	assert.Eventually(t, func() bool {
		v, ok := c.Get(ctx, "k", nil)
		return ok && v == "new"
	}, time.Second, 10*time.Millisecond)
}

func TestCacheGetOrSetAbortOnTimeoutStillRefreshes(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test", StaleTime: 20 * time.Millisecond, GcTime: time.Hour})
	ctx := context.Background()

	c.Set(ctx, "k", "old", nil)
	time.Sleep(50 * time.Millisecond)

	// The first load is cancelled by the abort. The background refresh
	// must not join that dying flight; it reruns the loader and lands
	// the new value.
	var calls int32
	loader := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(5 * time.Second):
				return "too-late", nil
			}
		}
		return "v2", nil
	}

	timeout := 30 * time.Millisecond
	v, err := c.GetOrSet(ctx, "k", loader, &ItemOptions{Timeout: &timeout, AbortOnTimeout: true})
	require.NoError(t, err)
	assert.Equal(t, "old", v)

	assert.Eventually(t, func() bool {
		v, ok := c.Get(ctx, "k", nil)
		return ok && v == "v2"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCacheGetOrSetZeroTimeoutRefreshesBehind(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test", StaleTime: 50 * time.Millisecond, GcTime: 10 * time.Second})
	ctx := context.Background()

	c.Set(ctx, "k", "v1", nil)
	time.Sleep(60 * time.Millisecond)

	// Zero timeout: the stale value comes back without any wait and the
	// reload lands behind the caller.
	zero := time.Duration(0)
	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return "v2", nil
	}, &ItemOptions{Timeout: &zero, StaleTime: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, "v1", v)

	assert.Eventually(t, func() bool {
		v, ok := c.Get(ctx, "k", nil)
		return ok && v == "v2"
	}, time.Second, 10*time.Millisecond)

	// The refreshed entry is fresh; the next load never runs.
	v, err = c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		t.Error("loader must not run on a fresh hit")
		return nil, nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestCacheGetOrSetStaleBeatsLoaderError(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test", StaleTime: time.Millisecond, GcTime: time.Hour})
	ctx := context.Background()

	c.Set(ctx, "k", "old", nil)
	time.Sleep(10 * time.Millisecond)

	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return nil, errors.New("upstream down")
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "old", v)
}

func TestCacheGetOrSetLoaderErrorOnMiss(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	var errEvents int32
	c.On(EventError, func(ev Event) {
		atomic.AddInt32(&errEvents, 1)
	})

	boom := errors.New("boom")
	_, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return nil, boom
	}, nil)

	var loaderErr *LoaderError
	require.ErrorAs(t, err, &loaderErr)
	assert.Equal(t, "k", loaderErr.Key)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(1), atomic.LoadInt32(&errEvents))
}

func TestCacheGetOrSetRetries(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	var calls int32
	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "ok", nil
	}, &ItemOptions{Retries: 3})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCacheGetOrSetEagerRefresh(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test", StaleTime: time.Second, GcTime: time.Hour})
	ctx := context.Background()

	c.Set(ctx, "k", "old", nil)
	// Past half the lifetime but comfortably short of stale.
	time.Sleep(600 * time.Millisecond)

	var calls int32
	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return "new", nil
	}, &ItemOptions{EagerRefresh: 0.5})
	require.NoError(t, err)
	// The caller still gets the fresh value synchronously.
	assert.Equal(t, "old", v)

	assert.Eventually(t, func() bool {
		v, ok := c.Get(ctx, "k", nil)
		return ok && v == "new"
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCacheDelete(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	var deleted []string
	var mu sync.Mutex
	c.On(EventDelete, func(ev Event) {
		mu.Lock()
		deleted = append(deleted, ev.Key)
		mu.Unlock()
	})

	c.Set(ctx, "a", 1, nil)
	c.Set(ctx, "b", 2, nil)

	assert.Equal(t, 2, c.Delete(ctx, "a", "b", "c"))
	assert.False(t, c.Has(ctx, "a"))
	assert.Equal(t, 0, c.Delete(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"a", "b", "c"}, deleted)
}

func TestCacheInvalidateTags(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	c.Set(ctx, "u1", 1, &ItemOptions{Tags: []string{"users"}})
	c.Set(ctx, "u2", 2, &ItemOptions{Tags: []string{"users", "admins"}})
	c.Set(ctx, "o1", 3, &ItemOptions{Tags: []string{"orders"}})

	assert.Equal(t, 2, c.InvalidateTags(ctx, "users"))
	assert.False(t, c.Has(ctx, "u1"))
	assert.False(t, c.Has(ctx, "u2"))
	assert.True(t, c.Has(ctx, "o1"))
}

func TestCacheClear(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	c.Set(ctx, "a", 1, nil)
	c.Set(ctx, "b", 2, nil)

	assert.Equal(t, 2, c.Clear(ctx))
	assert.False(t, c.Has(ctx, "a"))
}

func TestCacheExpireMarksStale(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test", StaleTime: time.Hour, GcTime: 2 * time.Hour})
	ctx := context.Background()

	c.Set(ctx, "k", "old", nil)
	require.True(t, c.Expire(ctx, "k"))
	assert.False(t, c.Expire(ctx, "absent"))

	// The entry survives as a stale hit.
	v, ok := c.Get(ctx, "k", nil)
	require.True(t, ok)
	assert.Equal(t, "old", v)

	// GetOrSet now treats it as stale and refreshes.
	v, err := c.GetOrSet(ctx, "k", func(ctx context.Context) (interface{}, error) {
		return "new", nil
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", v)
}

func TestCachePull(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	c.Set(ctx, "k", "v", nil)

	v, ok := c.Pull(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", v)
	assert.False(t, c.Has(ctx, "k"))

	_, ok = c.Pull(ctx, "k")
	assert.False(t, ok)
}

func TestCacheNamespaceIsolation(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	users := c.Namespace("users")
	orders := c.Namespace("orders")
	ctx := context.Background()

	users.Set(ctx, "1", "alice", nil)
	orders.Set(ctx, "1", "order-1", nil)

	v, ok := users.Get(ctx, "1", nil)
	require.True(t, ok)
	assert.Equal(t, "alice", v)

	v, ok = orders.Get(ctx, "1", nil)
	require.True(t, ok)
	assert.Equal(t, "order-1", v)

	// Clearing one namespace leaves the other alone.
	users.Clear(ctx)
	assert.False(t, users.Has(ctx, "1"))
	assert.True(t, orders.Has(ctx, "1"))
}

func TestCacheCloneProtectsStoredValue(t *testing.T) {
	c := newTestCache(t, CacheOptions{Name: "test"})
	ctx := context.Background()

	c.Set(ctx, "k", map[string]interface{}{"n": 1}, nil)

	v, ok := c.Get(ctx, "k", &ItemOptions{Clone: true})
	require.True(t, ok)
	v.(map[string]interface{})["n"] = 99

	v, ok = c.Get(ctx, "k", nil)
	require.True(t, ok)
	assert.Equal(t, 1, v.(map[string]interface{})["n"])
}

func TestCacheL2BackfillAfterL1Loss(t *testing.T) {
	l2 := newFakeDriver("fake")
	c := newTestCache(t, CacheOptions{Name: "test", Layers: []Driver{l2}})
	ctx := context.Background()

	c.Set(ctx, "k", "v", nil)

	// Simulate a cold L1, as after a restart.
	c.store.InvalidateL1(c.store.Prefixed("k"))

	v, ok := c.Get(ctx, "k", nil)
	require.True(t, ok)
	assert.Equal(t, "v", v)
}
