// Package cache provides a multi-tier cache with a synchronous
// in-process L1, asynchronous remote L2 layers behind circuit breakers,
// stale-while-revalidate loading, tag invalidation and optional
// cross-instance invalidation over a message bus.
//
// Purpose: give services one cache object that absorbs remote-tier
// failures and keeps instances coherent without ever shipping values
// between them.
//
// Scope: entry lifecycle (fresh, stale, gced), tiered lookup with
// backfill, request deduplication, SWR timing, tag index, distributed
// invalidation. Persistence and cross-instance value replication are
// out of scope.
package cache

import (
	"context"
	"time"

	"github.com/itsneelabh/gobus/bus"
	"github.com/itsneelabh/gobus/core"
)

// Default entry lifetimes, used when neither the cache nor the call
// supplies its own.
const (
	DefaultStaleTime = time.Minute
	DefaultGcTime    = 10 * time.Minute
)

// CacheOptions configures a Cache.
type CacheOptions struct {
	// Name identifies the logical store on the sync channels. Two
	// instances coordinate only when their names match. Default
	// "cache".
	Name string

	// L1 is the in-process tier. Defaults to an LRU memory driver of
	// DefaultL1Size entries. Set DisableL1 to run without one.
	L1        LocalDriver
	DisableL1 bool

	// Layers are the remote tiers, nearest first.
	Layers []Driver

	// StaleTime and GcTime are entry lifetime defaults, overridable
	// per call.
	StaleTime time.Duration
	GcTime    time.Duration

	// FailureThreshold and BreakDuration parameterize the circuit
	// breaker guarding each remote layer.
	FailureThreshold int
	BreakDuration    time.Duration

	// Bus enables distributed invalidation when set.
	Bus *bus.Bus

	Logger  core.Logger
	Metrics core.Metrics
}

// ItemOptions tune a single Get, Set or GetOrSet call. The zero value
// means "use the cache defaults".
type ItemOptions struct {
	StaleTime time.Duration
	GcTime    time.Duration
	Tags      []string

	// Clone returns a deep copy of slice and map values so callers
	// cannot mutate the cached entry.
	Clone bool

	// Timeout bounds how long GetOrSet waits for the loader when a
	// stale value is available. Nil waits indefinitely; zero returns
	// the stale value immediately.
	Timeout        *time.Duration
	AbortOnTimeout bool

	// Retries is the number of extra loader attempts on failure.
	Retries int

	// Fresh skips the cache read and always invokes the loader.
	Fresh bool

	// EagerRefresh triggers a background reload on a fresh hit that
	// has consumed this fraction of its lifetime, in (0, 1).
	EagerRefresh float64
}

// Cache is the user-facing cache object. All methods are safe for
// concurrent use.
type Cache struct {
	name      string
	store     *TieredStore
	dedup     *Deduplicator
	emitter   *Emitter
	sync      *DistributedSync
	staleTime time.Duration
	gcTime    time.Duration
	logger    core.Logger
	metrics   core.Metrics
}

// NewCache builds a cache from options.
func NewCache(opts CacheOptions) *Cache {
	name := opts.Name
	if name == "" {
		name = "cache"
	}
	l1 := opts.L1
	if l1 == nil && !opts.DisableL1 {
		l1 = NewMemoryDriver(DefaultL1Size)
	}
	staleTime := opts.StaleTime
	if staleTime <= 0 {
		staleTime = DefaultStaleTime
	}
	gcTime := opts.GcTime
	if gcTime <= 0 {
		gcTime = DefaultGcTime
	}
	logger := core.EnsureLogger(opts.Logger)

	c := &Cache{
		name: name,
		store: NewTieredStore(TieredStoreOptions{
			L1:               l1,
			Layers:           opts.Layers,
			FailureThreshold: opts.FailureThreshold,
			BreakDuration:    opts.BreakDuration,
			Logger:           logger,
			Metrics:          opts.Metrics,
		}),
		dedup:     NewDeduplicator(logger),
		emitter:   NewEmitter(),
		staleTime: staleTime,
		gcTime:    gcTime,
		logger:    logger,
		metrics:   core.EnsureMetrics(opts.Metrics),
	}

	if opts.Bus != nil {
		// Remote events touch L1 only. The shared L2 already reflects
		// the mutation performed by the originating instance.
		c.sync = NewDistributedSync(opts.Bus, name, SyncCallbacks{
			OnRemoteInvalidate: func(keys []string) {
				c.store.InvalidateL1(keys...)
			},
			OnRemoteInvalidateTags: func(tags []string) {
				c.store.InvalidateTagsL1(tags)
			},
			OnRemoteClear: func() {
				c.store.ClearL1()
			},
		}, logger)
		c.sync.SetEventHook(func(channel string, published bool) {
			eventType := EventBusReceived
			if published {
				eventType = EventBusPublished
			}
			c.emitter.Emit(Event{Type: eventType, Channel: channel})
		})
	}
	return c
}

// Connect establishes the remote layers and, when a bus is configured,
// subscribes the invalidation channels.
func (c *Cache) Connect(ctx context.Context) error {
	if err := c.store.Connect(ctx); err != nil {
		return err
	}
	if c.sync != nil {
		return c.sync.Setup(ctx)
	}
	return nil
}

// Disconnect tears down the sync subscriptions and remote layers.
func (c *Cache) Disconnect(ctx context.Context) error {
	var firstErr error
	if c.sync != nil {
		firstErr = c.sync.Teardown(ctx)
	}
	if err := c.store.Disconnect(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// Name returns the logical store name.
func (c *Cache) Name() string {
	return c.name
}

// On registers a listener for cache lifecycle events.
func (c *Cache) On(eventType string, fn Listener) {
	c.emitter.On(eventType, fn)
}

// Namespace returns a view of this cache with prefix composed onto
// every key. The view shares tiers, dedup state, listeners and sync.
func (c *Cache) Namespace(prefix string) *Cache {
	view := *c
	view.store = c.store.Namespace(prefix)
	return &view
}

// Get returns the cached value for key and whether it was present.
// Stale entries are returned; gced entries are misses.
func (c *Cache) Get(ctx context.Context, key string, opts *ItemOptions) (interface{}, bool) {
	start := time.Now()
	res := c.store.Get(ctx, key)
	if res == nil {
		c.emitter.Emit(Event{Type: EventMiss, Key: key})
		c.metrics.Counter(ctx, "cache.misses", 1, map[string]string{"store": c.name})
		return nil, false
	}
	c.emitter.Emit(Event{
		Type:     EventHit,
		Key:      key,
		Driver:   res.Source,
		Graced:   res.Graced,
		Duration: time.Since(start),
	})
	c.metrics.Counter(ctx, "cache.hits", 1, map[string]string{"store": c.name, "driver": res.Source})
	return c.finish(res.Entry.Value, opts), true
}

// GetMany returns the present values for keys in one pass.
func (c *Cache) GetMany(ctx context.Context, keys []string, opts *ItemOptions) map[string]interface{} {
	found := c.store.GetMany(ctx, keys)
	out := make(map[string]interface{}, len(found))
	for _, key := range keys {
		res, ok := found[key]
		if !ok {
			c.emitter.Emit(Event{Type: EventMiss, Key: key})
			continue
		}
		c.emitter.Emit(Event{Type: EventHit, Key: key, Driver: res.Source, Graced: res.Graced})
		out[key] = c.finish(res.Entry.Value, opts)
	}
	return out
}

// Has reports whether key is present without emitting events.
func (c *Cache) Has(ctx context.Context, key string) bool {
	return c.store.Get(ctx, key) != nil
}

// MissingKeys returns the subset of keys not present in the cache.
func (c *Cache) MissingKeys(ctx context.Context, keys ...string) []string {
	found := c.store.GetMany(ctx, keys)
	var missing []string
	for _, key := range keys {
		if _, ok := found[key]; !ok {
			missing = append(missing, key)
		}
	}
	return missing
}

// Set stores value under key. Writes are not broadcast; only
// invalidations travel between instances.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, opts *ItemOptions) {
	eff := c.effective(opts)
	entry := NewEntry(value, eff.StaleTime, eff.GcTime, eff.Tags)
	c.store.Set(ctx, key, entry)
	c.emitter.Emit(Event{Type: EventSet, Key: key, Tags: eff.Tags})
	c.metrics.Counter(ctx, "cache.sets", 1, map[string]string{"store": c.name})
}

// GetOrSet returns the cached value for key, invoking loader to fill
// misses. Fresh hits return immediately. Stale hits are served with a
// stale-while-revalidate policy governed by the call's Timeout and
// AbortOnTimeout. Concurrent callers for one key share a single loader
// execution.
func (c *Cache) GetOrSet(ctx context.Context, key string, loader Loader, opts *ItemOptions) (interface{}, error) {
	eff := c.effective(opts)

	if eff.Fresh {
		value, err := c.dedupLoad(ctx, key, loader, eff)
		if err != nil {
			return nil, err
		}
		return c.finish(value, opts), nil
	}

	start := time.Now()
	res := c.store.Get(ctx, key)

	if res != nil && res.Entry.IsFresh() {
		if eff.EagerRefresh > 0 && res.Entry.IsNearExpiration(eff.EagerRefresh) {
			go func() {
				_, _ = c.dedupLoad(context.Background(), key, loader, eff)
			}()
		}
		c.emitter.Emit(Event{Type: EventHit, Key: key, Driver: res.Source, Duration: time.Since(start)})
		c.metrics.Counter(ctx, "cache.hits", 1, map[string]string{"store": c.name, "driver": res.Source})
		return c.finish(res.Entry.Value, opts), nil
	}

	if res != nil {
		// Stale entry available: serve it when the refresh is slow or
		// failing.
		swr, err := WithSWR(ctx, func(ctx context.Context) (interface{}, error) {
			return c.dedupLoad(ctx, key, loader, eff)
		}, SWROptions{
			StaleValue:     res.Entry.Value,
			HasStale:       true,
			Timeout:        eff.Timeout,
			AbortOnTimeout: eff.AbortOnTimeout,
			BackgroundRefresh: func() {
				// The timed-out flight may have been cancelled; forget it
				// so the refresh runs the loader instead of joining it.
				c.dedup.Invalidate(c.store.Prefixed(key))
				_, _ = c.dedupLoad(context.Background(), key, loader, eff)
			},
		})
		if err != nil {
			return nil, err
		}
		if swr.Stale {
			c.emitter.Emit(Event{Type: EventHit, Key: key, Driver: res.Source, Graced: true, Duration: time.Since(start)})
			c.metrics.Counter(ctx, "cache.hits", 1, map[string]string{"store": c.name, "driver": res.Source})
		}
		return c.finish(swr.Value, opts), nil
	}

	c.emitter.Emit(Event{Type: EventMiss, Key: key})
	c.metrics.Counter(ctx, "cache.misses", 1, map[string]string{"store": c.name})
	value, err := c.dedupLoad(ctx, key, loader, eff)
	if err != nil {
		return nil, err
	}
	return c.finish(value, opts), nil
}

// Delete removes keys from every tier and broadcasts the invalidation.
// Returns how many keys existed in at least one tier.
func (c *Cache) Delete(ctx context.Context, keys ...string) int {
	if len(keys) == 0 {
		return 0
	}
	n := c.store.Delete(ctx, keys...)
	prefixed := make([]string, len(keys))
	for i, key := range keys {
		prefixed[i] = c.store.Prefixed(key)
		c.dedup.Invalidate(prefixed[i])
		c.emitter.Emit(Event{Type: EventDelete, Key: key})
	}
	c.metrics.Counter(ctx, "cache.deletes", 1, map[string]string{"store": c.name})
	if c.sync != nil {
		_ = c.sync.PublishInvalidate(ctx, prefixed)
	}
	return n
}

// InvalidateTags removes every key carrying any of tags and broadcasts
// the invalidation. Returns how many keys were removed.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) int {
	if len(tags) == 0 {
		return 0
	}
	n := c.store.InvalidateTags(ctx, tags)
	c.dedup.InvalidateAll()
	c.emitter.Emit(Event{Type: EventDelete, Tags: tags})
	if c.sync != nil {
		_ = c.sync.PublishInvalidateTags(ctx, tags)
	}
	return n
}

// Clear removes every key under this cache's prefix from every tier
// and broadcasts the clear.
func (c *Cache) Clear(ctx context.Context) int {
	n := c.store.Clear(ctx)
	c.dedup.InvalidateAll()
	c.emitter.Emit(Event{Type: EventClear})
	if c.sync != nil {
		_ = c.sync.PublishClear(ctx)
	}
	return n
}

// Expire marks key stale without removing it, so the next GetOrSet
// serves it as a stale hit. Returns whether the entry existed.
func (c *Cache) Expire(ctx context.Context, key string) bool {
	res := c.store.Get(ctx, key)
	if res == nil {
		return false
	}
	c.store.Set(ctx, key, res.Entry.Expired())
	return true
}

// Pull returns the value for key and removes it.
func (c *Cache) Pull(ctx context.Context, key string) (interface{}, bool) {
	value, ok := c.Get(ctx, key, nil)
	if !ok {
		return nil, false
	}
	c.Delete(ctx, key)
	return value, true
}

// dedupLoad runs loadAndStore once per key across concurrent callers.
// The dedup key is the fully prefixed storage key so namespace views
// sharing this cache never collide.
func (c *Cache) dedupLoad(ctx context.Context, key string, loader Loader, eff ItemOptions) (interface{}, error) {
	return c.dedup.Get(ctx, c.store.Prefixed(key), func(ctx context.Context) (interface{}, error) {
		return c.loadAndStore(ctx, key, loader, eff)
	}, nil)
}

// loadAndStore invokes the loader with retries and persists the result
// through every tier.
func (c *Cache) loadAndStore(ctx context.Context, key string, loader Loader, eff ItemOptions) (interface{}, error) {
	value, err := c.runLoader(ctx, key, loader, eff.Retries)
	if err != nil {
		c.emitter.Emit(Event{Type: EventError, Key: key, Err: err})
		c.metrics.Counter(ctx, "cache.loader_errors", 1, map[string]string{"store": c.name})
		return nil, err
	}
	entry := NewEntry(value, eff.StaleTime, eff.GcTime, eff.Tags)
	c.store.Set(ctx, key, entry)
	c.emitter.Emit(Event{Type: EventSet, Key: key, Tags: eff.Tags})
	return value, nil
}

// runLoader invokes the loader with exponential backoff between
// attempts. Delays are 100ms doubling per attempt.
func (c *Cache) runLoader(ctx context.Context, key string, loader Loader, retries int) (interface{}, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		value, err := loader(ctx)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt >= retries {
			break
		}
		delay := time.Duration(100<<uint(attempt)) * time.Millisecond
		select {
		case <-ctx.Done():
			return nil, &LoaderError{Key: key, Err: ctx.Err()}
		case <-time.After(delay):
		}
	}
	return nil, &LoaderError{Key: key, Err: lastErr}
}

// effective resolves per-call options against the cache defaults.
func (c *Cache) effective(opts *ItemOptions) ItemOptions {
	eff := ItemOptions{StaleTime: c.staleTime, GcTime: c.gcTime}
	if opts == nil {
		return eff
	}
	eff = *opts
	if eff.StaleTime <= 0 {
		eff.StaleTime = c.staleTime
	}
	if eff.GcTime <= 0 {
		eff.GcTime = c.gcTime
	}
	return eff
}

// finish applies per-call output options to a value.
func (c *Cache) finish(value interface{}, opts *ItemOptions) interface{} {
	if opts != nil && opts.Clone {
		return cloneValue(value)
	}
	return value
}
