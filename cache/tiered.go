package cache

import (
	"context"
	"sync"
	"time"

	"github.com/itsneelabh/gobus/core"
)

// LookupResult describes a tiered cache hit.
type LookupResult struct {
	Entry  *Entry
	Source string // Name of the driver that served the hit
	Graced bool   // Whether the entry was stale when served
}

// tier pairs an L2 driver with its circuit breaker.
type tier struct {
	driver  Driver
	breaker *CircuitBreaker
}

// TieredStoreOptions configures a TieredStore.
type TieredStoreOptions struct {
	// L1 is the optional synchronous in-process tier.
	L1 LocalDriver

	// Layers are the asynchronous tiers, ordered nearest first. Each
	// gets its own circuit breaker.
	Layers []Driver

	// FailureThreshold and BreakDuration parameterize every breaker.
	FailureThreshold int
	BreakDuration    time.Duration

	Logger  core.Logger
	Metrics core.Metrics
}

// TieredStore coordinates the L1 and L2 tiers: lookup with backfill,
// tag-aware invalidation and prefix namespacing. Remote failures are
// absorbed by per-layer circuit breakers and never surface to readers.
type TieredStore struct {
	l1      LocalDriver
	tiers   []*tier
	tags    *TagIndex
	prefix  string
	logger  core.Logger
	metrics core.Metrics
}

// NewTieredStore creates a store from options.
func NewTieredStore(opts TieredStoreOptions) *TieredStore {
	tiers := make([]*tier, len(opts.Layers))
	for i, driver := range opts.Layers {
		tiers[i] = &tier{
			driver:  driver,
			breaker: NewCircuitBreaker(opts.FailureThreshold, opts.BreakDuration),
		}
	}
	return &TieredStore{
		l1:      opts.L1,
		tiers:   tiers,
		tags:    NewTagIndex(),
		logger:  core.EnsureLogger(opts.Logger),
		metrics: core.EnsureMetrics(opts.Metrics),
	}
}

// Connect establishes every L2 driver.
func (s *TieredStore) Connect(ctx context.Context) error {
	for _, t := range s.tiers {
		if err := t.driver.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Disconnect releases every L2 driver.
func (s *TieredStore) Disconnect(ctx context.Context) error {
	var firstErr error
	for _, t := range s.tiers {
		if err := t.driver.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Namespace returns a view sharing L1, L2 tiers, breakers and the tag
// index, with ns composed onto the key prefix.
func (s *TieredStore) Namespace(ns string) *TieredStore {
	view := *s
	if s.prefix == "" {
		view.prefix = ns
	} else {
		view.prefix = s.prefix + ":" + ns
	}
	return &view
}

// Prefixed returns the full storage key for a logical key.
func (s *TieredStore) Prefixed(key string) string {
	if s.prefix == "" {
		return key
	}
	return s.prefix + ":" + key
}

// Get looks key up tier by tier. A hit in a deeper tier is backfilled
// into L1 and every nearer L2 whose breaker is closed.
func (s *TieredStore) Get(ctx context.Context, key string) *LookupResult {
	k := s.Prefixed(key)

	if s.l1 != nil {
		if entry := s.l1.Get(k); entry != nil && !entry.IsGced() {
			return &LookupResult{Entry: entry, Source: s.l1.Name(), Graced: entry.IsStale()}
		}
	}

	for i, t := range s.tiers {
		entry := guarded(ctx, t.breaker, func(ctx context.Context) (*Entry, error) {
			return t.driver.Get(ctx, k)
		}, nil)
		if entry == nil || entry.IsGced() {
			continue
		}
		s.backfill(ctx, k, entry, i)
		return &LookupResult{Entry: entry, Source: t.driver.Name(), Graced: entry.IsStale()}
	}
	return nil
}

// backfill writes an entry found in tier found into L1 and every
// earlier L2 that is not open.
func (s *TieredStore) backfill(ctx context.Context, key string, entry *Entry, found int) {
	if s.l1 != nil {
		s.l1.Set(key, entry)
	}
	for j := 0; j < found; j++ {
		t := s.tiers[j]
		guarded(ctx, t.breaker, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, t.driver.Set(ctx, key, entry)
		}, struct{}{})
	}
}

// GetMany batches lookups: all L1 hits first, then each L2 queried only
// for the still-missing keys, with per-key backfill.
func (s *TieredStore) GetMany(ctx context.Context, keys []string) map[string]*LookupResult {
	results := make(map[string]*LookupResult, len(keys))
	pending := make([]string, 0, len(keys))
	byStorage := make(map[string]string, len(keys))

	for _, key := range keys {
		k := s.Prefixed(key)
		byStorage[k] = key
		if s.l1 != nil {
			if entry := s.l1.Get(k); entry != nil && !entry.IsGced() {
				results[key] = &LookupResult{Entry: entry, Source: s.l1.Name(), Graced: entry.IsStale()}
				continue
			}
		}
		pending = append(pending, k)
	}

	for i, t := range s.tiers {
		if len(pending) == 0 {
			break
		}
		batch := pending
		found := guarded(ctx, t.breaker, func(ctx context.Context) (map[string]*Entry, error) {
			return t.driver.GetMany(ctx, batch)
		}, nil)

		stillPending := pending[:0]
		for _, k := range pending {
			entry, ok := found[k]
			if !ok || entry == nil || entry.IsGced() {
				stillPending = append(stillPending, k)
				continue
			}
			s.backfill(ctx, k, entry, i)
			results[byStorage[k]] = &LookupResult{Entry: entry, Source: t.driver.Name(), Graced: entry.IsStale()}
		}
		pending = stillPending
	}
	return results
}

// Set registers the entry's tags, writes L1 synchronously and the L2
// tiers in parallel. L2 failures only open the respective breaker.
func (s *TieredStore) Set(ctx context.Context, key string, entry *Entry) {
	k := s.Prefixed(key)
	s.tags.Register(k, entry.Tags)

	if s.l1 != nil {
		s.l1.Set(k, entry)
	}

	var wg sync.WaitGroup
	for _, t := range s.tiers {
		wg.Add(1)
		go func(t *tier) {
			defer wg.Done()
			guarded(ctx, t.breaker, func(ctx context.Context) (struct{}, error) {
				return struct{}{}, t.driver.Set(ctx, k, entry)
			}, struct{}{})
		}(t)
	}
	wg.Wait()
}

// Delete removes logical keys from every tier, returning the maximum
// count any tier reported (the best-informed layer's view).
func (s *TieredStore) Delete(ctx context.Context, keys ...string) int {
	storageKeys := make([]string, len(keys))
	for i, key := range keys {
		storageKeys[i] = s.Prefixed(key)
	}
	return s.deleteStorageKeys(ctx, storageKeys)
}

// deleteStorageKeys removes fully-prefixed keys from every tier.
func (s *TieredStore) deleteStorageKeys(ctx context.Context, keys []string) int {
	if len(keys) == 0 {
		return 0
	}
	for _, k := range keys {
		s.tags.Unregister(k)
	}

	max := 0
	if s.l1 != nil {
		max = s.l1.Delete(keys...)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, t := range s.tiers {
		wg.Add(1)
		go func(t *tier) {
			defer wg.Done()
			n := guarded(ctx, t.breaker, func(ctx context.Context) (int, error) {
				return t.driver.Delete(ctx, keys...)
			}, 0)
			mu.Lock()
			if n > max {
				max = n
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return max
}

// InvalidateTags removes every key registered under any of the tags
// from all tiers.
func (s *TieredStore) InvalidateTags(ctx context.Context, tags []string) int {
	keys := s.tags.Invalidate(tags)
	if len(keys) == 0 {
		return 0
	}
	return s.deleteStorageKeys(ctx, keys)
}

// Clear drops everything under this store's prefix from all tiers.
func (s *TieredStore) Clear(ctx context.Context) int {
	prefix := s.clearPrefix()
	max := 0
	if s.l1 != nil {
		max = s.l1.Clear(prefix)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	for _, t := range s.tiers {
		wg.Add(1)
		go func(t *tier) {
			defer wg.Done()
			n := guarded(ctx, t.breaker, func(ctx context.Context) (int, error) {
				return t.driver.Clear(ctx, prefix)
			}, 0)
			mu.Lock()
			if n > max {
				max = n
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()
	return max
}

// InvalidateL1 removes fully-prefixed keys from the local tier only.
// Used by distributed sync to apply remote invalidations without
// touching the shared L2.
func (s *TieredStore) InvalidateL1(keys ...string) int {
	if s.l1 == nil {
		return 0
	}
	for _, k := range keys {
		s.tags.Unregister(k)
	}
	return s.l1.Delete(keys...)
}

// InvalidateTagsL1 applies a remote tag invalidation to the local tier
// only, using this instance's own tag index to resolve keys.
func (s *TieredStore) InvalidateTagsL1(tags []string) int {
	if s.l1 == nil {
		return 0
	}
	keys := s.tags.Invalidate(tags)
	if len(keys) == 0 {
		return 0
	}
	return s.l1.Delete(keys...)
}

// ClearL1 drops everything under this store's prefix from the local
// tier only.
func (s *TieredStore) ClearL1() int {
	if s.l1 == nil {
		return 0
	}
	return s.l1.Clear(s.clearPrefix())
}

// clearPrefix is the storage-key prefix a Clear matches against. The
// delimiter keeps a clear of "ns" from sweeping a sibling "ns2".
func (s *TieredStore) clearPrefix() string {
	if s.prefix == "" {
		return ""
	}
	return s.prefix + ":"
}
