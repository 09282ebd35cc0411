package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/itsneelabh/gobus/core"
)

// DefaultRevalidateWindow is the minimum interval between background
// revalidations of the same key.
const DefaultRevalidateWindow = 2 * time.Second

// Loader produces the value for a cache key. It receives a context that
// is cancelled when the caller aborts (SWR timeout with abort enabled).
type Loader func(ctx context.Context) (interface{}, error)

// DedupOptions selects the deduplication strategy for one call.
type DedupOptions struct {
	// StaleTime enables SWR mode when positive: results are kept and
	// served immediately while a background revalidation refreshes
	// them once they age past StaleTime.
	StaleTime time.Duration

	// RevalidateWindow is the minimum spacing between background
	// revalidations per key. Default DefaultRevalidateWindow.
	RevalidateWindow time.Duration
}

// swrSlot is one cached SWR result.
type swrSlot struct {
	data     interface{}
	cachedAt time.Time
}

// Deduplicator coalesces concurrent loads per key. Without StaleTime it
// is a pure single-flight: all concurrent callers for a key share one
// loader execution and its result or error. With StaleTime it keeps an
// SWR result cache and refreshes stale results in the background.
type Deduplicator struct {
	group singleflight.Group

	mu               sync.Mutex
	slots            map[string]*swrSlot
	pendingReval     map[string]bool
	lastRevalidation map[string]time.Time

	onError func(key string, err error)
	logger  core.Logger
}

// NewDeduplicator creates an empty deduplicator.
func NewDeduplicator(logger core.Logger) *Deduplicator {
	return &Deduplicator{
		slots:            make(map[string]*swrSlot),
		pendingReval:     make(map[string]bool),
		lastRevalidation: make(map[string]time.Time),
		logger:           core.EnsureLogger(logger),
	}
}

// SetErrorHook registers the callback for background loader failures.
func (d *Deduplicator) SetErrorHook(fn func(key string, err error)) {
	d.onError = fn
}

// Get loads the value for key, coalescing concurrent callers.
func (d *Deduplicator) Get(ctx context.Context, key string, loader Loader, opts *DedupOptions) (interface{}, error) {
	if opts == nil || opts.StaleTime <= 0 {
		return d.inflight(ctx, key, loader)
	}
	return d.swr(ctx, key, loader, opts)
}

// inflight shares one loader execution among concurrent callers.
func (d *Deduplicator) inflight(ctx context.Context, key string, loader Loader) (interface{}, error) {
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		return loader(ctx)
	})
	return v, err
}

// swr serves cached data immediately and revalidates in the background
// once it goes stale, at most once per revalidate window.
func (d *Deduplicator) swr(ctx context.Context, key string, loader Loader, opts *DedupOptions) (interface{}, error) {
	window := opts.RevalidateWindow
	if window <= 0 {
		window = DefaultRevalidateWindow
	}

	d.mu.Lock()
	slot, ok := d.slots[key]
	if ok {
		stale := time.Since(slot.cachedAt) > opts.StaleTime
		if stale && !d.pendingReval[key] {
			last, seen := d.lastRevalidation[key]
			if !seen || time.Since(last) >= window {
				d.pendingReval[key] = true
				d.lastRevalidation[key] = time.Now()
				go d.revalidate(key, loader)
			}
		}
		data := slot.data
		d.mu.Unlock()
		// Stale data is returned immediately; the caller never waits
		// on a revalidation.
		return data, nil
	}
	d.mu.Unlock()

	// Cold key: single-flight the initial load.
	v, err, _ := d.group.Do(key, func() (interface{}, error) {
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		d.mu.Lock()
		d.slots[key] = &swrSlot{data: value, cachedAt: time.Now()}
		d.mu.Unlock()
		return value, nil
	})
	if err != nil {
		if d.onError != nil {
			d.onError(key, err)
		}
		return nil, err
	}
	return v, nil
}

// revalidate refreshes one key in the background.
func (d *Deduplicator) revalidate(key string, loader Loader) {
	value, err := loader(context.Background())

	d.mu.Lock()
	delete(d.pendingReval, key)
	if err == nil {
		d.slots[key] = &swrSlot{data: value, cachedAt: time.Now()}
	}
	d.mu.Unlock()

	if err != nil {
		d.logger.Warn("Background revalidation failed", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		if d.onError != nil {
			d.onError(key, err)
		}
	}
}

// Invalidate drops all deduplication state for key.
func (d *Deduplicator) Invalidate(key string) {
	d.group.Forget(key)
	d.mu.Lock()
	delete(d.slots, key)
	delete(d.pendingReval, key)
	delete(d.lastRevalidation, key)
	d.mu.Unlock()
}

// InvalidateAll drops all deduplication state.
func (d *Deduplicator) InvalidateAll() {
	d.mu.Lock()
	for key := range d.slots {
		d.group.Forget(key)
	}
	d.slots = make(map[string]*swrSlot)
	d.pendingReval = make(map[string]bool)
	d.lastRevalidation = make(map[string]time.Time)
	d.mu.Unlock()
}
