// Package gobus is a lightweight meta-package that re-exports the
// library's entry points. Users should import specific packages based
// on their needs:
//   - github.com/itsneelabh/gobus/bus - Message bus and bus manager
//   - github.com/itsneelabh/gobus/cache - Multi-tier cache
//   - github.com/itsneelabh/gobus/transport - Transport drivers
//   - github.com/itsneelabh/gobus/middleware - Transport decorators
package gobus

import (
	"context"

	"github.com/itsneelabh/gobus/bus"
	"github.com/itsneelabh/gobus/cache"
	"github.com/itsneelabh/gobus/core"
	"github.com/itsneelabh/gobus/transport"
)

// Re-export the primary types so simple programs can depend on the root
// package alone.
type (
	// Bus types
	Bus        = bus.Bus
	BusOptions = bus.Options
	Manager    = bus.Manager
	Handler    = bus.Handler
	Hooks      = bus.Hooks

	// Cache types
	Cache        = cache.Cache
	CacheOptions = cache.CacheOptions
	ItemOptions  = cache.ItemOptions

	// Configuration types
	Config          = core.Config
	TransportConfig = core.TransportConfig

	// Interfaces
	Logger    = core.Logger
	Metrics   = core.Metrics
	Transport = transport.Transport
)

// NewBus creates a bus over the given transport with default options.
func NewBus(t transport.Transport) (*Bus, error) {
	return bus.NewBus(bus.Options{Transport: t})
}

// NewMemoryBus creates a connected in-process bus. Intended for tests
// and single-process deployments.
func NewMemoryBus(ctx context.Context) (*Bus, error) {
	t := transport.NewMemoryTransport()
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return bus.NewBus(bus.Options{Transport: t})
}

// NewRedisBus creates a bus over Redis pub/sub and connects it.
func NewRedisBus(ctx context.Context, url string) (*Bus, error) {
	t, err := transport.NewRedisTransport(transport.RedisTransportOptions{URL: url})
	if err != nil {
		return nil, err
	}
	if err := t.Connect(ctx); err != nil {
		return nil, err
	}
	return bus.NewBus(bus.Options{Transport: t})
}

// NewManagerFromFile loads a YAML configuration and builds a manager.
func NewManagerFromFile(path string, logger core.Logger, metrics core.Metrics) (*Manager, error) {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	return bus.NewManager(cfg, logger, metrics), nil
}

// NewCache builds a cache from options.
func NewCache(opts CacheOptions) *Cache {
	return cache.NewCache(opts)
}
