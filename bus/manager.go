package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/itsneelabh/gobus/codec"
	"github.com/itsneelabh/gobus/core"
	"github.com/itsneelabh/gobus/transport"
)

// Manager lazily instantiates named buses from a configuration registry
// and proxies bus operations to a configured default.
type Manager struct {
	registry   map[string]core.TransportConfig
	defaultBus string
	logger     core.Logger
	metrics    core.Metrics

	mu    sync.Mutex
	cache map[string]*Bus
}

// NewManager creates a manager over the transports section of cfg.
func NewManager(cfg *core.Config, logger core.Logger, metrics core.Metrics) *Manager {
	registry := make(map[string]core.TransportConfig, len(cfg.Transports))
	for name, tc := range cfg.Transports {
		registry[name] = tc
	}
	return &Manager{
		registry:   registry,
		defaultBus: cfg.Default,
		logger:     core.EnsureLogger(logger),
		metrics:    core.EnsureMetrics(metrics),
		cache:      make(map[string]*Bus),
	}
}

// Use returns the bus for name, constructing it on first access. With
// no name the configured default is used.
func (m *Manager) Use(name ...string) (*Bus, error) {
	busName, err := m.resolve(name...)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.cache[busName]; ok {
		return b, nil
	}

	tc, ok := m.registry[busName]
	if !ok {
		return nil, fmt.Errorf("transport %q: %w", busName, core.ErrUnknownTransport)
	}
	b, err := m.build(busName, tc)
	if err != nil {
		return nil, err
	}
	m.cache[busName] = b
	return b, nil
}

func (m *Manager) resolve(name ...string) (string, error) {
	if len(name) > 0 && name[0] != "" {
		return name[0], nil
	}
	if m.defaultBus == "" {
		return "", core.ErrNoDefault
	}
	return m.defaultBus, nil
}

// build constructs a bus from its registry entry.
func (m *Manager) build(name string, tc core.TransportConfig) (*Bus, error) {
	var tr transport.Transport
	switch tc.Driver {
	case "memory":
		mem := transport.NewMemoryTransport()
		mem.SetLogger(m.logger)
		tr = mem
	case "redis":
		opts := transport.RedisTransportOptions{
			URL:    tc.URL,
			Logger: m.logger,
		}
		if tc.Cluster {
			opts.Addrs = tc.Addrs
		}
		rt, err := transport.NewRedisTransport(opts)
		if err != nil {
			return nil, err
		}
		tr = rt
	default:
		return nil, fmt.Errorf("transport %q: driver %q: %w", name, tc.Driver, core.ErrUnknownTransport)
	}

	base, err := codec.New(tc.Codec)
	if err != nil {
		return nil, err
	}
	c := base
	if tc.MaxPayloadSize != 0 {
		// Re-wrap with the configured cap (New applies the default).
		c = codec.NewSizeValidatingCodec(base, tc.MaxPayloadSize)
	}

	m.logger.Info("Bus constructed", map[string]interface{}{
		"bus":    name,
		"driver": tc.Driver,
		"codec":  c.Name(),
	})
	return NewBus(Options{
		Transport: tr,
		Codec:     c,
		Name:      name,
		Logger:    m.logger,
		Metrics:   m.metrics,
	})
}

// Start connects one named bus, or every cached bus when no name is
// given.
func (m *Manager) Start(ctx context.Context, name ...string) error {
	if len(name) > 0 && name[0] != "" {
		b, err := m.Use(name[0])
		if err != nil {
			return err
		}
		return b.Connect(ctx)
	}

	for _, b := range m.cached() {
		if err := b.Connect(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Stop disconnects one named bus, or every cached bus when no name is
// given. Stopping everything also clears the cache.
func (m *Manager) Stop(ctx context.Context, name ...string) error {
	if len(name) > 0 && name[0] != "" {
		m.mu.Lock()
		b, ok := m.cache[name[0]]
		m.mu.Unlock()
		if !ok {
			return nil
		}
		return b.Disconnect(ctx)
	}

	var firstErr error
	for _, b := range m.cached() {
		if err := b.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	m.mu.Lock()
	m.cache = make(map[string]*Bus)
	m.mu.Unlock()
	return firstErr
}

func (m *Manager) cached() []*Bus {
	m.mu.Lock()
	defer m.mu.Unlock()
	buses := make([]*Bus, 0, len(m.cache))
	for _, b := range m.cache {
		buses = append(buses, b)
	}
	return buses
}

// Publish proxies to the default bus.
func (m *Manager) Publish(ctx context.Context, channel string, value interface{}) error {
	b, err := m.Use()
	if err != nil {
		return err
	}
	return b.Publish(ctx, channel, value)
}

// Subscribe proxies to the default bus.
func (m *Manager) Subscribe(ctx context.Context, channel string, handler Handler) error {
	b, err := m.Use()
	if err != nil {
		return err
	}
	return b.Subscribe(ctx, channel, handler)
}

// Unsubscribe proxies to the default bus.
func (m *Manager) Unsubscribe(ctx context.Context, channel string, handler Handler) error {
	b, err := m.Use()
	if err != nil {
		return err
	}
	return b.Unsubscribe(ctx, channel, handler)
}
