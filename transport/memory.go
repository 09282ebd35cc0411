package transport

import (
	"context"
	"sync"

	"github.com/itsneelabh/gobus/core"
)

// MemoryTransport is an in-process pub/sub transport. Each instance owns
// its own channel table, so tests never bleed into each other.
//
// Publish enqueues the message and returns immediately; delivery happens
// on a background goroutine so a publisher holding a lock can never
// deadlock its own handler. Delivery order per channel is strict FIFO.
type MemoryTransport struct {
	mu        sync.RWMutex
	connected bool
	handlers  map[string]RawHandler
	queues    map[string]*deliveryQueue
	reconnect []func()
	logger    core.Logger
}

// deliveryQueue serializes asynchronous delivery for one channel.
type deliveryQueue struct {
	mu       sync.Mutex
	pending  [][]byte
	draining bool
}

// NewMemoryTransport creates a disconnected in-memory transport.
func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		handlers: make(map[string]RawHandler),
		queues:   make(map[string]*deliveryQueue),
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this transport.
func (m *MemoryTransport) SetLogger(logger core.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Connect marks the transport ready. Idempotent.
func (m *MemoryTransport) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = true
	return nil
}

// Disconnect drops all subscriptions and marks the transport closed.
// Idempotent. Messages still queued for delivery are dropped.
func (m *MemoryTransport) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.handlers = make(map[string]RawHandler)
	m.queues = make(map[string]*deliveryQueue)
	return nil
}

// Publish enqueues data for asynchronous delivery on channel.
func (m *MemoryTransport) Publish(ctx context.Context, channel string, data []byte) error {
	m.mu.RLock()
	if !m.connected {
		m.mu.RUnlock()
		return notReadyError("publish", channel, false)
	}
	queue := m.queues[channel]
	m.mu.RUnlock()

	if queue == nil {
		// No subscriber; pub/sub drops messages without listeners.
		return nil
	}

	// Copy so later mutation by the publisher cannot race delivery.
	buf := make([]byte, len(data))
	copy(buf, data)

	queue.mu.Lock()
	queue.pending = append(queue.pending, buf)
	if !queue.draining {
		queue.draining = true
		go m.drain(channel, queue)
	}
	queue.mu.Unlock()
	return nil
}

// drain delivers queued messages for one channel in FIFO order.
func (m *MemoryTransport) drain(channel string, queue *deliveryQueue) {
	for {
		queue.mu.Lock()
		if len(queue.pending) == 0 {
			queue.draining = false
			queue.mu.Unlock()
			return
		}
		msg := queue.pending[0]
		queue.pending = queue.pending[1:]
		queue.mu.Unlock()

		m.mu.RLock()
		handler := m.handlers[channel]
		m.mu.RUnlock()
		if handler == nil {
			continue
		}
		m.deliver(channel, handler, msg)
	}
}

func (m *MemoryTransport) deliver(channel string, handler RawHandler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Handler panic during delivery", map[string]interface{}{
				"channel": channel,
				"panic":   r,
			})
		}
	}()
	handler(data)
}

// Subscribe registers the raw handler for channel.
func (m *MemoryTransport) Subscribe(ctx context.Context, channel string, handler RawHandler) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return notReadyError("subscribe", channel, false)
	}
	m.handlers[channel] = handler
	if m.queues[channel] == nil {
		m.queues[channel] = &deliveryQueue{}
	}
	return nil
}

// Unsubscribe removes the channel's raw handler. Unknown channels are a no-op.
func (m *MemoryTransport) Unsubscribe(ctx context.Context, channel string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, channel)
	delete(m.queues, channel)
	return nil
}

// OnReconnect registers a reconnect callback. The memory transport never
// loses its connection, so callbacks only fire when tests trigger them
// through a wrapping ChaosTransport.
func (m *MemoryTransport) OnReconnect(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reconnect = append(m.reconnect, fn)
}
