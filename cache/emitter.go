package cache

import (
	"sync"
	"time"
)

// Cache lifecycle events.
const (
	EventHit          = "hit"
	EventMiss         = "miss"
	EventSet          = "set"
	EventDelete       = "delete"
	EventClear        = "clear"
	EventError        = "error"
	EventBusPublished = "bus:published"
	EventBusReceived  = "bus:received"
)

// Event describes one cache lifecycle occurrence. Fields are populated
// per event type: Driver, Graced and Duration on hits, Channel on bus
// events, Err on errors.
type Event struct {
	Type     string
	Key      string
	Keys     []string
	Tags     []string
	Driver   string
	Graced   bool
	Duration time.Duration
	Channel  string
	Err      error
}

// Listener receives emitted events. Listeners run synchronously on the
// emitting goroutine; slow listeners slow the cache down.
type Listener func(Event)

// Emitter fans cache events out to registered listeners. A panicking
// listener never disturbs the cache operation that emitted the event.
type Emitter struct {
	mu        sync.RWMutex
	listeners map[string][]Listener
}

// NewEmitter creates an emitter with no listeners.
func NewEmitter() *Emitter {
	return &Emitter{listeners: make(map[string][]Listener)}
}

// On registers a listener for one event type.
func (e *Emitter) On(eventType string, fn Listener) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.listeners[eventType] = append(e.listeners[eventType], fn)
	e.mu.Unlock()
}

// Emit delivers one event to its listeners in registration order.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	listeners := e.listeners[ev.Type]
	e.mu.RUnlock()

	for _, fn := range listeners {
		e.safeCall(fn, ev)
	}
}

func (e *Emitter) safeCall(fn Listener, ev Event) {
	defer func() {
		_ = recover()
	}()
	fn(ev)
}
