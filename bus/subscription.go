// Package bus implements the typed publish/subscribe facade of gobus.
//
// Purpose:
// - Bus: the public facade owning a transport, a codec and the
//   per-channel subscription bookkeeping
// - SubscriptionManager: channel to handler-set index with snapshot
//   iteration for dispatch
// - Dispatcher: decode and fan-out with per-handler error isolation
// - Manager: lazy registry of named buses with a default
//
// A channel owns a set of handlers with duplicate suppression by
// function value identity. The transport is subscribed at most once per
// channel: the first handler triggers the transport subscribe, the
// last removal triggers the transport unsubscribe.
package bus

import (
	"context"
	"sync"
	"unsafe"
)

// Handler processes a decoded message published on a channel. Errors
// are reported through the bus error hook and never affect delivery to
// other handlers.
type Handler func(ctx context.Context, payload interface{}) error

// handlerID identifies a handler by function value identity: the same
// func value matches itself, while distinct closures and method values
// bound to different receivers stay distinct even though they share
// code. Callers that register a method value must keep the same func
// value around for removal, since every evaluation of x.Method
// allocates a fresh one.
type handlerID uintptr

func idOf(h Handler) handlerID {
	// A func value is one word, the pointer to its underlying funcval.
	// That pointer, not the code pointer reflect exposes, is what
	// distinguishes two closures over the same body.
	return handlerID(*(*uintptr)(unsafe.Pointer(&h)))
}

// ChannelSubscription holds the handler set for one channel.
type ChannelSubscription struct {
	handlers map[handlerID]Handler
}

// HandlerCount returns the number of registered handlers.
func (s *ChannelSubscription) HandlerCount() int {
	return len(s.handlers)
}

// SubscriptionManager indexes channel subscriptions. All methods are
// safe for concurrent use; iteration during dispatch sees a consistent
// snapshot of the handler set.
type SubscriptionManager struct {
	mu   sync.RWMutex
	subs map[string]*ChannelSubscription
}

// NewSubscriptionManager creates an empty manager.
func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subs: make(map[string]*ChannelSubscription),
	}
}

// GetOrCreate returns the channel's subscription, creating it on first
// use. Reports whether it already existed.
func (m *SubscriptionManager) GetOrCreate(channel string) (*ChannelSubscription, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sub, ok := m.subs[channel]; ok {
		return sub, true
	}
	sub := &ChannelSubscription{handlers: make(map[handlerID]Handler)}
	m.subs[channel] = sub
	return sub, false
}

// Add registers a handler. Adding the same handler twice is a no-op.
// Reports whether this was the channel's first handler.
func (m *SubscriptionManager) Add(channel string, handler Handler) (first bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[channel]
	if !ok {
		sub = &ChannelSubscription{handlers: make(map[handlerID]Handler)}
		m.subs[channel] = sub
	}
	wasEmpty := len(sub.handlers) == 0
	sub.handlers[idOf(handler)] = handler
	return wasEmpty
}

// Remove unregisters a handler. Reports whether the channel became
// empty and was deleted. Unknown channels and handlers are no-ops.
func (m *SubscriptionManager) Remove(channel string, handler Handler) (empty bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subs[channel]
	if !ok {
		return false
	}
	delete(sub.handlers, idOf(handler))
	if len(sub.handlers) == 0 {
		delete(m.subs, channel)
		return true
	}
	return false
}

// Delete drops the entire channel entry regardless of handler count.
func (m *SubscriptionManager) Delete(channel string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, channel)
}

// Snapshot returns a copy of the channel's handlers for dispatch.
func (m *SubscriptionManager) Snapshot(channel string) []Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[channel]
	if !ok {
		return nil
	}
	handlers := make([]Handler, 0, len(sub.handlers))
	for _, h := range sub.handlers {
		handlers = append(handlers, h)
	}
	return handlers
}

// Channels lists every channel with at least one handler.
func (m *SubscriptionManager) Channels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channels := make([]string, 0, len(m.subs))
	for ch := range m.subs {
		channels = append(channels, ch)
	}
	return channels
}

// HandlerCount returns the number of handlers on a channel.
func (m *SubscriptionManager) HandlerCount(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[channel]
	if !ok {
		return 0
	}
	return len(sub.handlers)
}
