package cache

import (
	"context"

	"github.com/google/uuid"

	"github.com/itsneelabh/gobus/bus"
	"github.com/itsneelabh/gobus/core"
)

// Cross-instance cache coordination channels.
const (
	ChannelInvalidate     = "cache:invalidate"
	ChannelInvalidateTags = "cache:invalidate:tags"
	ChannelClear          = "cache:clear"
)

// SyncCallbacks receive remote invalidation events addressed to this
// store. Keys arrive fully prefixed.
type SyncCallbacks struct {
	OnRemoteInvalidate     func(keys []string)
	OnRemoteInvalidateTags func(tags []string)
	OnRemoteClear          func()
}

// DistributedSync propagates local invalidations over a message bus and
// applies remote ones. Every instance carries a random origin id so its
// own broadcasts are ignored when they echo back, and every payload
// names the logical store so unrelated caches sharing a bus do not
// disturb each other. Only invalidations travel; values never do.
type DistributedSync struct {
	bus       *bus.Bus
	store     string
	origin    string
	callbacks SyncCallbacks
	onEvent   func(channel string, published bool)
	logger    core.Logger

	// Handler func values are created once so Setup and Teardown refer
	// to the same registrations, and two sync instances sharing a bus
	// never collide on the subscription identity.
	onInvalidate     bus.Handler
	onInvalidateTags bus.Handler
	onClear          bus.Handler
}

// NewDistributedSync wires invalidation fan-out for one named store.
func NewDistributedSync(b *bus.Bus, storeName string, callbacks SyncCallbacks, logger core.Logger) *DistributedSync {
	s := &DistributedSync{
		bus:       b,
		store:     storeName,
		origin:    uuid.NewString(),
		callbacks: callbacks,
		logger:    core.EnsureLogger(logger),
	}
	s.onInvalidate = s.handleInvalidate
	s.onInvalidateTags = s.handleInvalidateTags
	s.onClear = s.handleClear
	return s
}

// SetEventHook registers the callback fired once per bus message sent
// or received by this sync instance.
func (s *DistributedSync) SetEventHook(fn func(channel string, published bool)) {
	s.onEvent = fn
}

// Origin returns this instance's origin id.
func (s *DistributedSync) Origin() string {
	return s.origin
}

// Setup subscribes the three coordination channels.
func (s *DistributedSync) Setup(ctx context.Context) error {
	if err := s.bus.Subscribe(ctx, ChannelInvalidate, s.onInvalidate); err != nil {
		return err
	}
	if err := s.bus.Subscribe(ctx, ChannelInvalidateTags, s.onInvalidateTags); err != nil {
		return err
	}
	return s.bus.Subscribe(ctx, ChannelClear, s.onClear)
}

// Teardown unsubscribes this instance's handlers. Other sync instances
// sharing the bus keep theirs.
func (s *DistributedSync) Teardown(ctx context.Context) error {
	if err := s.bus.Unsubscribe(ctx, ChannelInvalidate, s.onInvalidate); err != nil {
		return err
	}
	if err := s.bus.Unsubscribe(ctx, ChannelInvalidateTags, s.onInvalidateTags); err != nil {
		return err
	}
	return s.bus.Unsubscribe(ctx, ChannelClear, s.onClear)
}

// PublishInvalidate broadcasts deleted keys. Keys must be fully
// prefixed storage keys.
func (s *DistributedSync) PublishInvalidate(ctx context.Context, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.publish(ctx, ChannelInvalidate, map[string]interface{}{
		"store":  s.store,
		"origin": s.origin,
		"keys":   keys,
	})
}

// PublishInvalidateTags broadcasts invalidated tags.
func (s *DistributedSync) PublishInvalidateTags(ctx context.Context, tags []string) error {
	if len(tags) == 0 {
		return nil
	}
	return s.publish(ctx, ChannelInvalidateTags, map[string]interface{}{
		"store":  s.store,
		"origin": s.origin,
		"tags":   tags,
	})
}

// PublishClear broadcasts a full clear of the store.
func (s *DistributedSync) PublishClear(ctx context.Context) error {
	return s.publish(ctx, ChannelClear, map[string]interface{}{
		"store":  s.store,
		"origin": s.origin,
	})
}

func (s *DistributedSync) publish(ctx context.Context, channel string, payload map[string]interface{}) error {
	if err := s.bus.Publish(ctx, channel, payload); err != nil {
		s.logger.Warn("Cache sync publish failed", map[string]interface{}{
			"channel": channel,
			"store":   s.store,
			"error":   err,
		})
		return err
	}
	if s.onEvent != nil {
		s.onEvent(channel, true)
	}
	return nil
}

// accept reports whether a payload addresses this store from another
// instance. Malformed payloads are ignored.
func (s *DistributedSync) accept(payload interface{}) (map[string]interface{}, bool) {
	body, ok := payload.(map[string]interface{})
	if !ok {
		return nil, false
	}
	store, _ := body["store"].(string)
	origin, _ := body["origin"].(string)
	if store != s.store || origin == s.origin {
		return nil, false
	}
	return body, true
}

func (s *DistributedSync) handleInvalidate(ctx context.Context, payload interface{}) error {
	body, ok := s.accept(payload)
	if !ok {
		return nil
	}
	keys := stringSlice(body["keys"])
	if len(keys) == 0 {
		return nil
	}
	if s.onEvent != nil {
		s.onEvent(ChannelInvalidate, false)
	}
	if s.callbacks.OnRemoteInvalidate != nil {
		s.callbacks.OnRemoteInvalidate(keys)
	}
	return nil
}

func (s *DistributedSync) handleInvalidateTags(ctx context.Context, payload interface{}) error {
	body, ok := s.accept(payload)
	if !ok {
		return nil
	}
	tags := stringSlice(body["tags"])
	if len(tags) == 0 {
		return nil
	}
	if s.onEvent != nil {
		s.onEvent(ChannelInvalidateTags, false)
	}
	if s.callbacks.OnRemoteInvalidateTags != nil {
		s.callbacks.OnRemoteInvalidateTags(tags)
	}
	return nil
}

func (s *DistributedSync) handleClear(ctx context.Context, payload interface{}) error {
	_, ok := s.accept(payload)
	if !ok {
		return nil
	}
	if s.onEvent != nil {
		s.onEvent(ChannelClear, false)
	}
	if s.callbacks.OnRemoteClear != nil {
		s.callbacks.OnRemoteClear()
	}
	return nil
}

// stringSlice coerces a decoded payload field into []string. Decoders
// differ on whether string arrays survive as []string or []interface{}.
func stringSlice(v interface{}) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []interface{}:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
