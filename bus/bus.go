package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/gobus/codec"
	"github.com/itsneelabh/gobus/core"
	"github.com/itsneelabh/gobus/transport"
)

// BusError wraps a failed bus operation.
type BusError struct {
	Op      string
	Channel string
	Err     error
}

func (e *BusError) Error() string {
	if e.Channel != "" {
		return fmt.Sprintf("bus %s [%s]: %v", e.Op, e.Channel, e.Err)
	}
	return fmt.Sprintf("bus %s: %v", e.Op, e.Err)
}

func (e *BusError) Unwrap() error {
	return e.Err
}

// Hooks are optional observability callbacks. All hooks are
// fire-and-forget: panics are recovered and errors swallowed.
type Hooks struct {
	OnPublish          func(channel string, duration time.Duration)
	OnSubscribe        func(channel string)
	OnUnsubscribe      func(channel string)
	OnError            func(err error)
	OnHandlerError     func(channel string, err error)
	OnHandlerExecution func(channel string, duration time.Duration, err error)
}

// Options configures a Bus.
type Options struct {
	// Transport carries the messages. Required.
	Transport transport.Transport

	// Codec serializes payloads. Defaults to size-guarded JSON.
	Codec codec.Codec

	// Name labels the bus in logs and metrics.
	Name string

	Hooks   Hooks
	Logger  core.Logger
	Metrics core.Metrics
}

// Bus is the public pub/sub facade. It owns the transport, the codec
// and the subscription bookkeeping, and guarantees the transport is
// subscribed at most once per channel.
type Bus struct {
	name       string
	transport  transport.Transport
	codec      codec.Codec
	subs       *SubscriptionManager
	dispatcher *Dispatcher
	hooks      Hooks
	logger     core.Logger
	metrics    core.Metrics
}

// NewBus creates a bus over the given transport. The bus registers a
// reconnect callback that re-issues every outstanding subscribe, so
// subscriptions survive transport outages (messages in flight during
// the outage are lost).
func NewBus(opts Options) (*Bus, error) {
	if opts.Transport == nil {
		return nil, fmt.Errorf("transport is required: %w", core.ErrMissingConfiguration)
	}
	c := opts.Codec
	if c == nil {
		c = codec.NewSizeValidatingCodec(codec.NewJSONCodec(), 0)
	}
	logger := core.EnsureLogger(opts.Logger)
	metrics := core.EnsureMetrics(opts.Metrics)

	subs := NewSubscriptionManager()
	dispatcher := NewDispatcher(c, subs, logger, metrics)

	b := &Bus{
		name:       opts.Name,
		transport:  opts.Transport,
		codec:      c,
		subs:       subs,
		dispatcher: dispatcher,
		hooks:      opts.Hooks,
		logger:     logger,
		metrics:    metrics,
	}
	dispatcher.SetHandlerErrorHook(b.handleHandlerError)
	dispatcher.SetExecutionHook(b.handleExecution)
	b.transport.OnReconnect(b.resubscribeAll)
	return b, nil
}

// Connect establishes the underlying transport. Idempotent.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.transport.Connect(ctx); err != nil {
		return &BusError{Op: "connect", Err: err}
	}
	return nil
}

// Publish encodes value and sends it on channel.
func (b *Bus) Publish(ctx context.Context, channel string, value interface{}) error {
	start := time.Now()

	data, err := b.codec.Encode(value)
	if err != nil {
		b.reportError(err)
		return &BusError{Op: "publish", Channel: channel, Err: err}
	}
	if err := b.transport.Publish(ctx, channel, data); err != nil {
		b.reportError(err)
		return &BusError{Op: "publish", Channel: channel, Err: err}
	}

	duration := time.Since(start)
	b.fireHook(func() {
		if b.hooks.OnPublish != nil {
			b.hooks.OnPublish(channel, duration)
		}
	})
	b.metrics.Counter(ctx, "bus.messages_published", 1, map[string]string{"channel": channel})
	b.metrics.Histogram(ctx, "bus.publish_duration_ms", float64(duration.Milliseconds()), map[string]string{"channel": channel})
	return nil
}

// Subscribe registers handler on channel. The transport subscribe is
// issued only for the channel's first handler; duplicate registration
// of the same handler is a no-op.
func (b *Bus) Subscribe(ctx context.Context, channel string, handler Handler) error {
	if handler == nil {
		return &BusError{Op: "subscribe", Channel: channel, Err: core.ErrInvalidConfiguration}
	}

	first := b.subs.Add(channel, handler)
	if first {
		err := b.transport.Subscribe(ctx, channel, b.rawHandler(channel))
		if err != nil {
			// Roll back so the invariant holds: no handlers, no
			// transport subscription.
			b.subs.Remove(channel, handler)
			b.subs.Delete(channel)
			b.reportError(err)
			return &BusError{Op: "subscribe", Channel: channel, Err: err}
		}
	}

	b.fireHook(func() {
		if b.hooks.OnSubscribe != nil {
			b.hooks.OnSubscribe(channel)
		}
	})
	b.logger.Debug("Handler subscribed", map[string]interface{}{
		"bus":      b.name,
		"channel":  channel,
		"handlers": b.subs.HandlerCount(channel),
	})
	return nil
}

// rawHandler adapts the dispatcher into a transport raw handler.
func (b *Bus) rawHandler(channel string) transport.RawHandler {
	return func(data []byte) {
		b.dispatcher.Dispatch(context.Background(), channel, data)
	}
}

// Unsubscribe removes one handler from channel. The transport
// unsubscribe is issued when the last handler leaves. Unknown channels
// are a no-op.
func (b *Bus) Unsubscribe(ctx context.Context, channel string, handler Handler) error {
	if b.subs.HandlerCount(channel) == 0 {
		return nil
	}
	if empty := b.subs.Remove(channel, handler); empty {
		if err := b.transport.Unsubscribe(ctx, channel); err != nil {
			b.reportError(err)
			return &BusError{Op: "unsubscribe", Channel: channel, Err: err}
		}
	}
	b.fireHook(func() {
		if b.hooks.OnUnsubscribe != nil {
			b.hooks.OnUnsubscribe(channel)
		}
	})
	return nil
}

// UnsubscribeAll removes every handler from channel and tears down the
// transport subscription.
func (b *Bus) UnsubscribeAll(ctx context.Context, channel string) error {
	if b.subs.HandlerCount(channel) == 0 {
		return nil
	}
	b.subs.Delete(channel)
	if err := b.transport.Unsubscribe(ctx, channel); err != nil {
		b.reportError(err)
		return &BusError{Op: "unsubscribe", Channel: channel, Err: err}
	}
	b.fireHook(func() {
		if b.hooks.OnUnsubscribe != nil {
			b.hooks.OnUnsubscribe(channel)
		}
	})
	return nil
}

// Disconnect unsubscribes every channel, collecting but not re-raising
// per-channel errors, then disconnects the transport.
func (b *Bus) Disconnect(ctx context.Context) error {
	for _, channel := range b.subs.Channels() {
		if err := b.UnsubscribeAll(ctx, channel); err != nil {
			b.logger.Warn("Unsubscribe failed during disconnect", map[string]interface{}{
				"bus":     b.name,
				"channel": channel,
				"error":   err,
			})
		}
	}
	if err := b.transport.Disconnect(ctx); err != nil {
		return &BusError{Op: "disconnect", Err: err}
	}
	return nil
}

// Channels lists every channel with at least one handler.
func (b *Bus) Channels() []string {
	return b.subs.Channels()
}

// HandlerCount returns the number of handlers on a channel.
func (b *Bus) HandlerCount(channel string) int {
	return b.subs.HandlerCount(channel)
}

// resubscribeAll re-issues the transport subscribe for every channel
// currently held by the subscription manager. Runs on transport
// reconnect.
func (b *Bus) resubscribeAll() {
	channels := b.subs.Channels()
	b.logger.Info("Re-subscribing after reconnect", map[string]interface{}{
		"bus":      b.name,
		"channels": len(channels),
	})
	ctx := context.Background()
	for _, channel := range channels {
		if err := b.transport.Subscribe(ctx, channel, b.rawHandler(channel)); err != nil {
			b.logger.Error("Re-subscribe failed", map[string]interface{}{
				"bus":     b.name,
				"channel": channel,
				"error":   err,
			})
			b.reportError(err)
		}
	}
}

func (b *Bus) handleHandlerError(channel string, err error) {
	b.fireHook(func() {
		if b.hooks.OnHandlerError != nil {
			b.hooks.OnHandlerError(channel, err)
		}
	})
	b.reportError(err)
}

func (b *Bus) handleExecution(channel string, duration time.Duration, err error) {
	b.fireHook(func() {
		if b.hooks.OnHandlerExecution != nil {
			b.hooks.OnHandlerExecution(channel, duration, err)
		}
	})
}

func (b *Bus) reportError(err error) {
	b.fireHook(func() {
		if b.hooks.OnError != nil {
			b.hooks.OnError(err)
		}
	})
}

// fireHook runs an observability callback, swallowing panics.
func (b *Bus) fireHook(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
