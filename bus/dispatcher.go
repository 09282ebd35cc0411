package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/itsneelabh/gobus/codec"
	"github.com/itsneelabh/gobus/core"
)

// HandlerError reports a handler failure on a channel. Handler errors
// are isolated: they reach the error hook and nothing else.
type HandlerError struct {
	Channel string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler error on %s: %v", e.Channel, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// Dispatcher decodes raw payloads and fans them out to every handler on
// the channel. Handlers run concurrently; a panic or error in one never
// prevents the others from running.
type Dispatcher struct {
	codec          codec.Codec
	subs           *SubscriptionManager
	onHandlerError func(channel string, err error)
	onExecution    func(channel string, duration time.Duration, err error)
	logger         core.Logger
	metrics        core.Metrics
}

// NewDispatcher creates a dispatcher over the given codec and
// subscription index.
func NewDispatcher(c codec.Codec, subs *SubscriptionManager, logger core.Logger, metrics core.Metrics) *Dispatcher {
	return &Dispatcher{
		codec:   c,
		subs:    subs,
		logger:  core.EnsureLogger(logger),
		metrics: core.EnsureMetrics(metrics),
	}
}

// SetHandlerErrorHook registers the callback for handler and decode
// failures.
func (d *Dispatcher) SetHandlerErrorHook(fn func(channel string, err error)) {
	d.onHandlerError = fn
}

// SetExecutionHook registers the per-handler observation callback.
func (d *Dispatcher) SetExecutionHook(fn func(channel string, duration time.Duration, err error)) {
	d.onExecution = fn
}

// Dispatch decodes raw and invokes every handler on the channel. It
// blocks until all handlers have settled. Decode failures are reported
// through the error hook and skip fan-out entirely.
func (d *Dispatcher) Dispatch(ctx context.Context, channel string, raw []byte) {
	value, err := d.codec.Decode(raw)
	if err != nil {
		d.logger.Error("Failed to decode message", map[string]interface{}{
			"channel": channel,
			"codec":   d.codec.Name(),
			"error":   err,
		})
		d.metrics.Counter(ctx, "bus.decode_errors", 1, map[string]string{"channel": channel})
		d.reportError(channel, err)
		return
	}

	handlers := d.subs.Snapshot(channel)
	if len(handlers) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, handler := range handlers {
		wg.Add(1)
		go func(h Handler) {
			defer wg.Done()
			d.invoke(ctx, channel, h, value)
		}(handler)
	}
	wg.Wait()

	d.metrics.Counter(ctx, "bus.messages_delivered", 1, map[string]string{"channel": channel})
}

// invoke runs one handler with panic recovery and error isolation.
func (d *Dispatcher) invoke(ctx context.Context, channel string, handler Handler, value interface{}) {
	start := time.Now()
	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
			d.reportError(channel, err)
		}
		if d.onExecution != nil {
			d.onExecution(channel, time.Since(start), err)
		}
	}()

	if err = handler(ctx, value); err != nil {
		d.metrics.Counter(ctx, "bus.handler_errors", 1, map[string]string{"channel": channel})
		d.reportError(channel, err)
	}
}

func (d *Dispatcher) reportError(channel string, err error) {
	if d.onHandlerError == nil {
		return
	}
	// Hook panics must not take down the dispatch goroutine.
	defer func() { _ = recover() }()
	d.onHandlerError(channel, &HandlerError{Channel: channel, Err: err})
}
