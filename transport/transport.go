// Package transport implements the pub/sub transports underlying the
// gobus message bus.
//
// Purpose:
// - Defines the Transport contract: connect/disconnect lifecycle,
//   fire-and-forget publish, per-channel raw subscriptions, and a
//   reconnect notification used for re-subscription
// - Provides a per-instance in-memory transport and a Redis Pub/Sub
//   transport (standalone and cluster)
// - Provides ChaosTransport, a fault-injection wrapper for testing
//   failure handling without a flaky backend
//
// Delivery semantics:
// - Publish carries no delivery acknowledgment
// - Per-channel ordering follows the transport's native guarantees:
//   the memory transport is strict FIFO, Redis Pub/Sub is best-effort
//   in server-observed publish order
// - Connect and Disconnect are idempotent and are the only operations
//   that may acquire or release external resources
package transport

import (
	"context"
	"errors"
	"fmt"
)

// RawHandler receives the raw payload delivered on a channel.
type RawHandler func(data []byte)

// Transport abstracts a pub/sub backend over named channels.
type Transport interface {
	// Connect acquires the transport's resources. Idempotent.
	Connect(ctx context.Context) error

	// Disconnect releases the transport's resources. Idempotent.
	Disconnect(ctx context.Context) error

	// Publish sends data on a channel. Fire-and-forget.
	Publish(ctx context.Context, channel string, data []byte) error

	// Subscribe registers the raw handler for a channel. A transport
	// holds at most one raw handler per channel; the bus fans out.
	Subscribe(ctx context.Context, channel string, handler RawHandler) error

	// Unsubscribe removes the channel's raw handler.
	Unsubscribe(ctx context.Context, channel string) error

	// OnReconnect registers a callback invoked after the transport
	// re-establishes a lost connection. Used by the bus to re-issue
	// outstanding subscribes.
	OnReconnect(fn func())
}

// Error codes carried by TransportError.
const (
	CodeConnectionFailed  = "CONNECTION_FAILED"
	CodeNotReady          = "NOT_READY"
	CodePublishFailed     = "PUBLISH_FAILED"
	CodeSubscribeFailed   = "SUBSCRIBE_FAILED"
	CodeUnsubscribeFailed = "UNSUBSCRIBE_FAILED"
)

// ErrNotReady is the sentinel wrapped by NOT_READY transport errors.
var ErrNotReady = errors.New("transport not ready")

// TransportError describes a transport operation failure. Retryable
// reports whether the caller may reasonably retry the same operation.
type TransportError struct {
	Code      string
	Operation string
	Channel   string
	Retryable bool
	Err       error
}

func (e *TransportError) Error() string {
	if e.Channel != "" {
		if e.Err != nil {
			return fmt.Sprintf("transport %s [%s]: %v", e.Operation, e.Channel, e.Err)
		}
		return fmt.Sprintf("transport %s [%s]: %s", e.Operation, e.Channel, e.Code)
	}
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %v", e.Operation, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Operation, e.Code)
}

func (e *TransportError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	if e.Code == CodeNotReady {
		return ErrNotReady
	}
	return nil
}

// IsRetryable reports whether err allows a retry. Errors that are not
// TransportError are treated as retryable by default; only an explicit
// Retryable=false marks an error as terminal.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

func notReadyError(operation, channel string, retryable bool) *TransportError {
	return &TransportError{
		Code:      CodeNotReady,
		Operation: operation,
		Channel:   channel,
		Retryable: retryable,
		Err:       ErrNotReady,
	}
}
