package middleware

import (
	"context"
	"fmt"
	"time"

	"github.com/itsneelabh/gobus/core"
	"github.com/itsneelabh/gobus/retryqueue"
	"github.com/itsneelabh/gobus/transport"
)

// DeadLetterError wraps the final failure after publish retries are
// exhausted.
type DeadLetterError struct {
	Channel     string
	Attempts    int
	MaxAttempts int
	Err         error
}

func (e *DeadLetterError) Error() string {
	return fmt.Sprintf("publish to %s dead-lettered after %d of %d attempts: %v",
		e.Channel, e.Attempts, e.MaxAttempts, e.Err)
}

func (e *DeadLetterError) Unwrap() error {
	return e.Err
}

// RetryConfig configures the in-line retry middleware.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first.
	// Default 3.
	MaxAttempts int

	// BaseDelay feeds the backoff strategy. Default 100ms.
	BaseDelay time.Duration

	// Backoff computes the delay before each retry. Default exponential.
	Backoff retryqueue.Strategy

	// OnRetry fires before attempts 2..MaxAttempts.
	OnRetry func(channel string, data []byte, attempt int)

	// OnDeadLetter fires exactly once when all attempts are exhausted.
	OnDeadLetter func(channel string, data []byte, err error, attempts int)

	// Queue, when set, absorbs retryable publish failures into the
	// background retry queue instead of blocking the caller on in-line
	// retries. Dead-lettering then happens inside the queue.
	Queue *retryqueue.Queue

	Logger core.Logger
}

// RetryMiddleware retries failed publishes with backoff. All other
// operations pass straight through to the inner transport.
type RetryMiddleware struct {
	inner  transport.Transport
	config RetryConfig
	logger core.Logger
}

// NewRetryMiddleware wraps inner with publish retry.
func NewRetryMiddleware(inner transport.Transport, config RetryConfig) *RetryMiddleware {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.Backoff == nil {
		config.Backoff = retryqueue.ExponentialBackoff
	}
	return &RetryMiddleware{
		inner:  inner,
		config: config,
		logger: core.EnsureLogger(config.Logger),
	}
}

func (r *RetryMiddleware) Connect(ctx context.Context) error    { return r.inner.Connect(ctx) }
func (r *RetryMiddleware) Disconnect(ctx context.Context) error { return r.inner.Disconnect(ctx) }
func (r *RetryMiddleware) OnReconnect(fn func())                { r.inner.OnReconnect(fn) }

// Publish attempts the inner publish up to MaxAttempts times. Errors
// marked non-retryable surface immediately. On exhaustion the last
// error is wrapped in a DeadLetterError and the dead-letter callback
// fires exactly once. Cancellation is honoured between attempts.
func (r *RetryMiddleware) Publish(ctx context.Context, channel string, data []byte) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if attempt > 1 {
			if r.config.OnRetry != nil {
				r.config.OnRetry(channel, data, attempt)
			}
			delay := r.config.Backoff(attempt-1, r.config.BaseDelay)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := r.inner.Publish(ctx, channel, data)
		if err == nil {
			return nil
		}
		lastErr = err

		if !transport.IsRetryable(err) {
			r.logger.Error("Publish failed with non-retryable error", map[string]interface{}{
				"channel": channel,
				"attempt": attempt,
				"error":   err,
			})
			return err
		}

		if r.config.Queue != nil {
			// Spill to the background queue instead of blocking the
			// publisher on in-line backoff.
			if qerr := r.config.Queue.Enqueue(channel, data, err); qerr == nil {
				r.logger.Debug("Publish failure absorbed by retry queue", map[string]interface{}{
					"channel": channel,
					"error":   err,
				})
				return nil
			}
			// Queue full: fall through to in-line retry.
		}

		r.logger.Warn("Publish attempt failed", map[string]interface{}{
			"channel":      channel,
			"attempt":      attempt,
			"max_attempts": r.config.MaxAttempts,
			"error":        err,
		})
	}

	dle := &DeadLetterError{
		Channel:     channel,
		Attempts:    r.config.MaxAttempts,
		MaxAttempts: r.config.MaxAttempts,
		Err:         lastErr,
	}
	if r.config.OnDeadLetter != nil {
		r.config.OnDeadLetter(channel, data, dle, r.config.MaxAttempts)
	}
	return dle
}

func (r *RetryMiddleware) Subscribe(ctx context.Context, channel string, handler transport.RawHandler) error {
	return r.inner.Subscribe(ctx, channel, handler)
}

func (r *RetryMiddleware) Unsubscribe(ctx context.Context, channel string) error {
	return r.inner.Unsubscribe(ctx, channel)
}
