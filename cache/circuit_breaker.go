package cache

import (
	"context"
	"sync"
	"time"
)

// Default circuit breaker parameters.
const (
	DefaultFailureThreshold = 3
	DefaultBreakDuration    = 30 * time.Second
)

// CircuitBreaker guards one remote cache layer. It has two states,
// closed and open-until-a-deadline; there is no explicit half-open.
// Time is the sole re-close signal: once the break duration elapses,
// the next guarded call is the probe.
type CircuitBreaker struct {
	failureThreshold int
	breakDuration    time.Duration

	mu        sync.Mutex
	failures  int
	openUntil time.Time
}

// NewCircuitBreaker creates a closed breaker. Zero arguments fall back
// to the defaults (threshold 3, break 30s).
func NewCircuitBreaker(failureThreshold int, breakDuration time.Duration) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = DefaultFailureThreshold
	}
	if breakDuration <= 0 {
		breakDuration = DefaultBreakDuration
	}
	return &CircuitBreaker{
		failureThreshold: failureThreshold,
		breakDuration:    breakDuration,
	}
}

// IsOpen reports whether the breaker currently rejects calls. An
// expired deadline transitions the breaker back to closed and resets
// the failure counter.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.openUntil.IsZero() {
		return false
	}
	if !time.Now().Before(cb.openUntil) {
		cb.openUntil = time.Time{}
		cb.failures = 0
		return false
	}
	return true
}

// RecordFailure counts one failure; crossing the threshold opens the
// breaker for the break duration.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.failures >= cb.failureThreshold {
		cb.openUntil = time.Now().Add(cb.breakDuration)
	}
}

// RecordSuccess resets the failure counter.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
}

// guarded runs f under the breaker. When the breaker is open, or f
// fails, fallback is returned and the failure recorded; errors from
// remote layers never surface to cache readers.
func guarded[T any](ctx context.Context, cb *CircuitBreaker, f func(ctx context.Context) (T, error), fallback T) T {
	if cb.IsOpen() {
		return fallback
	}
	v, err := f(ctx)
	if err != nil {
		cb.RecordFailure()
		return fallback
	}
	cb.RecordSuccess()
	return v
}
