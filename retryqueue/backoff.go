// Package retryqueue implements background retry of failed publishes
// for the gobus message bus.
//
// Purpose:
// - Holds failed messages in an in-memory queue keyed by message id
// - A scheduler periodically retries due messages with bounded
//   concurrency and a pluggable backoff strategy
// - Exhausted messages are routed to a dead-letter callback
//
// The queue is deliberately in-memory only: it provides bulk resiliency
// against transient broker outages, not durable delivery.
package retryqueue

import (
	"math/rand"
	"time"
)

// Strategy computes the delay before retry number attempt (attempt >= 1)
// given a base delay. Strategies are pure functions so they compose.
type Strategy func(attempt int, base time.Duration) time.Duration

// ExponentialBackoff doubles the delay with each attempt:
// base * 2^(attempt-1).
func ExponentialBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return base * time.Duration(1<<uint(attempt-1))
}

// LinearBackoff waits the base delay regardless of attempt.
func LinearBackoff(attempt int, base time.Duration) time.Duration {
	return base
}

// FibonacciBackoff scales the base delay by fib(attempt), with
// fib(1) = fib(2) = 1.
func FibonacciBackoff(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	a, b := 1, 1
	for i := 2; i < attempt; i++ {
		a, b = b, a+b
	}
	if attempt == 1 {
		b = 1
	}
	return base * time.Duration(b)
}

// WithMaxDelay caps the delay produced by s.
func WithMaxDelay(s Strategy, cap time.Duration) Strategy {
	return func(attempt int, base time.Duration) time.Duration {
		d := s(attempt, base)
		if d > cap {
			return cap
		}
		return d
	}
}

// WithJitter adds +/- factor multiplicative noise to the delay produced
// by s, clamped at zero. Jitter prevents synchronized retries across
// instances (thundering herd mitigation).
func WithJitter(s Strategy, factor float64) Strategy {
	return func(attempt int, base time.Duration) time.Duration {
		d := s(attempt, base)
		noise := (rand.Float64()*2 - 1) * factor * float64(d)
		jittered := time.Duration(float64(d) + noise)
		if jittered < 0 {
			return 0
		}
		return jittered
	}
}
