package transport

import (
	"context"
	"errors"
	"sync"
)

// ChaosTransport wraps another Transport and injects failures on demand.
// It exists for exercising retry, dead-letter and reconnect handling
// without a flaky backend, and is exported so downstream projects can
// chaos-test their own bus wiring.
type ChaosTransport struct {
	inner Transport

	mu        sync.Mutex
	failAll   bool
	failLeft  int
	failures  int
	reconnect []func()
}

// ErrChaosInjected is the cause attached to injected failures.
var ErrChaosInjected = errors.New("injected failure")

// NewChaosTransport wraps inner in a healthy chaos transport.
func NewChaosTransport(inner Transport) *ChaosTransport {
	c := &ChaosTransport{inner: inner}
	inner.OnReconnect(c.fireReconnect)
	return c
}

// AlwaysFail makes every subsequent operation fail until Recover.
func (c *ChaosTransport) AlwaysFail() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failAll = true
}

// FailTimes makes the next n operations fail, then heal automatically.
func (c *ChaosTransport) FailTimes(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLeft = n
}

// Recover heals the transport and fires reconnect callbacks, simulating
// the backend coming back after an outage.
func (c *ChaosTransport) Recover() {
	c.mu.Lock()
	c.failAll = false
	c.failLeft = 0
	c.mu.Unlock()
	c.fireReconnect()
}

// Failures returns the number of injected failures so far.
func (c *ChaosTransport) Failures() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failures
}

func (c *ChaosTransport) fireReconnect() {
	c.mu.Lock()
	callbacks := make([]func(), len(c.reconnect))
	copy(callbacks, c.reconnect)
	c.mu.Unlock()
	for _, fn := range callbacks {
		fn()
	}
}

// shouldFail consumes one failure budget slot when unhealthy.
func (c *ChaosTransport) shouldFail() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failAll {
		c.failures++
		return true
	}
	if c.failLeft > 0 {
		c.failLeft--
		c.failures++
		return true
	}
	return false
}

func (c *ChaosTransport) injected(code, operation, channel string) error {
	return &TransportError{
		Code:      code,
		Operation: operation,
		Channel:   channel,
		Retryable: true,
		Err:       ErrChaosInjected,
	}
}

func (c *ChaosTransport) Connect(ctx context.Context) error {
	if c.shouldFail() {
		return c.injected(CodeConnectionFailed, "connect", "")
	}
	return c.inner.Connect(ctx)
}

func (c *ChaosTransport) Disconnect(ctx context.Context) error {
	return c.inner.Disconnect(ctx)
}

func (c *ChaosTransport) Publish(ctx context.Context, channel string, data []byte) error {
	if c.shouldFail() {
		return c.injected(CodePublishFailed, "publish", channel)
	}
	return c.inner.Publish(ctx, channel, data)
}

func (c *ChaosTransport) Subscribe(ctx context.Context, channel string, handler RawHandler) error {
	if c.shouldFail() {
		return c.injected(CodeSubscribeFailed, "subscribe", channel)
	}
	return c.inner.Subscribe(ctx, channel, handler)
}

func (c *ChaosTransport) Unsubscribe(ctx context.Context, channel string) error {
	if c.shouldFail() {
		return c.injected(CodeUnsubscribeFailed, "unsubscribe", channel)
	}
	return c.inner.Unsubscribe(ctx, channel)
}

func (c *ChaosTransport) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reconnect = append(c.reconnect, fn)
}
