// Redis Pub/Sub transport for the gobus message bus.
//
// Purpose:
// - Implements the Transport contract over Redis PUBLISH/SUBSCRIBE
// - Maintains two independent clients: Redis pub/sub mode blocks other
//   commands on a connection, so publishing gets its own client
// - Surfaces reconnects of the subscriber connection so the bus can
//   re-issue outstanding subscribes
//
// Connection management:
// - Connect establishes both clients and verifies them with Ping
// - A single PubSub subscription is shared by all channels; a pump
//   goroutine fans incoming messages out to the per-channel handler
// - The subscriber client's OnConnect hook detects re-established
//   connections and fires the registered reconnect callbacks
//
// Payloads are forwarded byte-for-byte; Redis channel names are used
// exactly as supplied by the caller.
package transport

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gobus/core"
)

// RedisTransportOptions configures the Redis transport.
type RedisTransportOptions struct {
	// URL is the Redis connection string (redis://host:port/db).
	// Required unless Addrs is set.
	URL string

	// Addrs lists cluster node addresses. When set, cluster mode is used.
	Addrs []string

	// Password overrides the credential from URL when non-empty.
	Password string

	// ConnectTimeout bounds the initial Ping. Default 5s.
	ConnectTimeout time.Duration

	// Logger is optional.
	Logger core.Logger
}

// RedisTransport is a Transport over Redis Pub/Sub.
type RedisTransport struct {
	opts RedisTransportOptions

	mu        sync.RWMutex
	connected bool
	publisher redis.UniversalClient
	sub       redis.UniversalClient
	pubsub    *redis.PubSub
	handlers  map[string]RawHandler
	reconnect []func()
	pumpDone  chan struct{}

	// subConnects counts subscriber connections; anything past the
	// first one is a reconnect.
	subConnects int64

	logger core.Logger
}

// NewRedisTransport creates a disconnected Redis transport.
func NewRedisTransport(opts RedisTransportOptions) (*RedisTransport, error) {
	if opts.URL == "" && len(opts.Addrs) == 0 {
		return nil, fmt.Errorf("redis URL or addrs required: %w", core.ErrMissingConfiguration)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &RedisTransport{
		opts:     opts,
		handlers: make(map[string]RawHandler),
		logger:   core.EnsureLogger(opts.Logger),
	}, nil
}

// Connect establishes the publisher and subscriber clients. Idempotent.
func (r *RedisTransport) Connect(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.connected {
		return nil
	}

	publisher, err := r.newClient(nil)
	if err != nil {
		return err
	}
	sub, err := r.newClient(r.onSubscriberConnect)
	if err != nil {
		_ = publisher.Close()
		return err
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	if err := publisher.Ping(pingCtx).Err(); err != nil {
		_ = publisher.Close()
		_ = sub.Close()
		return &TransportError{
			Code:      CodeConnectionFailed,
			Operation: "connect",
			Retryable: true,
			Err:       err,
		}
	}

	r.publisher = publisher
	r.sub = sub
	r.pubsub = sub.Subscribe(ctx)
	r.pumpDone = make(chan struct{})
	r.connected = true
	go r.pump(r.pubsub, r.pumpDone)

	r.logger.Info("Redis transport connected", map[string]interface{}{
		"url":     r.opts.URL,
		"cluster": len(r.opts.Addrs) > 0,
	})
	return nil
}

func (r *RedisTransport) newClient(onConnect func(ctx context.Context, cn *redis.Conn) error) (redis.UniversalClient, error) {
	if len(r.opts.Addrs) > 0 {
		opt := &redis.ClusterOptions{
			Addrs:     r.opts.Addrs,
			Password:  r.opts.Password,
			OnConnect: onConnect,
		}
		return redis.NewClusterClient(opt), nil
	}

	opt, err := redis.ParseURL(r.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", core.ErrInvalidConfiguration)
	}
	if r.opts.Password != "" {
		opt.Password = r.opts.Password
	}
	opt.OnConnect = onConnect
	return redis.NewClient(opt), nil
}

// onSubscriberConnect runs for every new subscriber connection. The
// first one is the initial connect; later ones mean the subscription
// link dropped and was re-established.
func (r *RedisTransport) onSubscriberConnect(ctx context.Context, cn *redis.Conn) error {
	if atomic.AddInt64(&r.subConnects, 1) <= 1 {
		return nil
	}

	r.mu.RLock()
	callbacks := make([]func(), len(r.reconnect))
	copy(callbacks, r.reconnect)
	r.mu.RUnlock()

	r.logger.Info("Redis subscriber reconnected", map[string]interface{}{
		"callbacks": len(callbacks),
	})
	for _, fn := range callbacks {
		go fn()
	}
	return nil
}

// pump forwards PubSub messages to the per-channel handlers until the
// PubSub closes.
func (r *RedisTransport) pump(ps *redis.PubSub, done chan struct{}) {
	defer close(done)
	for msg := range ps.Channel() {
		r.mu.RLock()
		handler := r.handlers[msg.Channel]
		r.mu.RUnlock()
		if handler == nil {
			continue
		}
		r.deliver(msg.Channel, handler, []byte(msg.Payload))
	}
}

func (r *RedisTransport) deliver(channel string, handler RawHandler, data []byte) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Handler panic during delivery", map[string]interface{}{
				"channel": channel,
				"panic":   rec,
			})
		}
	}()
	handler(data)
}

// Disconnect closes both clients. Idempotent.
func (r *RedisTransport) Disconnect(ctx context.Context) error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	r.connected = false
	pubsub := r.pubsub
	publisher := r.publisher
	sub := r.sub
	done := r.pumpDone
	r.pubsub = nil
	r.publisher = nil
	r.sub = nil
	r.handlers = make(map[string]RawHandler)
	// The next Connect starts a fresh connection count, so its first
	// subscriber connection is not mistaken for a reconnect.
	atomic.StoreInt64(&r.subConnects, 0)
	r.mu.Unlock()

	var firstErr error
	if err := pubsub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	<-done
	if err := sub.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := publisher.Close(); err != nil && firstErr == nil {
		firstErr = err
	}

	r.logger.Info("Redis transport disconnected", map[string]interface{}{
		"error": firstErr,
	})
	return firstErr
}

// Publish sends data on channel via the publisher client.
func (r *RedisTransport) Publish(ctx context.Context, channel string, data []byte) error {
	r.mu.RLock()
	publisher := r.publisher
	connected := r.connected
	r.mu.RUnlock()

	if !connected {
		return notReadyError("publish", channel, false)
	}
	if err := publisher.Publish(ctx, channel, data).Err(); err != nil {
		return &TransportError{
			Code:      CodePublishFailed,
			Operation: "publish",
			Channel:   channel,
			Retryable: true,
			Err:       err,
		}
	}
	return nil
}

// Subscribe registers handler for channel and issues the SUBSCRIBE command.
func (r *RedisTransport) Subscribe(ctx context.Context, channel string, handler RawHandler) error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return notReadyError("subscribe", channel, false)
	}
	pubsub := r.pubsub
	r.handlers[channel] = handler
	r.mu.Unlock()

	if err := pubsub.Subscribe(ctx, channel); err != nil {
		r.mu.Lock()
		delete(r.handlers, channel)
		r.mu.Unlock()
		return &TransportError{
			Code:      CodeSubscribeFailed,
			Operation: "subscribe",
			Channel:   channel,
			Retryable: true,
			Err:       err,
		}
	}
	return nil
}

// Unsubscribe removes the channel handler and issues UNSUBSCRIBE.
func (r *RedisTransport) Unsubscribe(ctx context.Context, channel string) error {
	r.mu.Lock()
	if !r.connected {
		r.mu.Unlock()
		return nil
	}
	pubsub := r.pubsub
	delete(r.handlers, channel)
	r.mu.Unlock()

	if err := pubsub.Unsubscribe(ctx, channel); err != nil {
		return &TransportError{
			Code:      CodeUnsubscribeFailed,
			Operation: "unsubscribe",
			Channel:   channel,
			Retryable: true,
			Err:       err,
		}
	}
	return nil
}

// OnReconnect registers a callback for subscriber reconnects.
func (r *RedisTransport) OnReconnect(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reconnect = append(r.reconnect, fn)
}
