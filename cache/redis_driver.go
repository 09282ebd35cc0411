package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/gobus/core"
)

// RedisDriverOptions configures the Redis L2 driver.
type RedisDriverOptions struct {
	// URL is the Redis connection string. Required unless Client is set.
	URL string

	// Client reuses an existing client instead of dialing a new one.
	// The driver then never closes it.
	Client redis.UniversalClient

	// KeyPrefix namespaces every key in Redis ("gobus:cache:").
	KeyPrefix string

	// ConnectTimeout bounds the initial Ping. Default 5s.
	ConnectTimeout time.Duration

	Logger core.Logger
}

// RedisDriver is an asynchronous L2 tier over Redis. Entries are stored
// in the short-key wire shape with a physical TTL bounded by their
// garbage deadline, so Redis reclaims space without coordination.
type RedisDriver struct {
	opts      RedisDriverOptions
	client    redis.UniversalClient
	ownClient bool
	connected bool
	logger    core.Logger
}

// NewRedisDriver creates a disconnected Redis driver.
func NewRedisDriver(opts RedisDriverOptions) (*RedisDriver, error) {
	if opts.URL == "" && opts.Client == nil {
		return nil, fmt.Errorf("redis URL or client required: %w", core.ErrMissingConfiguration)
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	return &RedisDriver{
		opts:   opts,
		logger: core.EnsureLogger(opts.Logger),
	}, nil
}

// Name returns "redis".
func (r *RedisDriver) Name() string {
	return "redis"
}

// Connect dials Redis (or adopts the provided client) and verifies the
// connection. Idempotent.
func (r *RedisDriver) Connect(ctx context.Context) error {
	if r.connected {
		return nil
	}

	client := r.opts.Client
	if client == nil {
		opt, err := redis.ParseURL(r.opts.URL)
		if err != nil {
			return fmt.Errorf("invalid redis URL: %w", core.ErrInvalidConfiguration)
		}
		client = redis.NewClient(opt)
		r.ownClient = true
	}

	pingCtx, cancel := context.WithTimeout(ctx, r.opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if r.ownClient {
			_ = client.Close()
			r.ownClient = false
		}
		return fmt.Errorf("failed to connect to redis: %w", core.ErrConnectionFailed)
	}

	r.client = client
	r.connected = true
	return nil
}

// Disconnect closes the client when the driver owns it. Idempotent.
func (r *RedisDriver) Disconnect(ctx context.Context) error {
	if !r.connected {
		return nil
	}
	r.connected = false
	if r.ownClient {
		err := r.client.Close()
		r.client = nil
		return err
	}
	r.client = nil
	return nil
}

func (r *RedisDriver) redisKey(key string) string {
	return r.opts.KeyPrefix + key
}

// Get fetches and decodes one entry. Misses are (nil, nil).
func (r *RedisDriver) Get(ctx context.Context, key string) (*Entry, error) {
	if !r.connected {
		return nil, &CacheError{Code: CodeNotConnected, Context: "redis.Get"}
	}
	data, err := r.client.Get(ctx, r.redisKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := UnmarshalEntry(data)
	if err != nil {
		// Corrupt payloads count as misses; the slot will be rewritten.
		r.logger.Warn("Discarding corrupt cache entry", map[string]interface{}{
			"key":   key,
			"error": err,
		})
		return nil, nil
	}
	return entry, nil
}

// GetMany fetches entries via one MGET.
func (r *RedisDriver) GetMany(ctx context.Context, keys []string) (map[string]*Entry, error) {
	if !r.connected {
		return nil, &CacheError{Code: CodeNotConnected, Context: "redis.GetMany"}
	}
	if len(keys) == 0 {
		return map[string]*Entry{}, nil
	}

	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = r.redisKey(key)
	}
	values, err := r.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Entry, len(keys))
	for i, raw := range values {
		if raw == nil {
			continue
		}
		s, ok := raw.(string)
		if !ok {
			continue
		}
		entry, err := UnmarshalEntry([]byte(s))
		if err != nil {
			continue
		}
		out[keys[i]] = entry
	}
	return out, nil
}

// Set stores an entry with TTL equal to its remaining lifetime.
func (r *RedisDriver) Set(ctx context.Context, key string, entry *Entry) error {
	if !r.connected {
		return &CacheError{Code: CodeNotConnected, Context: "redis.Set"}
	}
	data, err := entry.Marshal()
	if err != nil {
		return err
	}
	ttl := time.Until(entry.GcAt)
	if ttl <= 0 {
		// Already garbage; nothing worth storing.
		return nil
	}
	return r.client.Set(ctx, r.redisKey(key), data, ttl).Err()
}

// Delete removes keys, returning how many existed.
func (r *RedisDriver) Delete(ctx context.Context, keys ...string) (int, error) {
	if !r.connected {
		return 0, &CacheError{Code: CodeNotConnected, Context: "redis.Delete"}
	}
	if len(keys) == 0 {
		return 0, nil
	}
	redisKeys := make([]string, len(keys))
	for i, key := range keys {
		redisKeys[i] = r.redisKey(key)
	}
	n, err := r.client.Del(ctx, redisKeys...).Result()
	return int(n), err
}

// Clear removes every key with the given prefix using SCAN batches, so
// large keyspaces never block Redis the way KEYS would.
func (r *RedisDriver) Clear(ctx context.Context, prefix string) (int, error) {
	if !r.connected {
		return 0, &CacheError{Code: CodeNotConnected, Context: "redis.Clear"}
	}

	pattern := r.opts.KeyPrefix + prefix + "*"
	var cursor uint64
	total := 0
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 500).Result()
		if err != nil {
			return total, err
		}
		if len(keys) > 0 {
			n, err := r.client.Del(ctx, keys...).Result()
			total += int(n)
			if err != nil {
				return total, err
			}
		}
		cursor = next
		if cursor == 0 {
			return total, nil
		}
	}
}
