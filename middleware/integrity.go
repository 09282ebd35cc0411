package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/itsneelabh/gobus/core"
	"github.com/itsneelabh/gobus/transport"
)

// Integrity modes.
const (
	IntegrityBase64 = "base64"
	IntegrityHMAC   = "hmac"
)

// MinHMACKeySize is the minimum accepted HMAC key length. Shorter keys
// weaken SHA-256 HMAC below its design strength.
const MinHMACKeySize = 32

// ErrVerificationFailed marks an HMAC mismatch. Security-critical:
// never retried, and the message never reaches handlers.
var ErrVerificationFailed = errors.New("hmac verification failed")

// IntegrityConfig configures the integrity middleware.
type IntegrityConfig struct {
	// Mode is "base64" (obfuscation only, NOT secure) or "hmac".
	Mode string

	// Key is required for hmac mode, minimum MinHMACKeySize bytes.
	Key []byte

	Logger core.Logger
}

func newIntegrityMiddleware(cfg IntegrityConfig) (Middleware, error) {
	switch cfg.Mode {
	case IntegrityBase64:
		logger := cfg.Logger
		return func(inner transport.Transport) transport.Transport {
			return NewBase64Middleware(inner, logger)
		}, nil
	case IntegrityHMAC:
		if len(cfg.Key) < MinHMACKeySize {
			return nil, fmt.Errorf("hmac key must be at least %d bytes, got %d: %w",
				MinHMACKeySize, len(cfg.Key), core.ErrInvalidConfiguration)
		}
		key := cfg.Key
		logger := cfg.Logger
		return func(inner transport.Transport) transport.Transport {
			return NewHMACMiddleware(inner, key, logger)
		}, nil
	default:
		return nil, fmt.Errorf("unknown integrity mode %q: %w", cfg.Mode, core.ErrInvalidConfiguration)
	}
}

// Base64Middleware base64-encodes payloads in transit. This is an
// obfuscation layer for transports that mangle binary data; it provides
// no security whatsoever.
type Base64Middleware struct {
	inner  transport.Transport
	logger core.Logger
}

// NewBase64Middleware wraps inner with base64 payload encoding.
func NewBase64Middleware(inner transport.Transport, logger core.Logger) *Base64Middleware {
	return &Base64Middleware{inner: inner, logger: core.EnsureLogger(logger)}
}

func (b *Base64Middleware) Connect(ctx context.Context) error    { return b.inner.Connect(ctx) }
func (b *Base64Middleware) Disconnect(ctx context.Context) error { return b.inner.Disconnect(ctx) }
func (b *Base64Middleware) OnReconnect(fn func())                { b.inner.OnReconnect(fn) }

func (b *Base64Middleware) Publish(ctx context.Context, channel string, data []byte) error {
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(data)))
	base64.StdEncoding.Encode(encoded, data)
	return b.inner.Publish(ctx, channel, encoded)
}

func (b *Base64Middleware) Subscribe(ctx context.Context, channel string, handler transport.RawHandler) error {
	return b.inner.Subscribe(ctx, channel, func(data []byte) {
		decoded := make([]byte, base64.StdEncoding.DecodedLen(len(data)))
		n, err := base64.StdEncoding.Decode(decoded, data)
		if err != nil {
			b.logger.Error("Failed to decode base64 message", map[string]interface{}{
				"channel": channel,
				"error":   err,
			})
			return
		}
		handler(decoded[:n])
	})
}

func (b *Base64Middleware) Unsubscribe(ctx context.Context, channel string) error {
	return b.inner.Unsubscribe(ctx, channel)
}

// HMACMiddleware signs payloads with HMAC-SHA256 and verifies them on
// receipt. Messages failing verification are discarded before they can
// reach any handler.
type HMACMiddleware struct {
	inner  transport.Transport
	key    []byte
	logger core.Logger
}

// NewHMACMiddleware wraps inner with HMAC-SHA256 signing. The key must
// be at least MinHMACKeySize bytes; Compose enforces this.
func NewHMACMiddleware(inner transport.Transport, key []byte, logger core.Logger) *HMACMiddleware {
	return &HMACMiddleware{inner: inner, key: key, logger: core.EnsureLogger(logger)}
}

func (h *HMACMiddleware) Connect(ctx context.Context) error    { return h.inner.Connect(ctx) }
func (h *HMACMiddleware) Disconnect(ctx context.Context) error { return h.inner.Disconnect(ctx) }
func (h *HMACMiddleware) OnReconnect(fn func())                { h.inner.OnReconnect(fn) }

// Publish prepends the 32-byte HMAC-SHA256 tag to the payload.
func (h *HMACMiddleware) Publish(ctx context.Context, channel string, data []byte) error {
	mac := hmac.New(sha256.New, h.key)
	mac.Write(data)
	signed := append(mac.Sum(nil), data...)
	return h.inner.Publish(ctx, channel, signed)
}

// Subscribe verifies the tag before forwarding to the handler.
func (h *HMACMiddleware) Subscribe(ctx context.Context, channel string, handler transport.RawHandler) error {
	return h.inner.Subscribe(ctx, channel, func(data []byte) {
		if len(data) < sha256.Size {
			h.logger.Error("Message too short for HMAC verification", map[string]interface{}{
				"channel": channel,
				"size":    len(data),
			})
			return
		}
		tag, body := data[:sha256.Size], data[sha256.Size:]
		mac := hmac.New(sha256.New, h.key)
		mac.Write(body)
		if !hmac.Equal(tag, mac.Sum(nil)) {
			h.logger.Error("Discarding message with invalid HMAC", map[string]interface{}{
				"channel": channel,
				"error":   ErrVerificationFailed,
			})
			return
		}
		handler(body)
	})
}

func (h *HMACMiddleware) Unsubscribe(ctx context.Context, channel string) error {
	return h.inner.Unsubscribe(ctx, channel)
}
