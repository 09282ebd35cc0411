package middleware

import (
	"bytes"
	"compress/gzip"
	"context"
	"io"

	"github.com/golang/snappy"

	"github.com/itsneelabh/gobus/core"
	"github.com/itsneelabh/gobus/transport"
)

// Compression format markers. Every payload leaving this middleware is
// prefixed with exactly one marker byte; decompression dispatches on it,
// so mixed publishers with different settings interoperate.
const (
	markerRaw    byte = 0x00
	markerSnappy byte = 0x01
	markerGzip   byte = 0x02
)

// Compression algorithms.
const (
	CompressionSnappy = "snappy"
	CompressionGzip   = "gzip"
)

// CompressionConfig configures the compression middleware.
type CompressionConfig struct {
	// Algorithm is "snappy" (default) or "gzip".
	Algorithm string

	// Threshold skips compression for payloads below this many bytes.
	// They still carry the raw marker so decoding stays uniform.
	// Default 1024.
	Threshold int

	Logger core.Logger
}

// CompressionMiddleware compresses published payloads and transparently
// decompresses on the subscribe path.
type CompressionMiddleware struct {
	inner     transport.Transport
	algorithm string
	threshold int
	logger    core.Logger
}

// NewCompressionMiddleware wraps inner with payload compression.
func NewCompressionMiddleware(inner transport.Transport, cfg CompressionConfig) *CompressionMiddleware {
	if cfg.Algorithm == "" {
		cfg.Algorithm = CompressionSnappy
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 1024
	}
	return &CompressionMiddleware{
		inner:     inner,
		algorithm: cfg.Algorithm,
		threshold: cfg.Threshold,
		logger:    core.EnsureLogger(cfg.Logger),
	}
}

func (c *CompressionMiddleware) Connect(ctx context.Context) error    { return c.inner.Connect(ctx) }
func (c *CompressionMiddleware) Disconnect(ctx context.Context) error { return c.inner.Disconnect(ctx) }
func (c *CompressionMiddleware) OnReconnect(fn func())                { c.inner.OnReconnect(fn) }

// Publish compresses data when it clears the size threshold. If the
// compressed form is not smaller, the raw form is sent instead.
func (c *CompressionMiddleware) Publish(ctx context.Context, channel string, data []byte) error {
	if len(data) < c.threshold {
		return c.inner.Publish(ctx, channel, prepend(markerRaw, data))
	}

	compressed, marker, err := c.compress(data)
	if err != nil {
		c.logger.Warn("Compression failed, publishing raw", map[string]interface{}{
			"channel":   channel,
			"algorithm": c.algorithm,
			"error":     err,
		})
		return c.inner.Publish(ctx, channel, prepend(markerRaw, data))
	}
	if len(compressed) >= len(data) {
		return c.inner.Publish(ctx, channel, prepend(markerRaw, data))
	}
	return c.inner.Publish(ctx, channel, prepend(marker, compressed))
}

// Subscribe wraps the raw handler with marker-dispatched decompression.
// Corrupt payloads are dropped and logged; they never reach the handler.
func (c *CompressionMiddleware) Subscribe(ctx context.Context, channel string, handler transport.RawHandler) error {
	return c.inner.Subscribe(ctx, channel, func(data []byte) {
		plain, err := c.decompress(data)
		if err != nil {
			c.logger.Error("Failed to decompress message", map[string]interface{}{
				"channel": channel,
				"error":   err,
			})
			return
		}
		handler(plain)
	})
}

func (c *CompressionMiddleware) Unsubscribe(ctx context.Context, channel string) error {
	return c.inner.Unsubscribe(ctx, channel)
}

func (c *CompressionMiddleware) compress(data []byte) ([]byte, byte, error) {
	switch c.algorithm {
	case CompressionGzip:
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, 0, err
		}
		if err := w.Close(); err != nil {
			return nil, 0, err
		}
		return buf.Bytes(), markerGzip, nil
	default:
		return snappy.Encode(nil, data), markerSnappy, nil
	}
}

func (c *CompressionMiddleware) decompress(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, io.ErrUnexpectedEOF
	}
	marker, body := data[0], data[1:]
	switch marker {
	case markerRaw:
		return body, nil
	case markerSnappy:
		return snappy.Decode(nil, body)
	case markerGzip:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	default:
		return nil, io.ErrUnexpectedEOF
	}
}

func prepend(marker byte, data []byte) []byte {
	out := make([]byte, len(data)+1)
	out[0] = marker
	copy(out[1:], data)
	return out
}
