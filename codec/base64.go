package codec

import (
	"encoding/base64"
)

// Base64Codec wraps JSON output in standard base64 text. The result is
// printable and binary-safe but roughly 33% larger than the raw JSON.
// This is an obfuscation-only format, not a security measure.
type Base64Codec struct {
	inner *JSONCodec
}

// NewBase64Codec creates a base64-over-JSON codec.
func NewBase64Codec() *Base64Codec {
	return &Base64Codec{inner: NewJSONCodec()}
}

// Name returns "base64".
func (c *Base64Codec) Name() string {
	return "base64"
}

// Encode serializes v as JSON and base64-encodes the result.
func (c *Base64Codec) Encode(v interface{}) ([]byte, error) {
	raw, err := c.inner.Encode(v)
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// Decode base64-decodes b and unmarshals the inner JSON.
func (c *Base64Codec) Decode(b []byte) (interface{}, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(b)))
	n, err := base64.StdEncoding.Decode(raw, b)
	if err != nil {
		return nil, decodeError(c.Name(), err)
	}
	v, err := c.inner.Decode(raw[:n])
	if err != nil {
		return nil, decodeError(c.Name(), err)
	}
	return v, nil
}
