package codec

// DefaultMaxPayloadSize caps encoded payloads at 10 MiB.
const DefaultMaxPayloadSize = 10 << 20

// NoSizeLimit disables payload size validation. Opting out must be
// explicit; a zero limit falls back to the default cap.
const NoSizeLimit = -1

// SizeValidatingCodec wraps another codec and enforces a maximum payload
// size on both encode output and decode input. Oversized payloads fail
// with a PAYLOAD_TOO_LARGE CodecError.
type SizeValidatingCodec struct {
	inner Codec
	max   int
}

// NewSizeValidatingCodec wraps inner with a size limit. A zero max uses
// DefaultMaxPayloadSize; NoSizeLimit disables the check entirely.
func NewSizeValidatingCodec(inner Codec, max int) *SizeValidatingCodec {
	if max == 0 {
		max = DefaultMaxPayloadSize
	}
	return &SizeValidatingCodec{inner: inner, max: max}
}

// Name returns the wrapped codec's name.
func (c *SizeValidatingCodec) Name() string {
	return c.inner.Name()
}

// Encode delegates to the wrapped codec and validates the output size.
func (c *SizeValidatingCodec) Encode(v interface{}) ([]byte, error) {
	data, err := c.inner.Encode(v)
	if err != nil {
		return nil, err
	}
	if err := c.check(len(data), "encode"); err != nil {
		return nil, err
	}
	return data, nil
}

// Decode validates the input size before delegating.
func (c *SizeValidatingCodec) Decode(b []byte) (interface{}, error) {
	if err := c.check(len(b), "decode"); err != nil {
		return nil, err
	}
	return c.inner.Decode(b)
}

func (c *SizeValidatingCodec) check(size int, operation string) error {
	if c.max == NoSizeLimit || size <= c.max {
		return nil
	}
	return &CodecError{
		Code:      CodePayloadTooLarge,
		Codec:     c.inner.Name(),
		Operation: operation,
		Size:      size,
		Limit:     c.max,
	}
}
