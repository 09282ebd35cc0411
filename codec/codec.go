// Package codec implements payload serialization for the gobus message bus.
// A codec translates between the restricted serializable value set and a
// byte buffer suitable for any transport.
//
// Purpose:
// - Defines the Codec contract shared by every serialization format
// - Normalizes arbitrary Go values into the closed serializable set
// - Provides JSON, MessagePack and Base64 codecs plus a size guard
//
// Serializable values are exactly:
//   - nil, bool, int64, float64, string
//   - []interface{} of serializable values
//   - map[string]interface{} of serializable values
//
// Normalization coerces native Go numerics into int64/float64 and walks
// containers, rejecting cycles and unsupported types. Map values equal to
// Undefined are elided during encoding, mirroring how dynamic languages
// drop undefined object properties.
package codec

import (
	"errors"
	"fmt"
	"math"
	"reflect"
)

// Error codes carried by CodecError.
const (
	CodeEncodeFailed    = "ENCODE_FAILED"
	CodeDecodeFailed    = "DECODE_FAILED"
	CodePayloadTooLarge = "PAYLOAD_TOO_LARGE"
	CodeInvalidCodec    = "INVALID_CODEC"
)

// Sentinel errors for comparison with errors.Is().
var (
	ErrEncodeFailed    = errors.New("encode failed")
	ErrDecodeFailed    = errors.New("decode failed")
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrInvalidCodec    = errors.New("invalid codec")
	ErrCyclicValue     = errors.New("value contains a cycle")
)

// CodecError provides structured information about a serialization failure.
type CodecError struct {
	Code      string // One of the Code* constants
	Codec     string // Codec name, when known
	Operation string // "encode" or "decode"
	Size      int    // Observed payload size, for size violations
	Limit     int    // Configured limit, for size violations
	Err       error  // Underlying cause
}

func (e *CodecError) Error() string {
	if e.Code == CodePayloadTooLarge {
		return fmt.Sprintf("codec %s: payload of %d bytes exceeds limit of %d on %s",
			e.Codec, e.Size, e.Limit, e.Operation)
	}
	if e.Err != nil {
		return fmt.Sprintf("codec %s: %s: %v", e.Codec, e.Operation, e.Err)
	}
	return fmt.Sprintf("codec %s: %s failed", e.Codec, e.Operation)
}

// Unwrap exposes both the code's sentinel and the underlying cause, so
// errors.Is matches either.
func (e *CodecError) Unwrap() []error {
	var sentinel error
	switch e.Code {
	case CodeEncodeFailed:
		sentinel = ErrEncodeFailed
	case CodeDecodeFailed:
		sentinel = ErrDecodeFailed
	case CodePayloadTooLarge:
		sentinel = ErrPayloadTooLarge
	default:
		sentinel = ErrInvalidCodec
	}
	if e.Err == nil {
		return []error{sentinel}
	}
	return []error{sentinel, e.Err}
}

// Codec encodes and decodes serializable values.
type Codec interface {
	// Name identifies the codec ("json", "msgpack", "base64").
	Name() string

	// Encode serializes v. Fails when v contains a cycle or a
	// non-serializable subvalue.
	Encode(v interface{}) ([]byte, error)

	// Decode deserializes b into a normalized serializable value.
	Decode(b []byte) (interface{}, error)
}

// undefinedValue is the type of the Undefined sentinel.
type undefinedValue struct{}

// Undefined marks a map value to be elided during encoding. Reading it
// back after a round trip yields a map without the key.
var Undefined = undefinedValue{}

// New constructs a codec by name, wrapped in the default size guard.
func New(name string) (Codec, error) {
	var c Codec
	switch name {
	case "", "json":
		c = NewJSONCodec()
	case "msgpack":
		c = NewMsgpackCodec()
	case "base64":
		c = NewBase64Codec()
	default:
		return nil, &CodecError{Code: CodeInvalidCodec, Codec: name, Err: fmt.Errorf("unknown codec %q", name)}
	}
	return NewSizeValidatingCodec(c, DefaultMaxPayloadSize), nil
}

// Normalize coerces v into the closed serializable value set. Containers
// are rewritten, numeric types are widened, Undefined map values are
// dropped, and cycles or unsupported types produce an error.
func Normalize(v interface{}) (interface{}, error) {
	return normalize(v, make(map[uintptr]bool))
}

func normalize(v interface{}, seen map[uintptr]bool) (interface{}, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case bool, string:
		return t, nil
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case int8:
		return int64(t), nil
	case int16:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case uint:
		return normalizeUint(uint64(t))
	case uint8:
		return int64(t), nil
	case uint16:
		return int64(t), nil
	case uint32:
		return int64(t), nil
	case uint64:
		return normalizeUint(t)
	case float32:
		return float64(t), nil
	case float64:
		return t, nil
	case undefinedValue:
		// Only legal as a map value; handled by the map branch.
		return nil, fmt.Errorf("undefined is only valid as a map value")
	case []interface{}:
		return normalizeSlice(reflect.ValueOf(t), seen)
	case map[string]interface{}:
		return normalizeMap(reflect.ValueOf(t), seen)
	}

	// Fall back to reflection for typed slices and string-keyed maps.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		return normalizeSlice(rv, seen)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, fmt.Errorf("unsupported map key type %s", rv.Type().Key())
		}
		return normalizeMap(rv, seen)
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return nil, nil
		}
		return normalize(rv.Elem().Interface(), seen)
	}
	return nil, fmt.Errorf("unsupported value type %T", v)
}

func normalizeUint(u uint64) (interface{}, error) {
	if u > math.MaxInt64 {
		return nil, fmt.Errorf("unsigned value %d overflows int64", u)
	}
	return int64(u), nil
}

func normalizeSlice(rv reflect.Value, seen map[uintptr]bool) (interface{}, error) {
	if rv.Kind() == reflect.Slice && !rv.IsNil() {
		ptr := rv.Pointer()
		if seen[ptr] {
			return nil, ErrCyclicValue
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	out := make([]interface{}, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem, err := normalize(rv.Index(i).Interface(), seen)
		if err != nil {
			return nil, err
		}
		out[i] = elem
	}
	return out, nil
}

func normalizeMap(rv reflect.Value, seen map[uintptr]bool) (interface{}, error) {
	if !rv.IsNil() {
		ptr := rv.Pointer()
		if seen[ptr] {
			return nil, ErrCyclicValue
		}
		seen[ptr] = true
		defer delete(seen, ptr)
	}

	out := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		val := iter.Value().Interface()
		if _, isUndefined := val.(undefinedValue); isUndefined {
			continue
		}
		norm, err := normalize(val, seen)
		if err != nil {
			return nil, err
		}
		out[iter.Key().String()] = norm
	}
	return out, nil
}

func encodeError(name string, err error) error {
	return &CodecError{Code: CodeEncodeFailed, Codec: name, Operation: "encode", Err: err}
}

func decodeError(name string, err error) error {
	return &CodecError{Code: CodeDecodeFailed, Codec: name, Operation: "decode", Err: err}
}
