package codec

import (
	"bytes"
	"encoding/json"
	"strings"
)

// JSONCodec serializes values as canonical JSON text. Integers survive a
// round trip as int64: decoding goes through json.Number instead of the
// default float64 conversion.
type JSONCodec struct{}

// NewJSONCodec creates a JSON codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

// Name returns "json".
func (c *JSONCodec) Name() string {
	return "json"
}

// Encode normalizes v and marshals it as JSON.
func (c *JSONCodec) Encode(v interface{}) ([]byte, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	data, err := json.Marshal(norm)
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	return data, nil
}

// Decode unmarshals JSON into the serializable value set.
func (c *JSONCodec) Decode(b []byte) (interface{}, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()

	var raw interface{}
	if err := dec.Decode(&raw); err != nil {
		return nil, decodeError(c.Name(), err)
	}
	// Reject trailing garbage after the first JSON value.
	if dec.More() {
		return nil, decodeError(c.Name(), ErrDecodeFailed)
	}
	return restoreNumbers(raw), nil
}

// restoreNumbers walks a decoded JSON tree converting json.Number into
// int64 where the literal is integral and float64 otherwise.
func restoreNumbers(v interface{}) interface{} {
	switch t := v.(type) {
	case json.Number:
		s := t.String()
		if !strings.ContainsAny(s, ".eE") {
			if i, err := t.Int64(); err == nil {
				return i
			}
		}
		f, _ := t.Float64()
		return f
	case []interface{}:
		for i, elem := range t {
			t[i] = restoreNumbers(elem)
		}
		return t
	case map[string]interface{}:
		for k, elem := range t {
			t[k] = restoreNumbers(elem)
		}
		return t
	}
	return v
}
