package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec serializes values as MessagePack. The binary format is
// smaller than JSON and preserves the integer/float distinction natively.
type MsgpackCodec struct{}

// NewMsgpackCodec creates a MessagePack codec.
func NewMsgpackCodec() *MsgpackCodec {
	return &MsgpackCodec{}
}

// Name returns "msgpack".
func (c *MsgpackCodec) Name() string {
	return "msgpack"
}

// Encode normalizes v and marshals it as MessagePack.
func (c *MsgpackCodec) Encode(v interface{}) ([]byte, error) {
	norm, err := Normalize(v)
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	data, err := msgpack.Marshal(norm)
	if err != nil {
		return nil, encodeError(c.Name(), err)
	}
	return data, nil
}

// Decode unmarshals MessagePack into the serializable value set.
// msgpack decodes integers with varying widths, so the result is
// re-normalized into the closed set before it reaches handlers.
func (c *MsgpackCodec) Decode(b []byte) (interface{}, error) {
	var raw interface{}
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		return nil, decodeError(c.Name(), err)
	}
	norm, err := restoreDecoded(raw)
	if err != nil {
		return nil, decodeError(c.Name(), err)
	}
	return norm, nil
}

// restoreDecoded coerces msgpack's decoded tree (which may contain
// narrow integers and interface-keyed maps) into the serializable set.
func restoreDecoded(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, elem := range t {
			ks, ok := k.(string)
			if !ok {
				return nil, ErrDecodeFailed
			}
			norm, err := restoreDecoded(elem)
			if err != nil {
				return nil, err
			}
			out[ks] = norm
		}
		return out, nil
	case map[string]interface{}:
		for k, elem := range t {
			norm, err := restoreDecoded(elem)
			if err != nil {
				return nil, err
			}
			t[k] = norm
		}
		return t, nil
	case []interface{}:
		for i, elem := range t {
			norm, err := restoreDecoded(elem)
			if err != nil {
				return nil, err
			}
			t[i] = norm
		}
		return t, nil
	}
	return Normalize(v)
}
