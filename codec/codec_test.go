package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWidensNumbers(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want interface{}
	}{
		{"int", 42, int64(42)},
		{"int32", int32(-7), int64(-7)},
		{"uint16", uint16(9), int64(9)},
		{"float32", float32(1.5), float64(1.5)},
		{"bool", true, true},
		{"string", "hello", "hello"},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeUintOverflow(t *testing.T) {
	_, err := Normalize(uint64(1) << 63)
	assert.Error(t, err)
}

func TestNormalizeContainers(t *testing.T) {
	got, err := Normalize(map[string]interface{}{
		"nums": []int{1, 2, 3},
		"nested": map[string]interface{}{
			"ok": true,
		},
	})
	require.NoError(t, err)

	m := got.(map[string]interface{})
	assert.Equal(t, []interface{}{int64(1), int64(2), int64(3)}, m["nums"])
	assert.Equal(t, map[string]interface{}{"ok": true}, m["nested"])
}

func TestNormalizeDropsUndefinedMapValues(t *testing.T) {
	got, err := Normalize(map[string]interface{}{
		"keep": "yes",
		"drop": Undefined,
	})
	require.NoError(t, err)

	m := got.(map[string]interface{})
	assert.Equal(t, "yes", m["keep"])
	_, present := m["drop"]
	assert.False(t, present)
}

func TestNormalizeRejectsCycles(t *testing.T) {
	m := map[string]interface{}{}
	m["self"] = m

	_, err := Normalize(m)
	assert.ErrorIs(t, err, ErrCyclicValue)
}

func TestNormalizeRejectsUnsupportedTypes(t *testing.T) {
	_, err := Normalize(make(chan int))
	assert.Error(t, err)

	_, err = Normalize(map[int]string{1: "x"})
	assert.Error(t, err)
}

func TestJSONCodecRoundTrip(t *testing.T) {
	c := NewJSONCodec()

	in := map[string]interface{}{
		"count": 42,
		"ratio": 0.5,
		"tags":  []interface{}{"a", "b"},
	}
	data, err := c.Encode(in)
	require.NoError(t, err)

	out, err := c.Decode(data)
	require.NoError(t, err)

	m := out.(map[string]interface{})
	// Integral literals come back as int64, not float64.
	assert.Equal(t, int64(42), m["count"])
	assert.Equal(t, 0.5, m["ratio"])
	assert.Equal(t, []interface{}{"a", "b"}, m["tags"])
}

func TestJSONCodecDecodeError(t *testing.T) {
	c := NewJSONCodec()

	_, err := c.Decode([]byte("{not json"))
	require.Error(t, err)

	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeDecodeFailed, cerr.Code)
	assert.ErrorIs(t, err, ErrDecodeFailed)
}

func TestMsgpackCodecRoundTrip(t *testing.T) {
	c := NewMsgpackCodec()

	data, err := c.Encode(map[string]interface{}{"n": 7, "s": "x"})
	require.NoError(t, err)

	out, err := c.Decode(data)
	require.NoError(t, err)

	m := out.(map[string]interface{})
	assert.Equal(t, int64(7), m["n"])
	assert.Equal(t, "x", m["s"])
}

func TestBase64CodecRoundTrip(t *testing.T) {
	c := NewBase64Codec()

	data, err := c.Encode([]interface{}{int64(1), "two"})
	require.NoError(t, err)
	// The envelope must be pure base64 text.
	assert.NotContains(t, string(data), "{")

	out, err := c.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, []interface{}{int64(1), "two"}, out)
}

func TestSizeValidatingCodecEncode(t *testing.T) {
	c := NewSizeValidatingCodec(NewJSONCodec(), 16)

	_, err := c.Encode("ok")
	require.NoError(t, err)

	_, err = c.Encode(map[string]interface{}{"k": "a long enough string"})
	require.Error(t, err)

	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodePayloadTooLarge, cerr.Code)
	assert.Equal(t, 16, cerr.Limit)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSizeValidatingCodecDecode(t *testing.T) {
	c := NewSizeValidatingCodec(NewJSONCodec(), 4)

	_, err := c.Decode([]byte(`"a long incoming payload"`))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestSizeValidatingCodecNoLimit(t *testing.T) {
	c := NewSizeValidatingCodec(NewJSONCodec(), NoSizeLimit)

	big := make([]interface{}, 1000)
	for i := range big {
		big[i] = "padding"
	}
	_, err := c.Encode(big)
	assert.NoError(t, err)
}

func TestNewFactory(t *testing.T) {
	for _, name := range []string{"", "json", "msgpack", "base64"} {
		c, err := New(name)
		require.NoError(t, err, name)
		require.NotNil(t, c)
	}

	_, err := New("protobuf")
	require.Error(t, err)
	// Both the sentinel and the cause stay reachable through the wrapper.
	assert.ErrorIs(t, err, ErrInvalidCodec)

	var cerr *CodecError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeInvalidCodec, cerr.Code)
}
