package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func noopHandler(ctx context.Context, payload interface{}) error { return nil }
func otherHandler(ctx context.Context, payload interface{}) error { return nil }

func TestSubscriptionManagerAddRemove(t *testing.T) {
	m := NewSubscriptionManager()

	assert.True(t, m.Add("orders", noopHandler))
	assert.False(t, m.Add("orders", otherHandler))
	assert.Equal(t, 2, m.HandlerCount("orders"))

	// Re-adding the same handler is a no-op.
	assert.False(t, m.Add("orders", noopHandler))
	assert.Equal(t, 2, m.HandlerCount("orders"))

	assert.False(t, m.Remove("orders", noopHandler))
	assert.True(t, m.Remove("orders", otherHandler))
	assert.Equal(t, 0, m.HandlerCount("orders"))

	// Unknown channels are no-ops.
	assert.False(t, m.Remove("nothing", noopHandler))
}

// countingReceiver registers the same method from multiple instances.
type countingReceiver struct {
	calls int
}

func (r *countingReceiver) handle(ctx context.Context, payload interface{}) error {
	r.calls++
	return nil
}

func TestSubscriptionManagerMethodValuesStayDistinct(t *testing.T) {
	m := NewSubscriptionManager()
	a := &countingReceiver{}
	b := &countingReceiver{}

	// The same method bound to different receivers shares code but must
	// register as two handlers.
	hA := Handler(a.handle)
	hB := Handler(b.handle)
	assert.True(t, m.Add("orders", hA))
	assert.False(t, m.Add("orders", hB))
	assert.Equal(t, 2, m.HandlerCount("orders"))

	for _, h := range m.Snapshot("orders") {
		_ = h(context.Background(), nil)
	}
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 1, b.calls)

	// Removing one receiver's handler leaves the other registered.
	assert.False(t, m.Remove("orders", hA))
	assert.Equal(t, 1, m.HandlerCount("orders"))

	for _, h := range m.Snapshot("orders") {
		_ = h(context.Background(), nil)
	}
	assert.Equal(t, 1, a.calls)
	assert.Equal(t, 2, b.calls)
}

func TestSubscriptionManagerDistinctClosuresStayDistinct(t *testing.T) {
	m := NewSubscriptionManager()

	mk := func(sink *[]string, tag string) Handler {
		return func(ctx context.Context, payload interface{}) error {
			*sink = append(*sink, tag)
			return nil
		}
	}
	var got []string
	h1 := mk(&got, "one")
	h2 := mk(&got, "two")

	assert.True(t, m.Add("orders", h1))
	assert.False(t, m.Add("orders", h2))
	assert.Equal(t, 2, m.HandlerCount("orders"))

	for _, h := range m.Snapshot("orders") {
		_ = h(context.Background(), nil)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, got)
}

func TestSubscriptionManagerSnapshot(t *testing.T) {
	m := NewSubscriptionManager()
	m.Add("orders", noopHandler)
	m.Add("orders", otherHandler)

	handlers := m.Snapshot("orders")
	assert.Len(t, handlers, 2)

	// Mutating after the snapshot does not affect it.
	m.Delete("orders")
	assert.Len(t, handlers, 2)
	assert.Nil(t, m.Snapshot("orders"))
}

func TestSubscriptionManagerChannels(t *testing.T) {
	m := NewSubscriptionManager()
	assert.Empty(t, m.Channels())

	m.Add("a", noopHandler)
	m.Add("b", noopHandler)
	assert.ElementsMatch(t, []string{"a", "b"}, m.Channels())

	m.Remove("a", noopHandler)
	assert.ElementsMatch(t, []string{"b"}, m.Channels())
}
