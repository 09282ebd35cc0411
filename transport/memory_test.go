package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryTransportNotReadyBeforeConnect(t *testing.T) {
	m := NewMemoryTransport()
	ctx := context.Background()

	err := m.Publish(ctx, "orders", []byte("x"))
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeNotReady, terr.Code)
	assert.False(t, terr.Retryable)

	err = m.Subscribe(ctx, "orders", func([]byte) {})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestMemoryTransportDeliversInOrder(t *testing.T) {
	m := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	var mu sync.Mutex
	var got []string
	done := make(chan struct{})

	err := m.Subscribe(ctx, "orders", func(data []byte) {
		mu.Lock()
		got = append(got, string(data))
		if len(got) == 100 {
			close(done)
		}
		mu.Unlock()
	})
	require.NoError(t, err)

	want := make([]string, 0, 100)
	for i := 0; i < 100; i++ {
		msg := string(rune('a'+i%26)) + "-" + time.Now().Format("150405.000000000")
		want = append(want, msg)
		require.NoError(t, m.Publish(ctx, "orders", []byte(msg)))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, want, got)
}

func TestMemoryTransportPublishIsAsync(t *testing.T) {
	m := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	block := make(chan struct{})
	delivered := make(chan struct{})
	require.NoError(t, m.Subscribe(ctx, "slow", func([]byte) {
		<-block
		close(delivered)
	}))

	start := time.Now()
	require.NoError(t, m.Publish(ctx, "slow", []byte("x")))
	// Publish must return before the handler runs.
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(block)
	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("handler never ran")
	}
}

func TestMemoryTransportDropsWithoutSubscriber(t *testing.T) {
	m := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	assert.NoError(t, m.Publish(ctx, "nobody", []byte("x")))
}

func TestMemoryTransportUnsubscribeStopsDelivery(t *testing.T) {
	m := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	received := make(chan []byte, 1)
	require.NoError(t, m.Subscribe(ctx, "orders", func(data []byte) {
		received <- data
	}))
	require.NoError(t, m.Unsubscribe(ctx, "orders"))

	require.NoError(t, m.Publish(ctx, "orders", []byte("x")))

	select {
	case <-received:
		t.Fatal("handler ran after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryTransportHandlerPanicIsContained(t *testing.T) {
	m := NewMemoryTransport()
	ctx := context.Background()
	require.NoError(t, m.Connect(ctx))

	delivered := make(chan string, 2)
	require.NoError(t, m.Subscribe(ctx, "orders", func(data []byte) {
		if string(data) == "boom" {
			panic("handler exploded")
		}
		delivered <- string(data)
	}))

	require.NoError(t, m.Publish(ctx, "orders", []byte("boom")))
	require.NoError(t, m.Publish(ctx, "orders", []byte("after")))

	select {
	case msg := <-delivered:
		assert.Equal(t, "after", msg)
	case <-time.After(time.Second):
		t.Fatal("delivery stopped after panic")
	}
}

func TestIsRetryable(t *testing.T) {
	retryable := &TransportError{Code: CodePublishFailed, Retryable: true}
	assert.True(t, IsRetryable(retryable))

	fatal := &TransportError{Code: CodeNotReady, Retryable: false}
	assert.False(t, IsRetryable(fatal))

	// Unknown error shapes default to retryable.
	assert.True(t, IsRetryable(errors.New("socket reset")))
}

func TestChaosTransportFailTimes(t *testing.T) {
	inner := NewMemoryTransport()
	chaos := NewChaosTransport(inner)
	ctx := context.Background()
	require.NoError(t, chaos.Connect(ctx))
	require.NoError(t, chaos.Subscribe(ctx, "orders", func([]byte) {}))

	chaos.FailTimes(2)

	err := chaos.Publish(ctx, "orders", []byte("1"))
	require.ErrorIs(t, err, ErrChaosInjected)
	assert.True(t, IsRetryable(err))

	err = chaos.Publish(ctx, "orders", []byte("2"))
	require.ErrorIs(t, err, ErrChaosInjected)

	// Healed after the budget is consumed.
	assert.NoError(t, chaos.Publish(ctx, "orders", []byte("3")))
	assert.Equal(t, 2, chaos.Failures())
}

func TestChaosTransportRecoverFiresReconnect(t *testing.T) {
	chaos := NewChaosTransport(NewMemoryTransport())

	fired := make(chan struct{}, 1)
	chaos.OnReconnect(func() {
		fired <- struct{}{}
	})

	chaos.AlwaysFail()
	err := chaos.Publish(context.Background(), "orders", []byte("x"))
	require.Error(t, err)

	chaos.Recover()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback never fired")
	}
}
