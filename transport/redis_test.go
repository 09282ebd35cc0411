package transport

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedisTransport(t *testing.T) (*RedisTransport, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	tr, err := NewRedisTransport(RedisTransportOptions{URL: "redis://" + mr.Addr()})
	require.NoError(t, err)
	return tr, mr
}

func TestNewRedisTransportRequiresTarget(t *testing.T) {
	_, err := NewRedisTransport(RedisTransportOptions{})
	assert.Error(t, err)
}

func TestRedisTransportNotReadyBeforeConnect(t *testing.T) {
	tr, _ := setupRedisTransport(t)

	err := tr.Publish(context.Background(), "orders", []byte("x"))
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeNotReady, terr.Code)
}

func TestRedisTransportConnectFailure(t *testing.T) {
	tr, err := NewRedisTransport(RedisTransportOptions{
		URL:            "redis://127.0.0.1:1",
		ConnectTimeout: 200 * time.Millisecond,
	})
	require.NoError(t, err)

	err = tr.Connect(context.Background())
	require.Error(t, err)

	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, CodeConnectionFailed, terr.Code)
	assert.True(t, terr.Retryable)
}

func TestRedisTransportPublishSubscribe(t *testing.T) {
	tr, _ := setupRedisTransport(t)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)

	received := make(chan []byte, 1)
	require.NoError(t, tr.Subscribe(ctx, "orders", func(data []byte) {
		received <- data
	}))

	require.NoError(t, tr.Publish(ctx, "orders", []byte(`{"id":1}`)))

	select {
	case data := <-received:
		assert.Equal(t, `{"id":1}`, string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestRedisTransportChannelsAreIsolated(t *testing.T) {
	tr, _ := setupRedisTransport(t)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)

	orders := make(chan string, 1)
	require.NoError(t, tr.Subscribe(ctx, "orders", func(data []byte) {
		orders <- string(data)
	}))
	require.NoError(t, tr.Subscribe(ctx, "billing", func(data []byte) {
		t.Error("billing handler received an orders message")
	}))

	require.NoError(t, tr.Publish(ctx, "orders", []byte("o-1")))

	select {
	case got := <-orders:
		assert.Equal(t, "o-1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message never arrived")
	}
}

func TestRedisTransportUnsubscribe(t *testing.T) {
	tr, _ := setupRedisTransport(t)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))
	defer tr.Disconnect(ctx)

	received := make(chan []byte, 1)
	require.NoError(t, tr.Subscribe(ctx, "orders", func(data []byte) {
		received <- data
	}))
	require.NoError(t, tr.Unsubscribe(ctx, "orders"))

	require.NoError(t, tr.Publish(ctx, "orders", []byte("late")))

	select {
	case <-received:
		t.Fatal("handler ran after unsubscribe")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRedisTransportReconnectCallbacksAfterRestart(t *testing.T) {
	tr, _ := setupRedisTransport(t)
	ctx := context.Background()

	fired := make(chan struct{}, 4)
	tr.OnReconnect(func() {
		fired <- struct{}{}
	})

	// A full disconnect/connect cycle is a fresh session, not a lost
	// subscriber link. The callback must stay silent.
	for i := 0; i < 2; i++ {
		require.NoError(t, tr.Connect(ctx))
		require.NoError(t, tr.Subscribe(ctx, "orders", func([]byte) {}))
		require.NoError(t, tr.Publish(ctx, "orders", []byte("x")))
		require.NoError(t, tr.Disconnect(ctx))
	}

	select {
	case <-fired:
		t.Fatal("reconnect callback fired for a deliberate restart")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisTransportDisconnectIdempotent(t *testing.T) {
	tr, _ := setupRedisTransport(t)
	ctx := context.Background()
	require.NoError(t, tr.Connect(ctx))

	require.NoError(t, tr.Disconnect(ctx))
	require.NoError(t, tr.Disconnect(ctx))

	// Operations after disconnect report not ready.
	err := tr.Publish(ctx, "orders", []byte("x"))
	assert.ErrorIs(t, err, ErrNotReady)
}
