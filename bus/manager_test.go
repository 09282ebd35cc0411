package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/gobus/core"
)

func managerConfig(t *testing.T) *core.Config {
	t.Helper()
	cfg, err := core.ParseConfig([]byte(`
transports:
  local:
    driver: memory
  tiny:
    driver: memory
    max_payload_size: 32
default: local
`))
	require.NoError(t, err)
	return cfg
}

func TestManagerUseReturnsCachedBus(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)

	b1, err := m.Use("local")
	require.NoError(t, err)
	b2, err := m.Use("local")
	require.NoError(t, err)
	assert.Same(t, b1, b2)

	def, err := m.Use()
	require.NoError(t, err)
	assert.Same(t, b1, def)
}

func TestManagerUnknownTransport(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)

	_, err := m.Use("kafka")
	assert.ErrorIs(t, err, core.ErrUnknownTransport)
}

func TestManagerNoDefault(t *testing.T) {
	cfg, err := core.ParseConfig([]byte("transports:\n  local:\n    driver: memory\n"))
	require.NoError(t, err)
	m := NewManager(cfg, nil, nil)

	_, err = m.Use()
	assert.ErrorIs(t, err, core.ErrNoDefault)
}

func TestManagerProxiesToDefault(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, "local"))

	received := make(chan interface{}, 1)
	require.NoError(t, m.Subscribe(ctx, "orders", func(ctx context.Context, payload interface{}) error {
		received <- payload
		return nil
	}))
	require.NoError(t, m.Publish(ctx, "orders", "o-1"))

	select {
	case got := <-received:
		assert.Equal(t, "o-1", got)
	case <-time.After(2 * time.Second):
		t.Fatal("message never delivered")
	}

	require.NoError(t, m.Stop(ctx))
}

func TestManagerPayloadSizeLimit(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)
	ctx := context.Background()
	require.NoError(t, m.Start(ctx, "tiny"))

	tiny, err := m.Use("tiny")
	require.NoError(t, err)

	assert.NoError(t, tiny.Publish(ctx, "c", "ok"))
	assert.Error(t, tiny.Publish(ctx, "c", map[string]interface{}{
		"body": "this payload easily exceeds thirty-two bytes",
	}))
}

func TestManagerBuildsClusterTransportFromAddrs(t *testing.T) {
	cfg, err := core.ParseConfig([]byte(`
transports:
  cluster:
    driver: redis
    cluster: true
    addrs:
      - node-1:6379
      - node-2:6379
`))
	require.NoError(t, err)
	m := NewManager(cfg, nil, nil)

	// Construction wires the seed addresses without connecting. A url
	// is not required in cluster mode.
	b, err := m.Use("cluster")
	require.NoError(t, err)
	require.NotNil(t, b)
}

func TestManagerStopClearsCache(t *testing.T) {
	m := NewManager(managerConfig(t), nil, nil)
	ctx := context.Background()

	b1, err := m.Use("local")
	require.NoError(t, err)
	require.NoError(t, m.Stop(ctx))

	b2, err := m.Use("local")
	require.NoError(t, err)
	assert.NotSame(t, b1, b2)
}
