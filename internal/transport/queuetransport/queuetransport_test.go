package queuetransport

import (
	"context"
	"testing"
	"time"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/serializer"
	"github.com/relaygrid/core/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}
	assert.Equal(t, 10, cfg.batchSize())
	assert.Equal(t, time.Second, cfg.pollInterval())
	assert.IsType(t, serializer.JSON{}, cfg.serializerOrDefault())
}

func TestConfigRespectsOverrides(t *testing.T) {
	cfg := Config{ReceiveBatchSize: 50, PollInterval: 5 * time.Second}
	assert.Equal(t, 50, cfg.batchSize())
	assert.Equal(t, 5*time.Second, cfg.pollInterval())
}

func TestSendBeforeConnectFails(t *testing.T) {
	tr := New(Config{QueueOrTopic: "orders"}, nil)
	env, err := envelope.New(envelope.Command, "client", "orders-service", "PlaceOrder", nil)
	require.NoError(t, err)
	err = tr.Send(context.Background(), env)
	assert.Error(t, err)
	assert.Equal(t, transport.Disconnected, tr.State())
}

func TestDisconnectWithoutConnectIsNoop(t *testing.T) {
	tr := New(Config{QueueOrTopic: "orders"}, nil)
	assert.NoError(t, tr.Disconnect(context.Background()))
}
