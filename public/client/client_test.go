package client

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/transport/tcptransport"
)

func TestSendAwaitsCorrelatedReply(t *testing.T) {
	server := tcptransport.NewServer(tcptransport.Config{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, server.Connect(context.Background()))
	defer server.Disconnect(context.Background())

	server.Subscribe(func(env *envelope.Envelope) {
		if env.Kind != envelope.Command {
			return
		}
		reply, err := envelope.NewReply(env, "server", map[string]string{"echo": "ok"})
		require.NoError(t, err)
		require.NoError(t, server.Send(context.Background(), reply))
	})

	rb := New(Config{Address: server.Addr().String(), ClientID: "test-client"})
	require.NoError(t, rb.Connect(context.Background()))
	defer rb.Disconnect(context.Background())

	result, err := rb.Send(context.Background(), "Ping", nil, time.Second)
	require.NoError(t, err)
	payload, ok := result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "ok", payload["echo"])
}

func TestSendTimesOutWithoutReply(t *testing.T) {
	server := tcptransport.NewServer(tcptransport.Config{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, server.Connect(context.Background()))
	defer server.Disconnect(context.Background())

	rb := New(Config{Address: server.Addr().String()})
	require.NoError(t, rb.Connect(context.Background()))
	defer rb.Disconnect(context.Background())

	_, err := rb.Send(context.Background(), "Ping", nil, 50*time.Millisecond)
	assert.Error(t, err)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	server := tcptransport.NewServer(tcptransport.Config{Address: "127.0.0.1:0"}, nil)
	require.NoError(t, server.Connect(context.Background()))
	defer server.Disconnect(context.Background())

	rb := New(Config{Address: server.Addr().String()})
	require.NoError(t, rb.Connect(context.Background()))
	defer rb.Disconnect(context.Background())

	events, unsubscribe := rb.Subscribe("OrderPlaced")
	defer unsubscribe()

	time.Sleep(20 * time.Millisecond)
	env, err := envelope.New(envelope.Event, "server", "", "OrderPlaced", map[string]string{"id": "1"})
	require.NoError(t, err)
	require.NoError(t, server.Send(context.Background(), env))

	select {
	case evt := <-events:
		assert.Equal(t, "OrderPlaced", evt.Topic)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for subscribed event")
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	rb := New(Config{Address: "127.0.0.1:0"})
	events, unsubscribe := rb.Subscribe("Anything")
	unsubscribe()

	_, open := <-events
	assert.False(t, open)
}
