package tcptransport

import (
	"context"
	"testing"
	"time"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientServerRoundTrip(t *testing.T) {
	server := NewServer(Config{Address: "127.0.0.1:0", Framing: LengthPrefixed}, nil)
	require.NoError(t, server.Connect(context.Background()))
	defer server.Disconnect(context.Background())

	client := NewClient(Config{Address: server.Addr().String(), Framing: LengthPrefixed}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect(context.Background())

	received := make(chan *envelope.Envelope, 1)
	unsub := server.Subscribe(func(env *envelope.Envelope) { received <- env })
	defer unsub()

	env, err := envelope.New(envelope.Event, "client", "", "Ping", map[string]string{"hello": "world"})
	require.NoError(t, err)
	require.NoError(t, client.Send(context.Background(), env))

	select {
	case got := <-received:
		assert.Equal(t, "Ping", got.MessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the envelope")
	}

	assert.Equal(t, transport.Connected, client.State())
	assert.Greater(t, client.Stats().BytesOut, uint64(0))
}

func TestServerBroadcastsToAllConnections(t *testing.T) {
	server := NewServer(Config{Address: "127.0.0.1:0", Framing: NewlineDelimited}, nil)
	require.NoError(t, server.Connect(context.Background()))
	defer server.Disconnect(context.Background())

	client1 := NewClient(Config{Address: server.Addr().String(), Framing: NewlineDelimited}, nil)
	client2 := NewClient(Config{Address: server.Addr().String(), Framing: NewlineDelimited}, nil)
	require.NoError(t, client1.Connect(context.Background()))
	require.NoError(t, client2.Connect(context.Background()))
	defer client1.Disconnect(context.Background())
	defer client2.Disconnect(context.Background())

	time.Sleep(20 * time.Millisecond) // let the server accept both connections

	got1 := make(chan *envelope.Envelope, 1)
	got2 := make(chan *envelope.Envelope, 1)
	client1.Subscribe(func(env *envelope.Envelope) { got1 <- env })
	client2.Subscribe(func(env *envelope.Envelope) { got2 <- env })

	env, err := envelope.New(envelope.Event, "server", "", "Broadcast", nil)
	require.NoError(t, err)
	require.NoError(t, server.Send(context.Background(), env))

	for _, ch := range []chan *envelope.Envelope{got1, got2} {
		select {
		case got := <-ch:
			assert.Equal(t, "Broadcast", got.MessageType)
		case <-time.After(2 * time.Second):
			t.Fatal("client never received the broadcast")
		}
	}
}

func TestDisconnectedSendFails(t *testing.T) {
	client := NewClient(Config{Address: "127.0.0.1:1"}, nil)
	env, err := envelope.New(envelope.Event, "client", "", "Ping", nil)
	require.NoError(t, err)
	err = client.Send(context.Background(), env)
	assert.Error(t, err)
}
