package udptransport

import (
	"context"
	"testing"
	"time"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendAndReceiveDatagram(t *testing.T) {
	recv := New(Config{LocalAddress: "127.0.0.1:0"}, nil)
	require.NoError(t, recv.Connect(context.Background()))
	defer recv.Disconnect(context.Background())

	send := New(Config{LocalAddress: "127.0.0.1:0", RemoteAddress: recv.LocalAddr().String()}, nil)
	require.NoError(t, send.Connect(context.Background()))
	defer send.Disconnect(context.Background())

	got := make(chan *envelope.Envelope, 1)
	recv.Subscribe(func(env *envelope.Envelope) { got <- env })

	env, err := envelope.New(envelope.Event, "sender", "", "Ping", nil)
	require.NoError(t, err)
	require.NoError(t, send.Send(context.Background(), env))

	select {
	case received := <-got:
		assert.Equal(t, "Ping", received.MessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("datagram never arrived")
	}
}

func TestSendWithoutRemoteAddressFails(t *testing.T) {
	send := New(Config{LocalAddress: "127.0.0.1:0"}, nil)
	require.NoError(t, send.Connect(context.Background()))
	defer send.Disconnect(context.Background())

	env, err := envelope.New(envelope.Event, "sender", "", "Ping", nil)
	require.NoError(t, err)
	err = send.Send(context.Background(), env)
	assert.Error(t, err)
}
