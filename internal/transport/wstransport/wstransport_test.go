package wstransport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/transport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startEchoServer(t *testing.T, serverTransport chan *Transport) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		tr, err := Accept(w, r, Config{}, nil)
		if err != nil {
			t.Errorf("accept failed: %v", err)
			return
		}
		serverTransport <- tr
	})
	return httptest.NewServer(mux)
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + "/ws"
}

func TestClientServerRoundTrip(t *testing.T) {
	serverTransports := make(chan *Transport, 1)
	srv := startEchoServer(t, serverTransports)
	defer srv.Close()

	client := Dial(Config{URL: wsURL(srv.URL), HandshakeTimeout: 2 * time.Second}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect(context.Background())

	var serverSide *Transport
	select {
	case serverSide = <-serverTransports:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	defer serverSide.Disconnect(context.Background())

	received := make(chan *envelope.Envelope, 1)
	unsub := serverSide.Subscribe(func(env *envelope.Envelope) { received <- env })
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

func TestServerToClientDelivery(t *testing.T) {
	serverTransports := make(chan *Transport, 1)
	srv := startEchoServer(t, serverTransports)
	defer srv.Close()

	client := Dial(Config{URL: wsURL(srv.URL)}, nil)
	require.NoError(t, client.Connect(context.Background()))
	defer client.Disconnect(context.Background())

	var serverSide *Transport
	select {
	case serverSide = <-serverTransports:
	case <-time.After(2 * time.Second):
		t.Fatal("server never accepted the connection")
	}
	defer serverSide.Disconnect(context.Background())

	received := make(chan *envelope.Envelope, 1)
	client.Subscribe(func(env *envelope.Envelope) { received <- env })

	env, err := envelope.New(envelope.Event, "server", "", "Pong", nil)
	require.NoError(t, err)
	require.NoError(t, serverSide.Send(context.Background(), env))

	select {
	case got := <-received:
		assert.Equal(t, "Pong", got.MessageType)
	case <-time.After(2 * time.Second):
		t.Fatal("client never received the reply")
	}
}

func TestDisconnectedSendFails(t *testing.T) {
	client := Dial(Config{URL: "ws://127.0.0.1:1/ws"}, nil)
	env, err := envelope.New(envelope.Event, "client", "", "Ping", nil)
	require.NoError(t, err)
	err = client.Send(context.Background(), env)
	assert.Error(t, err)
}
