// Package wstransport implements transport.Transport over WebSocket,
// using github.com/gorilla/websocket. Grounded on
// dmitrymomot-foundation's use of gorilla/websocket for its realtime
// transport layer.
package wstransport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/serializer"
	"github.com/relaygrid/core/internal/transport"
)

// Config configures a client-mode Transport (Dial) or a server-mode
// one (Accept), sharing the same connection wrapper once
// established.
type Config struct {
	// URL is the ws:// or wss:// endpoint to dial in client mode.
	URL           string
	HandshakeTimeout time.Duration
	Serializer    serializer.MessageSerializer
}

func (c Config) serializerOrDefault() serializer.MessageSerializer {
	if c.Serializer != nil {
		return c.Serializer
	}
	return serializer.JSON{}
}

// Transport is a WebSocket-backed transport.Transport. Build one with
// Dial (client mode) or Accept (server mode, wrapping an already
// upgraded connection).
type Transport struct {
	cfg   Config
	log   *logging.Logger
	state transport.StateMachine

	mu   sync.Mutex
	conn *websocket.Conn

	dispatcher *transport.Dispatcher
	stats      *transport.StatsTracker
}

func newTransport(cfg Config, log *logging.Logger) *Transport {
	if log == nil {
		log = logging.New("wstransport", false)
	}
	return &Transport{
		cfg:        cfg,
		log:        log,
		dispatcher: transport.NewDispatcher(),
		stats:      transport.NewStatsTracker(),
	}
}

// Dial builds a client-mode Transport; call Connect to establish it.
func Dial(cfg Config, log *logging.Logger) *Transport {
	return newTransport(cfg, log)
}

// upgrader is shared across every server-mode Accept call.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Accept upgrades an inbound HTTP request to a WebSocket connection and
// wraps it as an already-Connected Transport, for use inside an HTTP
// handler.
func Accept(w http.ResponseWriter, r *http.Request, cfg Config, log *logging.Logger) (*Transport, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, buserr.Wrap(buserr.WireError, "upgrading websocket connection", err)
	}
	t := newTransport(cfg, log)
	t.conn = conn
	t.stats.MarkConnected()
	t.state.Set(transport.Connected)
	go t.readLoop()
	return t, nil
}

func (t *Transport) State() transport.State { return t.state.Get() }
func (t *Transport) Stats() transport.Stats { return t.stats.Snapshot() }

func (t *Transport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSet(transport.Disconnected, transport.Connecting) {
		if t.State() == transport.Connected {
			return nil
		}
	}
	dialer := websocket.Dialer{HandshakeTimeout: t.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		t.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.WireError, "dialing "+t.cfg.URL, err)
	}

	t.mu.Lock()
	t.conn = conn
	t.mu.Unlock()

	t.stats.MarkConnected()
	t.state.Set(transport.Connected)
	go t.readLoop()
	return nil
}

func (t *Transport) readLoop() {
	for {
		t.mu.Lock()
		conn := t.conn
		t.mu.Unlock()
		if conn == nil {
			return
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if t.State() == transport.Connected {
				t.log.Error("websocket read failed: %v", err)
				t.state.Set(transport.Disconnected)
			}
			return
		}
		t.stats.RecordIn(len(data))
		env, err := t.cfg.serializerOrDefault().Deserialize(data)
		if err != nil {
			t.log.Error("websocket failed to deserialize message: %v", err)
			continue
		}
		t.dispatcher.Deliver(env)
	}
}

func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) error {
	if t.State() != transport.Connected {
		return buserr.New(buserr.NotConnected, "websocket transport is not connected")
	}
	data, err := t.cfg.serializerOrDefault().Serialize(env)
	if err != nil {
		return buserr.Wrap(buserr.WireError, "serializing envelope", err)
	}

	start := time.Now()
	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		return buserr.New(buserr.NotConnected, "websocket transport is not connected")
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return buserr.Wrap(buserr.WireError, "writing websocket message", err)
	}
	t.stats.RecordOut(len(data))
	t.stats.RecordLatency(time.Since(start))
	return nil
}

func (t *Transport) Subscribe(handler transport.Handler) func() {
	return t.dispatcher.Subscribe(handler)
}

func (t *Transport) Disconnect(ctx context.Context) error {
	if !t.state.CompareAndSet(transport.Connected, transport.Disconnecting) {
		return nil
	}
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()

	var err error
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		err = conn.Close()
	}
	t.state.Set(transport.Disconnected)
	return err
}
