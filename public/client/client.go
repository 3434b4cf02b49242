// Package client provides a remote bus client SDK: a process that is
// not itself running the embedded core can Send commands, Publish
// events, and Subscribe to event topics over the TCP framed transport.
// Send expects the peer to answer each command with a reply envelope
// correlated to it, and Subscribe receives the events the peer writes to
// the connection. public/embedded.Core's TCP listener (and so busd)
// publishes inbound events on its bus; it does not answer commands or
// write bus events back to connected clients. Grounded on tenzoki/agen/cellorg's
// internal/client.BrokerClient (TCP connection management,
// publish/subscribe, request/response correlation), generalized from
// its bespoke JSON-RPC wire protocol onto this module's envelope-native
// tcptransport and correlator packages.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaygrid/core/internal/correlator"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/transport"
	"github.com/relaygrid/core/internal/transport/tcptransport"
)

// DefaultRequestTimeout bounds Send when the caller supplies none.
const DefaultRequestTimeout = 30 * time.Second

// Config configures a RemoteBus.
type Config struct {
	// Address is the busd TCP listener to dial (host:port).
	Address string

	// ClientID identifies this client as an envelope Source.
	ClientID string

	Debug bool
}

// Event is a flattened event delivered to a Subscribe channel.
type Event struct {
	Topic     string
	Payload   interface{}
	Source    string
	Timestamp time.Time
}

// RemoteBus is a client-side handle to a remote busd process's bus,
// reached over a single TCP framed connection. It mirrors the
// Send/Publish/Subscribe surface public/embedded.Core exposes
// in-process.
type RemoteBus struct {
	cfg        Config
	log        *logging.Logger
	conn       *tcptransport.Client
	correlator *correlator.Correlator

	mu   sync.RWMutex
	subs map[string][]chan Event
}

// New builds a disconnected RemoteBus. Call Connect before use.
func New(cfg Config) *RemoteBus {
	if cfg.ClientID == "" {
		cfg.ClientID = "client"
	}
	log := logging.New("client", cfg.Debug)
	return &RemoteBus{
		cfg:        cfg,
		log:        log,
		conn:       tcptransport.NewClient(tcptransport.Config{Address: cfg.Address}, log),
		correlator: correlator.New(0),
		subs:       make(map[string][]chan Event),
	}
}

// Connect dials the remote busd process and starts routing incoming
// envelopes to pending Send waiters and Subscribe channels.
func (r *RemoteBus) Connect(ctx context.Context) error {
	if err := r.conn.Connect(ctx); err != nil {
		return fmt.Errorf("client: connecting to %s: %w", r.cfg.Address, err)
	}
	r.conn.Subscribe(r.route)
	r.correlator.StartSweeper(5 * time.Second)
	return nil
}

// Disconnect closes the connection and stops background routing.
func (r *RemoteBus) Disconnect(ctx context.Context) error {
	r.correlator.Stop()
	return r.conn.Disconnect(ctx)
}

func (r *RemoteBus) route(env *envelope.Envelope) {
	if env.CorrelationID != "" && r.correlator.Resolve(env) {
		return
	}
	if env.Kind != envelope.Event {
		return
	}

	r.mu.RLock()
	channels := append([]chan Event(nil), r.subs[env.MessageType]...)
	r.mu.RUnlock()
	if len(channels) == 0 {
		return
	}

	var payload interface{}
	_ = env.UnmarshalPayload(&payload)
	evt := Event{Topic: env.MessageType, Payload: payload, Source: env.Source, Timestamp: env.Timestamp}
	for _, ch := range channels {
		select {
		case ch <- evt:
		default:
			r.log.Warn("dropping event %s: subscriber channel full", env.MessageType)
		}
	}
}

// Send issues a command to the remote bus and waits for its reply,
// correlated by envelope ID. timeout <= 0 uses DefaultRequestTimeout.
func (r *RemoteBus) Send(ctx context.Context, messageType string, payload interface{}, timeout time.Duration) (interface{}, error) {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	env, err := envelope.New(envelope.Command, r.cfg.ClientID, "", messageType, payload)
	if err != nil {
		return nil, fmt.Errorf("client: building command envelope: %w", err)
	}
	if err := r.conn.Send(ctx, env); err != nil {
		return nil, fmt.Errorf("client: sending command: %w", err)
	}

	reply, err := r.correlator.Await(ctx, env, timeout)
	if err != nil {
		return nil, err
	}
	var result interface{}
	_ = reply.UnmarshalPayload(&result)
	return result, nil
}

// Publish fans an event out to every handler registered on the remote
// bus. It does not wait for a reply.
func (r *RemoteBus) Publish(ctx context.Context, topic string, payload interface{}) error {
	env, err := envelope.New(envelope.Event, r.cfg.ClientID, "", topic, payload)
	if err != nil {
		return fmt.Errorf("client: building event envelope: %w", err)
	}
	return r.conn.Send(ctx, env)
}

// Subscribe registers for delivery of every Event the remote bus
// fans out under topic. Returns a channel plus an unsubscribe
// function; it does not itself tell the remote side anything, since
// event fan-out there is a registry concern of whatever component sent
// the event, not the transport.
func (r *RemoteBus) Subscribe(topic string) (<-chan Event, func()) {
	ch := make(chan Event, 100)
	r.mu.Lock()
	r.subs[topic] = append(r.subs[topic], ch)
	r.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			r.mu.Lock()
			list := r.subs[topic]
			for i, c := range list {
				if c == ch {
					r.subs[topic] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
			r.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsubscribe
}

// State reports the underlying connection's lifecycle state.
func (r *RemoteBus) State() transport.State { return r.conn.State() }
