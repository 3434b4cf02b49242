// Package udptransport implements transport.Transport over UDP
// datagrams: one envelope per packet, no delivery guarantee, no
// connection handshake. Built on net.UDPConn directly; no pack
// dependency offers a UDP-specific abstraction worth adopting over the
// standard library here (see DESIGN.md).
package udptransport

import (
	"context"
	"net"
	"time"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/serializer"
	"github.com/relaygrid/core/internal/transport"
)

const maxDatagramSize = 65507

// Config configures a Transport.
type Config struct {
	// LocalAddress is where this endpoint listens for inbound datagrams.
	LocalAddress string
	// RemoteAddress is where Send writes datagrams to.
	RemoteAddress string
	Serializer    serializer.MessageSerializer
}

func (c Config) serializerOrDefault() serializer.MessageSerializer {
	if c.Serializer != nil {
		return c.Serializer
	}
	return serializer.JSON{}
}

// Transport is a UDP-backed transport.Transport.
type Transport struct {
	cfg   Config
	log   *logging.Logger
	state transport.StateMachine

	conn       *net.UDPConn
	remoteAddr *net.UDPAddr

	dispatcher *transport.Dispatcher
	stats      *transport.StatsTracker
}

func New(cfg Config, log *logging.Logger) *Transport {
	if log == nil {
		log = logging.New("udptransport", false)
	}
	return &Transport{
		cfg:        cfg,
		log:        log,
		dispatcher: transport.NewDispatcher(),
		stats:      transport.NewStatsTracker(),
	}
}

func (t *Transport) State() transport.State { return t.state.Get() }
func (t *Transport) Stats() transport.Stats { return t.stats.Snapshot() }

func (t *Transport) Connect(ctx context.Context) error {
	if !t.state.CompareAndSet(transport.Disconnected, transport.Connecting) {
		if t.State() == transport.Connected {
			return nil
		}
	}

	if t.cfg.RemoteAddress != "" {
		addr, err := net.ResolveUDPAddr("udp", t.cfg.RemoteAddress)
		if err != nil {
			t.state.Set(transport.Disconnected)
			return buserr.Wrap(buserr.ConfigError, "resolving remote UDP address", err)
		}
		t.remoteAddr = addr
	}

	localAddr := t.cfg.LocalAddress
	if localAddr == "" {
		localAddr = ":0"
	}
	udpAddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		t.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.ConfigError, "resolving local UDP address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		t.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.WireError, "listening on UDP", err)
	}

	t.conn = conn
	t.stats.MarkConnected()
	t.state.Set(transport.Connected)
	go t.readLoop()
	return nil
}

func (t *Transport) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			if t.State() == transport.Connected {
				t.log.Error("udp read failed: %v", err)
			}
			return
		}
		t.stats.RecordIn(n)
		env, err := t.cfg.serializerOrDefault().Deserialize(buf[:n])
		if err != nil {
			t.log.Error("udp failed to deserialize datagram: %v", err)
			continue
		}
		t.dispatcher.Deliver(env)
	}
}

func (t *Transport) Send(ctx context.Context, env *envelope.Envelope) error {
	if t.State() != transport.Connected {
		return buserr.New(buserr.NotConnected, "udp transport is not connected")
	}
	if t.remoteAddr == nil {
		return buserr.New(buserr.ConfigError, "udp transport has no remote address configured")
	}
	data, err := t.cfg.serializerOrDefault().Serialize(env)
	if err != nil {
		return buserr.Wrap(buserr.WireError, "serializing envelope", err)
	}
	if len(data) > maxDatagramSize {
		return buserr.New(buserr.InvalidFrame, "datagram exceeds max UDP payload size")
	}

	start := time.Now()
	n, err := t.conn.WriteToUDP(data, t.remoteAddr)
	if err != nil {
		return buserr.Wrap(buserr.WireError, "writing UDP datagram", err)
	}
	t.stats.RecordOut(n)
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
	var err error
	if t.conn != nil {
		err = t.conn.Close()
	}
	t.state.Set(transport.Disconnected)
	return err
}

// LocalAddr returns the bound local address, useful when Config named
// ":0" and the caller needs to discover the assigned port.
func (t *Transport) LocalAddr() net.Addr {
	if t.conn == nil {
		return nil
	}
	return t.conn.LocalAddr()
}
