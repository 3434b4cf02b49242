package tcptransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"net"
	"sync"
	"time"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/serializer"
	"github.com/relaygrid/core/internal/transport"
)

// Config configures a Client or Server.
type Config struct {
	Address           string
	Framing           FramingProtocol
	Delimiter         []byte
	MaxMessageSize    int
	HeartbeatInterval time.Duration
	DialTimeout       time.Duration
	TLS               transport.TLSConfig
	Serializer        serializer.MessageSerializer
	// MaxConnections bounds concurrent accepted connections in Server mode
	// (0 = unbounded).
	MaxConnections int
	// Compression gates payload compression above a minimum frame size.
	Compression CompressionConfig
}

func (c Config) framer() *framer {
	return newFramer(c.Framing, c.Delimiter, c.MaxMessageSize, c.Compression)
}

func (c Config) serializerOrDefault() serializer.MessageSerializer {
	if c.Serializer != nil {
		return c.Serializer
	}
	return serializer.JSON{}
}

// Client is a dialing TCP transport.Transport implementation: one
// outbound connection to a single remote address, with an optional
// background heartbeat. A read failure moves the Client to Disconnected;
// it does not reconnect on its own.
type Client struct {
	cfg    Config
	log    *logging.Logger
	state  transport.StateMachine
	framer *framer

	mu     sync.Mutex
	conn   net.Conn
	writer *bufio.Writer
	reader *bufio.Reader

	dispatcher *transport.Dispatcher
	stats      *transport.StatsTracker

	stopHeartbeat chan struct{}
}

func NewClient(cfg Config, log *logging.Logger) *Client {
	if log == nil {
		log = logging.New("tcptransport", false)
	}
	return &Client{
		cfg:        cfg,
		log:        log,
		framer:     cfg.framer(),
		dispatcher: transport.NewDispatcher(),
		stats:      transport.NewStatsTracker(),
	}
}

func (c *Client) State() transport.State { return c.state.Get() }
func (c *Client) Stats() transport.Stats { return c.stats.Snapshot() }

func (c *Client) Connect(ctx context.Context) error {
	if !c.state.CompareAndSet(transport.Disconnected, transport.Connecting) {
		if c.State() == transport.Connected {
			return nil
		}
	}

	dialer := net.Dialer{Timeout: c.cfg.DialTimeout}
	var conn net.Conn
	var err error
	if c.cfg.TLS.Enabled {
		tlsCfg := &tls.Config{InsecureSkipVerify: c.cfg.TLS.InsecureSkipVerify}
		conn, err = tls.DialWithDialer(&dialer, "tcp", c.cfg.Address, tlsCfg)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.cfg.Address)
	}
	if err != nil {
		c.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.WireError, "dial "+c.cfg.Address, err)
	}

	c.mu.Lock()
	c.conn = conn
	c.writer = bufio.NewWriter(conn)
	c.reader = bufio.NewReader(conn)
	c.mu.Unlock()

	c.stats.MarkConnected()
	c.state.Set(transport.Connected)

	go c.readLoop()
	if c.cfg.HeartbeatInterval > 0 {
		c.stopHeartbeat = make(chan struct{})
		go c.heartbeatLoop()
	}
	return nil
}

func (c *Client) readLoop() {
	for {
		c.mu.Lock()
		reader := c.reader
		c.mu.Unlock()
		if reader == nil {
			return
		}
		data, err := c.framer.readFrame(reader)
		if err != nil {
			if c.State() == transport.Connected {
				c.log.Error("tcp client read failed: %v", err)
				c.state.Set(transport.Disconnected)
			}
			return
		}
		c.stats.RecordIn(len(data))
		env, err := c.cfg.serializerOrDefault().Deserialize(data)
		if err != nil {
			c.log.Error("tcp client failed to deserialize frame: %v", err)
			continue
		}
		c.dispatcher.Deliver(env)
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hb, err := envelope.New(envelope.Event, "", "", "_heartbeat", nil)
			if err != nil {
				continue
			}
			hb.System = true
			_ = c.Send(context.Background(), hb)
		case <-c.stopHeartbeat:
			return
		}
	}
}

func (c *Client) Send(ctx context.Context, env *envelope.Envelope) error {
	if c.State() != transport.Connected {
		return buserr.New(buserr.NotConnected, "tcp client is not connected")
	}
	data, err := c.cfg.serializerOrDefault().Serialize(env)
	if err != nil {
		return buserr.Wrap(buserr.WireError, "serializing envelope", err)
	}

	start := time.Now()
	c.mu.Lock()
	writer := c.writer
	c.mu.Unlock()
	if writer == nil {
		return buserr.New(buserr.NotConnected, "tcp client is not connected")
	}
	if err := c.framer.writeFrame(writer, data); err != nil {
		return buserr.Wrap(buserr.WireError, "writing frame", err)
	}
	if err := writer.Flush(); err != nil {
		return buserr.Wrap(buserr.WireError, "flushing frame", err)
	}
	c.stats.RecordOut(len(data))
	c.stats.RecordLatency(time.Since(start))
	return nil
}

func (c *Client) Subscribe(handler transport.Handler) func() {
	return c.dispatcher.Subscribe(handler)
}

func (c *Client) Disconnect(ctx context.Context) error {
	if !c.state.CompareAndSet(transport.Connected, transport.Disconnecting) {
		return nil
	}
	if c.stopHeartbeat != nil {
		close(c.stopHeartbeat)
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}
	c.state.Set(transport.Disconnected)
	return err
}
