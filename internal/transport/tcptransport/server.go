package tcptransport

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/transport"
)

// serverConn is one accepted connection, grounded on the teacher's
// Connection struct (net.Conn plus an id and last-seen timestamp).
type serverConn struct {
	id       string
	conn     net.Conn
	writer   *bufio.Writer
	lastSeen time.Time
	mu       sync.Mutex
}

// Server is a listening TCP transport.Transport implementation: accepts
// many inbound connections, broadcasting Send to all of them and
// delivering every inbound envelope to its subscribers, matching the
// teacher's broker.Service accept loop generalized beyond one broker's
// topic/pipe routing.
type Server struct {
	cfg    Config
	log    *logging.Logger
	state  transport.StateMachine
	framer *framer

	listener net.Listener

	connMu sync.RWMutex
	conns  map[string]*serverConn
	connSeq int

	dispatcher *transport.Dispatcher
	stats      *transport.StatsTracker
}

func NewServer(cfg Config, log *logging.Logger) *Server {
	if log == nil {
		log = logging.New("tcptransport-server", false)
	}
	return &Server{
		cfg:        cfg,
		log:        log,
		framer:     cfg.framer(),
		conns:      make(map[string]*serverConn),
		dispatcher: transport.NewDispatcher(),
		stats:      transport.NewStatsTracker(),
	}
}

func (s *Server) State() transport.State { return s.state.Get() }
func (s *Server) Stats() transport.Stats { return s.stats.Snapshot() }

// Addr returns the listener's bound network address, useful when Config
// named a ":0" port and the caller needs to discover the actual port.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) Connect(ctx context.Context) error {
	if !s.state.CompareAndSet(transport.Disconnected, transport.Connecting) {
		if s.State() == transport.Connected {
			return nil
		}
	}

	var ln net.Listener
	var err error
	if s.cfg.TLS.Enabled {
		cert, cErr := tls.LoadX509KeyPair(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		if cErr != nil {
			s.state.Set(transport.Disconnected)
			return buserr.Wrap(buserr.ConfigError, "loading TLS keypair", cErr)
		}
		ln, err = tls.Listen("tcp", s.cfg.Address, &tls.Config{Certificates: []tls.Certificate{cert}})
	} else {
		ln, err = net.Listen("tcp", s.cfg.Address)
	}
	if err != nil {
		s.state.Set(transport.Disconnected)
		return buserr.Wrap(buserr.WireError, "listen "+s.cfg.Address, err)
	}

	s.listener = ln
	s.stats.MarkConnected()
	s.state.Set(transport.Connected)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.State() != transport.Connected {
				return
			}
			s.log.Error("tcp server accept failed: %v", err)
			continue
		}
		if s.cfg.MaxConnections > 0 && s.connCount() >= s.cfg.MaxConnections {
			_ = conn.Close()
			continue
		}
		s.handleConn(conn)
	}
}

func (s *Server) connCount() int {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	return len(s.conns)
}

func (s *Server) handleConn(conn net.Conn) {
	s.connMu.Lock()
	s.connSeq++
	id := fmt.Sprintf("conn-%d", s.connSeq)
	sc := &serverConn{id: id, conn: conn, writer: bufio.NewWriter(conn), lastSeen: time.Now()}
	s.conns[id] = sc
	s.connMu.Unlock()

	go s.readConn(sc)
}

func (s *Server) readConn(sc *serverConn) {
	reader := bufio.NewReader(sc.conn)
	defer s.dropConn(sc.id)
	for {
		data, err := s.framer.readFrame(reader)
		if err != nil {
			return
		}
		sc.mu.Lock()
		sc.lastSeen = time.Now()
		sc.mu.Unlock()

		s.stats.RecordIn(len(data))
		env, err := s.cfg.serializerOrDefault().Deserialize(data)
		if err != nil {
			s.log.Error("tcp server failed to deserialize frame from %s: %v", sc.id, err)
			continue
		}
		s.dispatcher.Deliver(env)
	}
}

func (s *Server) dropConn(id string) {
	s.connMu.Lock()
	sc, ok := s.conns[id]
	delete(s.conns, id)
	s.connMu.Unlock()
	if ok {
		_ = sc.conn.Close()
	}
}

// Send broadcasts env to every currently connected client, matching the
// teacher's Topic broadcast semantics. Use SendTo to address one
// connection directly.
func (s *Server) Send(ctx context.Context, env *envelope.Envelope) error {
	data, err := s.cfg.serializerOrDefault().Serialize(env)
	if err != nil {
		return buserr.Wrap(buserr.WireError, "serializing envelope", err)
	}

	s.connMu.RLock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.connMu.RUnlock()

	var firstErr error
	for _, sc := range conns {
		if err := s.writeTo(sc, data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if len(conns) > 0 {
		s.stats.RecordOut(len(data))
	}
	return firstErr
}

// SendTo addresses env to exactly one connection by ID (e.g. the
// destination named in env.Destination, resolved out of band).
func (s *Server) SendTo(connID string, env *envelope.Envelope) error {
	s.connMu.RLock()
	sc, ok := s.conns[connID]
	s.connMu.RUnlock()
	if !ok {
		return buserr.New(buserr.NotConnected, "no connection "+connID)
	}
	data, err := s.cfg.serializerOrDefault().Serialize(env)
	if err != nil {
		return buserr.Wrap(buserr.WireError, "serializing envelope", err)
	}
	if err := s.writeTo(sc, data); err != nil {
		return err
	}
	s.stats.RecordOut(len(data))
	return nil
}

func (s *Server) writeTo(sc *serverConn, data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if err := s.framer.writeFrame(sc.writer, data); err != nil {
		return buserr.Wrap(buserr.WireError, "writing frame to "+sc.id, err)
	}
	return sc.writer.Flush()
}

func (s *Server) Subscribe(handler transport.Handler) func() {
	return s.dispatcher.Subscribe(handler)
}

func (s *Server) Disconnect(ctx context.Context) error {
	if !s.state.CompareAndSet(transport.Connected, transport.Disconnecting) {
		return nil
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.connMu.Lock()
	for id, sc := range s.conns {
		_ = sc.conn.Close()
		delete(s.conns, id)
	}
	s.connMu.Unlock()
	s.state.Set(transport.Disconnected)
	return nil
}

// ConnectionIDs returns the IDs of every currently connected client.
func (s *Server) ConnectionIDs() []string {
	s.connMu.RLock()
	defer s.connMu.RUnlock()
	ids := make([]string, 0, len(s.conns))
	for id := range s.conns {
		ids = append(ids, id)
	}
	return ids
}
