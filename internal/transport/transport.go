// Package transport defines the uniform adapter contract every concrete
// wire protocol in this module implements (spec.md §4.7): a connection
// state machine, Connect/Disconnect/Send/Subscribe, and a shared stats
// block. tcptransport, udptransport, wstransport, and queuetransport
// each instantiate this contract over a different wire.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygrid/core/internal/envelope"
)

// State is a transport connection's current lifecycle state.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Reconnecting
	Disconnecting
	Disposed
)

func (s State) String() string {
	names := [...]string{"Disconnected", "Connecting", "Connected", "Reconnecting", "Disconnecting", "Disposed"}
	if int(s) < 0 || int(s) >= len(names) {
		return "Unknown"
	}
	return names[s]
}

// Handler receives envelopes delivered by a transport.
type Handler func(*envelope.Envelope)

// TLSConfig carries the subset of crypto/tls.Config transports need;
// kept as a narrow struct so callers don't need to import crypto/tls
// just to describe intent, and so a transport can decide whether TLS
// is even meaningful for its wire (e.g. in-process transports ignore
// it).
type TLSConfig struct {
	Enabled            bool
	CertFile           string
	KeyFile            string
	CAFile             string
	InsecureSkipVerify bool
}

// CompressionConfig enables payload compression on the wire.
type CompressionConfig struct {
	Enabled   bool
	Algorithm string // "gzip" | "zstd" | "snappy"
	MinSize   int    // only compress payloads at least this many bytes
}

// Stats is a snapshot of one transport connection's traffic counters.
type Stats struct {
	BytesIn      uint64
	BytesOut     uint64
	MessagesIn   uint64
	MessagesOut  uint64
	LatencyEWMA  time.Duration
	ConnectedAt  time.Time
	LastActivity time.Time
}

// StatsTracker accumulates Stats with atomics, safe under concurrent
// send/receive goroutines.
type StatsTracker struct {
	bytesIn, bytesOut     atomic.Uint64
	messagesIn, messagesOut atomic.Uint64
	latencyEWMA          atomic.Int64 // nanoseconds

	mu           sync.Mutex
	connectedAt  time.Time
	lastActivity time.Time
}

// NewStatsTracker builds an empty StatsTracker.
func NewStatsTracker() *StatsTracker { return &StatsTracker{} }

// ewmaAlpha weights the most recent latency sample; 0.2 favors recent
// samples without making the estimate noisy from a single outlier.
const ewmaAlpha = 0.2

func (s *StatsTracker) RecordIn(n int) {
	s.bytesIn.Add(uint64(n))
	s.messagesIn.Add(1)
	s.Touch()
}

func (s *StatsTracker) RecordOut(n int) {
	s.bytesOut.Add(uint64(n))
	s.messagesOut.Add(1)
	s.Touch()
}

func (s *StatsTracker) RecordLatency(d time.Duration) {
	for {
		old := s.latencyEWMA.Load()
		var next int64
		if old == 0 {
			next = int64(d)
		} else {
			next = int64(float64(old)*(1-ewmaAlpha) + float64(d)*ewmaAlpha)
		}
		if s.latencyEWMA.CompareAndSwap(old, next) {
			return
		}
	}
}

func (s *StatsTracker) Touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *StatsTracker) MarkConnected() {
	s.mu.Lock()
	s.connectedAt = time.Now()
	s.mu.Unlock()
}

func (s *StatsTracker) Snapshot() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		BytesIn:      s.bytesIn.Load(),
		BytesOut:     s.bytesOut.Load(),
		MessagesIn:   s.messagesIn.Load(),
		MessagesOut:  s.messagesOut.Load(),
		LatencyEWMA:  time.Duration(s.latencyEWMA.Load()),
		ConnectedAt:  s.connectedAt,
		LastActivity: s.lastActivity,
	}
}

// Transport is the adapter contract every wire protocol implements.
type Transport interface {
	// Connect establishes the underlying connection(s). Calling Connect
	// while already Connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears the connection down gracefully.
	Disconnect(ctx context.Context) error

	// Send delivers env over the wire.
	Send(ctx context.Context, env *envelope.Envelope) error

	// Subscribe registers handler to receive every envelope the transport
	// delivers. Returns a function that unregisters it.
	Subscribe(handler Handler) (unsubscribe func())

	// State reports the current connection state.
	State() State

	// Stats reports traffic counters for the current connection.
	Stats() Stats
}
