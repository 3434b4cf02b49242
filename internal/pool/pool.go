// Package pool implements a bounded, generic connection pool used by
// transport clients and storage adapters that need to reuse expensive
// handles (TCP dials, queue senders) rather than open one per request.
// Idle eviction and the leak-detecting lease mirror the sweeper/waiter
// patterns used by the correlator and flow-control packages.
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/logging"
)

// Conn is anything a Pool can manage: dial it via Factory, discard it
// via Close when it is unhealthy or evicted.
type Conn interface {
	Close() error
}

// Config controls pool sizing and lifecycle behavior.
type Config struct {
	// Factory creates a new Conn. Required.
	Factory func(ctx context.Context) (Conn, error)
	// Healthy reports whether an idle Conn is still usable. Optional;
	// when nil every idle Conn is assumed healthy.
	Healthy func(Conn) bool

	// MinIdle is the number of idle connections the pool tries to keep
	// warm in the background.
	MinIdle int
	// MaxOpen caps the number of connections outstanding at once
	// (idle + leased). Zero means unbounded.
	MaxOpen int
	// IdleTimeout evicts idle connections that have sat unused longer
	// than this. Zero disables idle eviction.
	IdleTimeout time.Duration
	// HealthCheckInterval controls how often the background sweeper
	// runs Healthy against idle connections and tops up MinIdle.
	HealthCheckInterval time.Duration
	// AcquireTimeout bounds how long Acquire waits for a free slot
	// when the pool is at MaxOpen. Zero means wait indefinitely
	// (subject to the caller's context).
	AcquireTimeout time.Duration
	// LeaseWarnAfter logs a leak warning when a Lease has been held
	// longer than this without being released. Zero disables the
	// warning.
	LeaseWarnAfter time.Duration

	Log *logging.Logger
}

func (c Config) healthCheckInterval() time.Duration {
	if c.HealthCheckInterval > 0 {
		return c.HealthCheckInterval
	}
	return 30 * time.Second
}

type idleConn struct {
	conn    Conn
	idleAt  time.Time
}

// Pool is a bounded pool of reusable connections.
type Pool struct {
	cfg Config
	log *logging.Logger

	mu      sync.Mutex
	idle    []idleConn
	open    int
	waiters []chan struct{}
	closed  bool

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New builds a Pool from cfg and starts its background sweeper.
func New(cfg Config) *Pool {
	log := cfg.Log
	if log == nil {
		log = logging.New("pool", false)
	}
	p := &Pool{
		cfg:       cfg,
		log:       log,
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go p.sweepLoop()
	return p
}

// Lease is a scoped handle on a pooled Conn. Callers must call Release
// exactly once; failing to do so within Config.LeaseWarnAfter logs a
// leak warning.
type Lease struct {
	pool      *Pool
	conn      Conn
	leasedAt  time.Time
	released  sync.Once
	warnTimer *time.Timer
}

// Conn returns the underlying connection held by this lease.
func (l *Lease) Conn() Conn { return l.conn }

// Release returns the connection to the pool for reuse. Passing
// healthy=false discards it instead.
func (l *Lease) Release(healthy bool) {
	l.released.Do(func() {
		if l.warnTimer != nil {
			l.warnTimer.Stop()
		}
		l.pool.release(l.conn, healthy)
	})
}

// Acquire obtains a Conn, reusing an idle one when available or
// dialing a new one via Factory when the pool has room.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	if p.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.AcquireTimeout)
		defer cancel()
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, buserr.New(buserr.NotConnected, "pool is closed")
		}

		if n := len(p.idle); n > 0 {
			ic := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.mu.Unlock()
			return p.newLease(ic.conn), nil
		}

		if p.cfg.MaxOpen == 0 || p.open < p.cfg.MaxOpen {
			p.open++
			p.mu.Unlock()
			conn, err := p.cfg.Factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.open--
				p.mu.Unlock()
				return nil, buserr.Wrap(buserr.WireError, "dialing pooled connection", err)
			}
			return p.newLease(conn), nil
		}

		wait := make(chan struct{})
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-wait:
			// a slot freed up; loop and try again
		case <-ctx.Done():
			return nil, buserr.Wrap(buserr.Timeout, "acquiring pooled connection", ctx.Err())
		}
	}
}

func (p *Pool) newLease(conn Conn) *Lease {
	lease := &Lease{pool: p, conn: conn, leasedAt: time.Now()}
	if p.cfg.LeaseWarnAfter > 0 {
		lease.warnTimer = time.AfterFunc(p.cfg.LeaseWarnAfter, func() {
			p.log.Error("pool lease held longer than %s, possible leak: %s", p.cfg.LeaseWarnAfter, fmt.Sprintf("%T", conn))
		})
	}
	return lease
}

func (p *Pool) release(conn Conn, healthy bool) {
	p.mu.Lock()
	if p.closed || !healthy {
		p.open--
		p.mu.Unlock()
		_ = conn.Close()
		p.wakeWaiter()
		return
	}
	p.idle = append(p.idle, idleConn{conn: conn, idleAt: time.Now()})
	p.mu.Unlock()
	p.wakeWaiter()
}

// wakeWaiter must be called without holding p.mu.
func (p *Pool) wakeWaiter() {
	p.mu.Lock()
	if len(p.waiters) == 0 {
		p.mu.Unlock()
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	p.mu.Unlock()
	close(w)
}

func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)
	ticker := time.NewTicker(p.cfg.healthCheckInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopSweep:
			return
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	var kept []idleConn
	var evicted []Conn
	now := time.Now()
	for _, ic := range p.idle {
		stale := p.cfg.IdleTimeout > 0 && now.Sub(ic.idleAt) > p.cfg.IdleTimeout
		unhealthy := p.cfg.Healthy != nil && !p.cfg.Healthy(ic.conn)
		if stale || unhealthy {
			evicted = append(evicted, ic.conn)
			p.open--
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
	need := p.cfg.MinIdle - len(p.idle)
	closed := p.closed
	p.mu.Unlock()

	for _, c := range evicted {
		_ = c.Close()
	}

	if closed || need <= 0 {
		return
	}
	for i := 0; i < need; i++ {
		p.mu.Lock()
		if p.cfg.MaxOpen != 0 && p.open >= p.cfg.MaxOpen {
			p.mu.Unlock()
			return
		}
		p.open++
		p.mu.Unlock()

		conn, err := p.cfg.Factory(context.Background())
		if err != nil {
			p.mu.Lock()
			p.open--
			p.mu.Unlock()
			p.log.Error("pool failed to warm idle connection: %v", err)
			return
		}
		p.mu.Lock()
		p.idle = append(p.idle, idleConn{conn: conn, idleAt: time.Now()})
		p.mu.Unlock()
	}
}

// Stats reports the pool's current size.
type Stats struct {
	Open    int
	Idle    int
	Waiting int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Open: p.open, Idle: len(p.idle), Waiting: len(p.waiters)}
}

// Close stops the sweeper and closes every idle connection. Leased
// connections are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	waiters := p.waiters
	p.waiters = nil
	p.mu.Unlock()

	close(p.stopSweep)
	<-p.sweepDone

	for _, w := range waiters {
		close(w)
	}

	var firstErr error
	for _, ic := range idle {
		if err := ic.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
