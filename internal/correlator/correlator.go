// Package correlator tracks in-flight request/reply pairs for the bus's
// Send and Query operations (spec.md §4.3): each outgoing envelope that
// expects a reply registers a waiter keyed by its ID, which a later
// reply envelope resolves by CorrelationID. A background sweeper expires
// waiters past their deadline so a lost reply never leaks a goroutine.
package correlator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/envelope"
)

const (
	// DefaultShards matches spec.md §4.3's default shard count, chosen to
	// keep per-shard lock contention low without over-partitioning small
	// deployments.
	DefaultShards = 16

	// minSweepInterval floors the sweeper's cadence so a very short
	// deadline doesn't spin the sweeper goroutine.
	minSweepInterval = 100 * time.Millisecond

	// maxAncestryDepth caps the causation-id ancestry walk so a corrupted
	// or cyclic causation chain cannot loop forever.
	maxAncestryDepth = 128
)

// waiter is one pending correlation entry.
type waiter struct {
	id       string
	deadline time.Time
	replyCh  chan *envelope.Envelope
	errCh    chan error
	done     bool
}

type shard struct {
	mu      sync.Mutex
	waiters map[string]*waiter
}

// Correlator is a sharded table of pending request/reply waiters plus a
// causation-id ancestry index used to walk "what caused this message"
// chains.
type Correlator struct {
	shards []*shard

	ancestryMu sync.RWMutex
	ancestry   map[string]string // id -> causation id

	orphanReplies atomic.Int64

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New builds a Correlator with the given shard count (DefaultShards if
// n <= 0).
func New(n int) *Correlator {
	if n <= 0 {
		n = DefaultShards
	}
	c := &Correlator{
		shards:   make([]*shard, n),
		ancestry: make(map[string]string),
	}
	for i := range c.shards {
		c.shards[i] = &shard{waiters: make(map[string]*waiter)}
	}
	return c
}

func (c *Correlator) shardFor(id string) *shard {
	h := fnv32(id)
	return c.shards[h%uint32(len(c.shards))]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// Await registers req as awaiting a reply, recording its causation
// ancestry, and blocks until a matching reply arrives, the context is
// cancelled, or deadline elapses.
func (c *Correlator) Await(ctx context.Context, req *envelope.Envelope, deadline time.Duration) (*envelope.Envelope, error) {
	c.recordAncestry(req)

	w := &waiter{
		id:       req.ID,
		deadline: time.Now().Add(deadline),
		replyCh:  make(chan *envelope.Envelope, 1),
		errCh:    make(chan error, 1),
	}
	sh := c.shardFor(req.ID)
	sh.mu.Lock()
	sh.waiters[req.ID] = w
	sh.mu.Unlock()

	defer c.forget(req.ID)

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	select {
	case reply := <-w.replyCh:
		return reply, nil
	case err := <-w.errCh:
		return nil, err
	case <-timer.C:
		return nil, buserr.New(buserr.Timeout, "no reply received for "+req.ID+" within deadline")
	case <-ctx.Done():
		return nil, buserr.Wrap(buserr.Cancelled, "await cancelled for "+req.ID, ctx.Err())
	}
}

// Resolve delivers reply to whatever waiter is registered under its
// CorrelationID. It reports whether a waiter was found; a false result
// with no error means the reply is orphaned (its requester already gave
// up or never existed), which the caller should count via Orphans().
func (c *Correlator) Resolve(reply *envelope.Envelope) bool {
	if reply.CorrelationID == "" {
		c.orphanReplies.Add(1)
		return false
	}
	sh := c.shardFor(reply.CorrelationID)
	sh.mu.Lock()
	w, ok := sh.waiters[reply.CorrelationID]
	if ok && !w.done {
		w.done = true
	} else {
		ok = false
	}
	sh.mu.Unlock()

	if !ok {
		c.orphanReplies.Add(1)
		return false
	}
	select {
	case w.replyCh <- reply:
	default:
	}
	return true
}

// Orphans returns the number of reply envelopes that arrived with no
// matching waiter.
func (c *Correlator) Orphans() int64 {
	return c.orphanReplies.Load()
}

func (c *Correlator) forget(id string) {
	sh := c.shardFor(id)
	sh.mu.Lock()
	delete(sh.waiters, id)
	sh.mu.Unlock()

	c.ancestryMu.Lock()
	delete(c.ancestry, id)
	c.ancestryMu.Unlock()
}

func (c *Correlator) recordAncestry(env *envelope.Envelope) {
	if env.CausationID == "" {
		return
	}
	c.ancestryMu.Lock()
	c.ancestry[env.ID] = env.CausationID
	c.ancestryMu.Unlock()
}

// Ancestors walks the causation-id chain starting at id, returning the
// ordered list of ancestor IDs (nearest first), capped at
// maxAncestryDepth to tolerate a corrupted or cyclic chain.
func (c *Correlator) Ancestors(id string) []string {
	c.ancestryMu.RLock()
	defer c.ancestryMu.RUnlock()

	seen := make(map[string]bool, maxAncestryDepth)
	var chain []string
	cur := id
	for depth := 0; depth < maxAncestryDepth; depth++ {
		parent, ok := c.ancestry[cur]
		if !ok || parent == "" || seen[parent] {
			break
		}
		chain = append(chain, parent)
		seen[parent] = true
		cur = parent
	}
	return chain
}

// PendingCount returns the total number of in-flight waiters across all
// shards, mainly for diagnostics and tests.
func (c *Correlator) PendingCount() int {
	n := 0
	for _, sh := range c.shards {
		sh.mu.Lock()
		n += len(sh.waiters)
		sh.mu.Unlock()
	}
	return n
}

// StartSweeper launches a background goroutine that expires waiters past
// their deadline every interval (floored at minSweepInterval). Call
// Stop() to terminate it.
func (c *Correlator) StartSweeper(interval time.Duration) {
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	c.sweepStop = make(chan struct{})
	c.sweepDone = make(chan struct{})

	go func() {
		defer close(c.sweepDone)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				c.sweep()
			case <-c.sweepStop:
				return
			}
		}
	}()
}

func (c *Correlator) sweep() {
	now := time.Now()
	for _, sh := range c.shards {
		sh.mu.Lock()
		for id, w := range sh.waiters {
			if !w.done && now.After(w.deadline) {
				w.done = true
				select {
				case w.errCh <- buserr.New(buserr.Timeout, "waiter "+id+" expired during sweep"):
				default:
				}
				delete(sh.waiters, id)
			}
		}
		sh.mu.Unlock()
	}
}

// Stop halts the sweeper goroutine, if one was started.
func (c *Correlator) Stop() {
	if c.sweepStop == nil {
		return
	}
	close(c.sweepStop)
	<-c.sweepDone
}
