// Package deadletter implements the bounded dead-letter queue spec.md
// §4.4 describes: envelopes that exhaust retries, time out, or find no
// handler land here instead of being silently dropped. The queue is
// bounded (oldest-first eviction once full) and exposes Enqueue/Replay/
// Purge/Iterate plus hooks an external store can use to persist entries
// beyond process lifetime.
package deadletter

import (
	"sync"
	"time"

	"github.com/relaygrid/core/internal/envelope"
)

// DefaultCapacity matches spec.md §4.4's default bound.
const DefaultCapacity = 10_000

// Reason classifies why an envelope was dead-lettered.
type Reason string

const (
	ReasonNoHandler      Reason = "no_handler"
	ReasonExpired        Reason = "expired"
	ReasonRetryExhausted Reason = "retry_exhausted"
	ReasonRejected       Reason = "rejected"
	ReasonTimeout        Reason = "timeout"
	ReasonHandlerError   Reason = "handler_error"
)

// Entry is one dead-lettered envelope plus the metadata explaining why.
type Entry struct {
	Envelope  *envelope.Envelope
	Reason    Reason
	Detail    string
	EnqueuedAt time.Time
}

// Hook observes entries as they're enqueued or removed, letting a host
// persist the queue externally (e.g. to the badger-backed store in
// internal/deadletter/badgerstore).
type Hook interface {
	OnEnqueue(Entry)
	OnRemove(Entry)
}

// Queue is a bounded, in-memory dead-letter queue.
type Queue struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
	hooks    []Hook
}

// New builds a Queue with the given capacity (DefaultCapacity if cap<=0).
func New(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Queue{capacity: capacity}
}

// AddHook registers a Hook invoked on every Enqueue/remove going forward.
func (q *Queue) AddHook(h Hook) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.hooks = append(q.hooks, h)
}

// Enqueue adds an entry, evicting the oldest entry first if the queue is
// at capacity.
func (q *Queue) Enqueue(env *envelope.Envelope, reason Reason, detail string) {
	entry := Entry{Envelope: env, Reason: reason, Detail: detail, EnqueuedAt: time.Now()}

	q.mu.Lock()
	var evicted *Entry
	if len(q.entries) >= q.capacity {
		e := q.entries[0]
		evicted = &e
		q.entries = q.entries[1:]
	}
	q.entries = append(q.entries, entry)
	hooks := append([]Hook(nil), q.hooks...)
	q.mu.Unlock()

	for _, h := range hooks {
		if evicted != nil {
			h.OnRemove(*evicted)
		}
		h.OnEnqueue(entry)
	}
}

// Len reports the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Iterate calls fn for every entry, oldest first, stopping early if fn
// returns false.
func (q *Queue) Iterate(fn func(Entry) bool) {
	q.mu.Lock()
	snapshot := append([]Entry(nil), q.entries...)
	q.mu.Unlock()

	for _, e := range snapshot {
		if !fn(e) {
			return
		}
	}
}

// Replay removes and returns every entry matching predicate, in oldest-
// first order, so a caller can re-submit them to the bus.
func (q *Queue) Replay(predicate func(Entry) bool) []Entry {
	q.mu.Lock()
	var replayed, kept []Entry
	for _, e := range q.entries {
		if predicate == nil || predicate(e) {
			replayed = append(replayed, e)
		} else {
			kept = append(kept, e)
		}
	}
	q.entries = kept
	hooks := append([]Hook(nil), q.hooks...)
	q.mu.Unlock()

	for _, h := range hooks {
		for _, e := range replayed {
			h.OnRemove(e)
		}
	}
	return replayed
}

// Purge discards every entry, returning how many were removed.
func (q *Queue) Purge() int {
	q.mu.Lock()
	removed := q.entries
	q.entries = nil
	hooks := append([]Hook(nil), q.hooks...)
	q.mu.Unlock()

	for _, h := range hooks {
		for _, e := range removed {
			h.OnRemove(e)
		}
	}
	return len(removed)
}
