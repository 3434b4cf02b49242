// Package registry implements the type-keyed handler registry (spec §3
// "Handler registration", §4.1): commands and queries admit exactly one
// active handler per type (last registration wins, warn-logged); events
// admit many, ordered by priority then registration order.
package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/logging"
)

// Handler processes one envelope and returns a response payload (nil for
// events) or an error.
type Handler func(ctx context.Context, env *envelope.Envelope) (interface{}, error)

// Filter decides whether a handler should receive a given envelope.
type Filter func(*envelope.Envelope) bool

// Retry mirrors spec.md §4.1's per-handler retry configuration.
type Retry struct {
	MaxAttempts        int
	BaseDelay          int64 // nanoseconds; kept as int64 to stay allocation-free in hot path
	MaxDelay           int64
	Strategy           string // "fixed" | "linear" | "exponential"
	Jitter             bool
	NonRetryableErrors map[string]bool
}

// Registration captures one handler's metadata, exactly as spec.md §3
// enumerates: priority, filter, timeout, retry, max concurrency.
type Registration struct {
	Type     string
	Category envelope.Kind
	Handler  Handler
	Priority int
	Filter   Filter
	Timeout  int64 // nanoseconds; 0 = no timeout
	Retry    *Retry
	MaxConcurrency int

	seq int // registration order, used to break priority ties
}

type key struct {
	msgType  string
	category envelope.Kind
}

// Registry is the read-mostly handler table. Reads take the read lock
// and copy out what they return; writes take the exclusive lock, matching spec.md §5's "Shared resources" guidance.
type Registry struct {
	mu       sync.RWMutex
	single   map[key]*Registration   // commands, queries
	fanout   map[key][]*Registration // events
	seq      int
	log      *logging.Logger
}

func New(log *logging.Logger) *Registry {
	return &Registry{
		single: make(map[key]*Registration),
		fanout: make(map[key][]*Registration),
		log:    log,
	}
}

// Register adds reg to the table. For Command/Query it replaces any prior
// handler for the same type, warning on replacement (spec.md §9 Open
// Questions: "warn and replace, never silent duplicate"). For Event it
// appends, re-sorting by priority then registration order.
func (r *Registry) Register(reg Registration) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	reg.seq = r.seq
	k := key{msgType: reg.Type, category: reg.Category}

	switch reg.Category {
	case envelope.Event:
		r.fanout[k] = append(r.fanout[k], &reg)
		sort.SliceStable(r.fanout[k], func(i, j int) bool {
			a, b := r.fanout[k][i], r.fanout[k][j]
			if a.Priority != b.Priority {
				return a.Priority > b.Priority
			}
			return a.seq < b.seq
		})
	default:
		if _, exists := r.single[k]; exists && r.log != nil {
			r.log.Warn("replacing existing %s handler for type %q", reg.Category, reg.Type)
		}
		r.single[k] = &reg
	}

	return &Subscription{registry: r, key: k, seq: reg.seq, fanout: reg.Category == envelope.Event}
}

// Lookup resolves the single handler for a command/query type.
func (r *Registry) Lookup(category envelope.Kind, msgType string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.single[key{msgType: msgType, category: category}]
	return reg, ok
}

// LookupEvent resolves every registered handler for an event type that
// passes its own filter (if any), already priority-ordered.
func (r *Registry) LookupEvent(msgType string, env *envelope.Envelope) []*Registration {
	r.mu.RLock()
	regs := r.fanout[key{msgType: msgType, category: envelope.Event}]
	// Copy the slice contents under the lock: Register appends to and
	// re-sorts this slice in place, so the copy must be taken before RUnlock.
	snapshot := make([]*Registration, len(regs))
	copy(snapshot, regs)
	r.mu.RUnlock()

	if env == nil {
		return snapshot
	}
	matched := snapshot[:0:0]
	for _, reg := range snapshot {
		if reg.Filter == nil || reg.Filter(env) {
			matched = append(matched, reg)
		}
	}
	return matched
}

// Size returns the total number of live registrations, used by the
// Subscribe-then-Dispose idempotence test in spec.md §8.
func (r *Registry) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := len(r.single)
	for _, regs := range r.fanout {
		n += len(regs)
	}
	return n
}

func (r *Registry) remove(k key, seq int, fanout bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !fanout {
		if reg, ok := r.single[k]; ok && reg.seq == seq {
			delete(r.single, k)
		}
		return
	}
	regs := r.fanout[k]
	for i, reg := range regs {
		if reg.seq == seq {
			r.fanout[k] = append(regs[:i:i], regs[i+1:]...)
			break
		}
	}
}

// Subscription represents one live registration. Disposing it removes the
// registration; disposing twice is a no-op.
type Subscription struct {
	registry *Registry
	key      key
	seq      int
	fanout   bool
	disposed bool
	mu       sync.Mutex
}

func (s *Subscription) Dispose() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return
	}
	s.disposed = true
	s.registry.remove(s.key, s.seq, s.fanout)
}
