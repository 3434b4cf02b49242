// Package pipeline implements the composable behavior chain that every
// bus operation (Send/Publish/Query) runs a message through before and
// after the registered handler runs (spec.md §4.2). Behaviors are plain
// middleware functions; Placement constraints (First/Last/Ordered/
// Before/After/AtStage/Default) are resolved once, at Build time, into a
// fixed execution order, matching the teacher's preference for resolving
// configuration up front rather than on every request.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/security"
)

// Context is the mutable state threaded through one pipeline execution.
// It is not safe for concurrent use by multiple goroutines; each bus
// operation builds its own.
type Context struct {
	Go            context.Context
	Envelope      *envelope.Envelope
	Security      security.Context
	CorrelationID string
	StartedAt     time.Time
	Properties    map[string]interface{}

	Response interface{}
	Failed   bool
	Err      error

	RetryCount int
}

// NewContext builds a pipeline Context for one envelope.
func NewContext(goCtx context.Context, env *envelope.Envelope, sec security.Context) *Context {
	if sec == nil {
		sec = security.Anonymous{}
	}
	return &Context{
		Go:            goCtx,
		Envelope:      env,
		Security:      sec,
		CorrelationID: env.CorrelationID,
		StartedAt:     time.Now(),
		Properties:    make(map[string]interface{}),
	}
}

// Fail marks the context as failed without aborting the chain; callers
// inspect Failed/Err after Execute returns.
func (c *Context) Fail(err error) {
	c.Failed = true
	c.Err = err
}

// Next invokes the remainder of the chain (or the terminal handler).
type Next func(*Context) (interface{}, error)

// Behavior is one link in the chain: it may inspect/modify the context,
// call next (possibly more than once, or not at all, e.g. Cache), and
// post-process the result.
type Behavior func(ctx *Context, next Next) (interface{}, error)

// Registered is a Behavior paired with the identity Placement resolution
// needs: an ID other behaviors can reference via Before/After, and the
// Placement itself.
type Registered struct {
	ID        string
	Placement Placement
	Behavior  Behavior
}

// Pipeline is a resolved, ready-to-run chain.
type Pipeline struct {
	ordered []entry
}

// errNoNext is returned by Execute when a Pipeline has no terminal
// handler and ends up invoking Next past the last behavior with no
// default to fall back on; Build never produces such a Pipeline, this
// guards direct misuse.
var errNoNext = fmt.Errorf("pipeline: next() called with no further behavior and no terminal handler")

// Build resolves a set of registered behaviors into a fixed-order
// Pipeline. An unsatisfiable Before/After constraint set is reported as
// an error rather than panicking, so component startup (spec.md §4.6)
// can fail cleanly.
func Build(behaviors []Registered) (*Pipeline, error) {
	entries := make([]entry, 0, len(behaviors))
	for i, b := range behaviors {
		if b.ID == "" {
			return nil, fmt.Errorf("pipeline: behavior at index %d has no ID", i)
		}
		entries = append(entries, entry{id: b.ID, placement: b.Placement, behavior: b.Behavior, seq: i})
	}
	ordered, err := resolve(entries)
	if err != nil {
		return nil, err
	}
	return &Pipeline{ordered: ordered}, nil
}

// Execute runs ctx through the resolved chain, terminating in handler.
func (p *Pipeline) Execute(ctx *Context, handler Next) (interface{}, error) {
	return p.run(0, ctx, handler)
}

func (p *Pipeline) run(i int, ctx *Context, handler Next) (interface{}, error) {
	if i >= len(p.ordered) {
		if handler == nil {
			return nil, errNoNext
		}
		return handler(ctx)
	}
	b := p.ordered[i].behavior
	return b(ctx, func(c *Context) (interface{}, error) {
		return p.run(i+1, c, handler)
	})
}

// Len reports how many behaviors the resolved chain holds, mainly for
// diagnostics and tests.
func (p *Pipeline) Len() int { return len(p.ordered) }

// IDs returns the resolved execution order's behavior IDs.
func (p *Pipeline) IDs() []string {
	ids := make([]string, len(p.ordered))
	for i, e := range p.ordered {
		ids[i] = e.id
	}
	return ids
}
