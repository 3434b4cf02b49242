package registry

import (
	"context"
	"testing"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(context.Context, *envelope.Envelope) (interface{}, error) { return nil, nil }

func TestCommandLastRegistrationWins(t *testing.T) {
	r := New(nil)
	r.Register(Registration{Type: "AddTodo", Category: envelope.Command, Handler: noop})
	r.Register(Registration{Type: "AddTodo", Category: envelope.Command, Handler: noop})

	assert.Equal(t, 1, r.Size())
}

func TestEventFanoutOrderedByPriority(t *testing.T) {
	r := New(nil)
	var order []int
	h := func(n int) Handler {
		return func(context.Context, *envelope.Envelope) (interface{}, error) {
			order = append(order, n)
			return nil, nil
		}
	}
	r.Register(Registration{Type: "OrderPlaced", Category: envelope.Event, Handler: h(1), Priority: 0})
	r.Register(Registration{Type: "OrderPlaced", Category: envelope.Event, Handler: h(2), Priority: 5})
	r.Register(Registration{Type: "OrderPlaced", Category: envelope.Event, Handler: h(3), Priority: 5})

	regs := r.LookupEvent("OrderPlaced", nil)
	require.Len(t, regs, 3)
	for _, reg := range regs {
		_, _ = reg.Handler(context.Background(), nil)
	}
	assert.Equal(t, []int{2, 3, 1}, order)
}

func TestSubscribeDisposeRestoresSize(t *testing.T) {
	r := New(nil)
	before := r.Size()
	sub := r.Register(Registration{Type: "Ping", Category: envelope.Command, Handler: noop})
	assert.Equal(t, before+1, r.Size())
	sub.Dispose()
	assert.Equal(t, before, r.Size())
	sub.Dispose() // idempotent
	assert.Equal(t, before, r.Size())
}

func TestEventFilterExcludesNonMatching(t *testing.T) {
	r := New(nil)
	r.Register(Registration{
		Type:     "OrderPlaced",
		Category: envelope.Event,
		Handler:  noop,
		Filter:   func(e *envelope.Envelope) bool { return e.AggregateID == "only-this" },
	})

	env := &envelope.Envelope{AggregateID: "other"}
	assert.Empty(t, r.LookupEvent("OrderPlaced", env))

	env.AggregateID = "only-this"
	assert.Len(t, r.LookupEvent("OrderPlaced", env), 1)
}
