package pipeline

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/relaygrid/core/internal/envelope"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recordBehavior(name string, order *[]string) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		*order = append(*order, name)
		return next(ctx)
	}
}

func testEnvelope() *envelope.Envelope {
	return &envelope.Envelope{
		ID:          "env-1",
		Kind:        envelope.Command,
		MessageType: "DoThing",
		Timestamp:   time.Now(),
		Payload:     json.RawMessage(`{}`),
	}
}

func TestFirstAndLastArePinned(t *testing.T) {
	var order []string
	behaviors := []Registered{
		{ID: "mid", Placement: Default(), Behavior: recordBehavior("mid", &order)},
		{ID: "last", Placement: Last(), Behavior: recordBehavior("last", &order)},
		{ID: "first", Placement: First(), Behavior: recordBehavior("first", &order)},
	}
	p, err := Build(behaviors)
	require.NoError(t, err)

	_, err = p.Execute(NewContext(context.Background(), testEnvelope(), nil), func(*Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "mid", "last"}, order)
}

func TestBeforeAfterOrdering(t *testing.T) {
	var order []string
	behaviors := []Registered{
		{ID: "a", Placement: Default(), Behavior: recordBehavior("a", &order)},
		{ID: "b", Placement: Before("a"), Behavior: recordBehavior("b", &order)},
		{ID: "c", Placement: After("a"), Behavior: recordBehavior("c", &order)},
	}
	p, err := Build(behaviors)
	require.NoError(t, err)

	_, err = p.Execute(NewContext(context.Background(), testEnvelope(), nil), func(*Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a", "c"}, order)
}

func TestAtStageOrdersAcrossStages(t *testing.T) {
	var order []string
	behaviors := []Registered{
		{ID: "proc", Placement: AtStage(StageProcessing, 0), Behavior: recordBehavior("proc", &order)},
		{ID: "auth", Placement: AtStage(StageAuthentication, 0), Behavior: recordBehavior("auth", &order)},
		{ID: "valid", Placement: AtStage(StageValidation, 0), Behavior: recordBehavior("valid", &order)},
	}
	p, err := Build(behaviors)
	require.NoError(t, err)

	_, err = p.Execute(NewContext(context.Background(), testEnvelope(), nil), func(*Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"auth", "valid", "proc"}, order)
}

func TestCycleDetection(t *testing.T) {
	behaviors := []Registered{
		{ID: "a", Placement: Before("b"), Behavior: recordBehavior("a", &[]string{})},
		{ID: "b", Placement: Before("a"), Behavior: recordBehavior("b", &[]string{})},
	}
	_, err := Build(behaviors)
	assert.Error(t, err)
}

func TestOrderedBreaksTies(t *testing.T) {
	var order []string
	behaviors := []Registered{
		{ID: "x", Placement: Ordered(10), Behavior: recordBehavior("x", &order)},
		{ID: "y", Placement: Ordered(1), Behavior: recordBehavior("y", &order)},
	}
	p, err := Build(behaviors)
	require.NoError(t, err)

	_, err = p.Execute(NewContext(context.Background(), testEnvelope(), nil), func(*Context) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"y", "x"}, order)
}
