package bus

import (
	"context"
	"strconv"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/deadletter"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/pipeline"
	"github.com/relaygrid/core/internal/registry"
	"github.com/relaygrid/core/internal/security"
)

// Publish dispatches an Event envelope to every matching subscriber.
// Each handler's failure is isolated: one handler erroring never
// prevents the others from running, and never fails Publish itself —
// a failing subscriber is that subscriber's problem, not the
// publisher's. Every failure is dead-lettered individually (keyed by a
// label naming the event type and the handler's position in the
// fan-out) and counted via the event_publish_partial_failure_total
// counter. Publish returns an error only when flow control does not
// admit the envelope, a pipeline behavior rejects it (e.g. validation
// or expiry), or there was no subscriber to dispatch to at all.
func (b *Bus) Publish(ctx context.Context, env *envelope.Envelope, sec security.Context) error {
	if err := b.flow.Admit(ctx, env.Priority, env.NonBlocking); err != nil {
		return err
	}
	defer b.flow.Release()

	pctx := pipeline.NewContext(ctx, env, sec)
	_, err := b.pipeline.Execute(pctx, func(c *pipeline.Context) (interface{}, error) {
		return nil, b.fanOut(c)
	})
	if err != nil {
		b.deadLetterOnFailure(env, err)
	}
	return err
}

func (b *Bus) fanOut(ctx *pipeline.Context) error {
	regs := b.registry.LookupEvent(ctx.Envelope.MessageType, ctx.Envelope)
	if len(regs) == 0 {
		return buserr.New(buserr.NoHandler, "no subscribers for event "+ctx.Envelope.MessageType)
	}

	type outcome struct {
		label string
		err   error
	}
	results := make(chan outcome, len(regs))

	for i, reg := range regs {
		go func(i int, reg *registry.Registration) {
			_, err := invokeWithPolicy(ctx, reg)
			results <- outcome{label: handlerLabel(i, reg), err: err}
		}(i, reg)
	}

	failures := make(map[string]error)
	for range regs {
		o := <-results
		if o.err != nil {
			failures[o.label] = o.err
		}
	}
	if len(failures) == 0 {
		return nil
	}

	b.metrics.IncCounter("event_publish_partial_failure_total", map[string]string{
		"type": ctx.Envelope.MessageType,
	})
	for label, herr := range failures {
		b.deadLetterHandlerFailure(ctx.Envelope, label, herr)
	}
	return nil
}

// deadLetterHandlerFailure dead-letters a single subscriber's failure
// from a Publish fan-out, independent of Publish's own return value.
func (b *Bus) deadLetterHandlerFailure(env *envelope.Envelope, label string, err error) {
	b.deadLetter.Enqueue(env, deadletter.ReasonHandlerError, label+": "+err.Error())
}

func handlerLabel(i int, reg *registry.Registration) string {
	return reg.Type + "#" + strconv.Itoa(i)
}
