package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/metrics"
)

func contextWithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, d)
}

// LoggingBehavior logs entry/exit of every envelope at Debug level and
// failures at Error level, in the teacher's terse prefixed-line style.
func LoggingBehavior(log *logging.Logger) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		log.Debug("-> %s %s (correlation=%s)", ctx.Envelope.Kind, ctx.Envelope.MessageType, ctx.CorrelationID)
		resp, err := next(ctx)
		if err != nil {
			log.Error("<- %s %s failed: %v", ctx.Envelope.Kind, ctx.Envelope.MessageType, err)
		} else {
			log.Debug("<- %s %s ok", ctx.Envelope.Kind, ctx.Envelope.MessageType)
		}
		return resp, err
	}
}

// MetricsBehavior records a counter and a duration histogram per
// message type/kind/outcome.
func MetricsBehavior(collector metrics.Collector) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		start := time.Now()
		resp, err := next(ctx)
		labels := map[string]string{
			"type": ctx.Envelope.MessageType,
			"kind": string(ctx.Envelope.Kind),
		}
		if err != nil {
			labels["outcome"] = "error"
		} else {
			labels["outcome"] = "ok"
		}
		collector.IncCounter("bus_messages_total", labels)
		collector.ObserveDuration("bus_message_duration_seconds", labels, time.Since(start))
		return resp, err
	}
}

// TracingBehavior opens one span per dispatch named after the
// envelope's kind and message type, tagging it with the correlation id
// and recording the outcome. tracerName identifies this bus instance's
// tracer (e.g. the host application's module path).
func TracingBehavior(tracerName string) Behavior {
	tracer := otel.Tracer(tracerName)
	return func(ctx *Context, next Next) (interface{}, error) {
		spanName := string(ctx.Envelope.Kind) + " " + ctx.Envelope.MessageType
		goCtx, span := tracer.Start(ctx.Go, spanName, trace.WithAttributes(
			attribute.String("messaging.message_type", ctx.Envelope.MessageType),
			attribute.String("messaging.correlation_id", ctx.CorrelationID),
		))
		defer span.End()

		child := *ctx
		child.Go = goCtx
		resp, err := next(&child)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		return resp, err
	}
}

// ValidationBehavior rejects envelopes that fail structural validation
// before they reach a handler.
func ValidationBehavior() Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if err := ctx.Envelope.Validate(); err != nil {
			wrapped := buserr.Wrap(buserr.Rejected, "envelope failed validation", err)
			ctx.Fail(wrapped)
			return nil, wrapped
		}
		return next(ctx)
	}
}

// ExpiryBehavior short-circuits envelopes whose TTL has already elapsed.
func ExpiryBehavior() Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if ctx.Envelope.IsExpired() {
			err := buserr.New(buserr.Expired, fmt.Sprintf("envelope %s expired before dispatch", ctx.Envelope.ID))
			ctx.Fail(err)
			return nil, err
		}
		return next(ctx)
	}
}

// TimeoutBehavior bounds the remainder of the chain to d. It relies on
// the terminal handler observing ctx.Go's deadline; it does not abandon
// a running goroutine, it only stops waiting on it.
func TimeoutBehavior(d time.Duration) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if d <= 0 {
			return next(ctx)
		}
		goCtx, cancel := contextWithTimeout(ctx.Go, d)
		defer cancel()
		child := *ctx
		child.Go = goCtx

		type result struct {
			resp interface{}
			err  error
		}
		done := make(chan result, 1)
		go func() {
			resp, err := next(&child)
			done <- result{resp, err}
		}()

		select {
		case r := <-done:
			return r.resp, r.err
		case <-goCtx.Done():
			err := buserr.Wrap(buserr.Timeout, "behavior chain exceeded timeout", goCtx.Err())
			ctx.Fail(err)
			return nil, err
		}
	}
}

// RetryBehavior re-invokes the remainder of the chain up to maxAttempts
// times (including the first), honoring buserr's Retryable() classification.
func RetryBehavior(maxAttempts int, baseDelay time.Duration) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		var lastErr error
		for attempt := 0; attempt < maxAttempts; attempt++ {
			ctx.RetryCount = attempt
			resp, err := next(ctx)
			if err == nil {
				return resp, nil
			}
			lastErr = err
			if !buserr.IsRetryable(err) || attempt == maxAttempts-1 {
				break
			}
			delay := baseDelay * time.Duration(attempt+1)
			select {
			case <-time.After(delay):
			case <-ctx.Go.Done():
				return nil, ctx.Go.Err()
			}
		}
		ctx.Fail(lastErr)
		return nil, lastErr
	}
}

// SecurityPropagationBehavior makes the ambient security.Context
// available to handlers that accept it via ctx.Security, and is a
// placement anchor (spec.md §4.2's Authentication stage) other
// behaviors can order themselves Before/After.
func SecurityPropagationBehavior() Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if ctx.Security == nil {
			return nil, buserr.New(buserr.Rejected, "no security context attached to envelope")
		}
		return next(ctx)
	}
}

// CorrelationPropagationBehavior ensures CorrelationID defaults to the
// envelope's own ID when the envelope did not specify one, so every
// downstream reply/hop can correlate back to this message.
func CorrelationPropagationBehavior() Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if ctx.CorrelationID == "" {
			ctx.CorrelationID = ctx.Envelope.ID
			ctx.Envelope.CorrelationID = ctx.Envelope.ID
		}
		return next(ctx)
	}
}
