// Package bus implements the in-process CQRS message bus (spec.md
// §4.1): Send delivers a command to its single handler, Publish fans an
// event out to every subscriber with isolated per-handler failures,
// Query resolves (and optionally caches) a typed result, and Subscribe
// registers a handler for any of the three. It wires together the
// registry, pipeline, correlator, dead-letter queue, flow controller,
// and query cache packages the way the teacher's broker.Service wires
// its own topic/pipe/connection tables together.
package bus

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/correlator"
	"github.com/relaygrid/core/internal/deadletter"
	"github.com/relaygrid/core/internal/envelope"
	"github.com/relaygrid/core/internal/flowcontrol"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/metrics"
	"github.com/relaygrid/core/internal/pipeline"
	"github.com/relaygrid/core/internal/querycache"
	"github.com/relaygrid/core/internal/registry"
	"github.com/relaygrid/core/internal/security"
)

// Config configures a Bus.
type Config struct {
	Log            *logging.Logger
	Metrics        metrics.Collector
	DefaultTimeout time.Duration

	// Behaviors are cross-cutting pipeline behaviors run around every
	// Send/Publish/Query dispatch, in addition to the bus's own built-in
	// validation/expiry/correlation/security behaviors. See
	// internal/pipeline's standard behaviors for ready-made ones.
	Behaviors []pipeline.Registered

	FlowControl flowcontrol.Config

	// DeadLetterCapacity bounds the dead-letter queue (0 = default).
	DeadLetterCapacity int

	// QueryCacheMaxCost bounds the query cache (0 = default).
	QueryCacheMaxCost int64

	CorrelatorShards int
}

// Bus is the in-process message bus.
type Bus struct {
	registry   *registry.Registry
	pipeline   *pipeline.Pipeline
	correlator *correlator.Correlator
	deadLetter *deadletter.Queue
	flow       *flowcontrol.Controller
	cache      *querycache.Cache

	log            *logging.Logger
	metrics        metrics.Collector
	defaultTimeout time.Duration
}

// New builds a Bus from cfg, resolving the cross-cutting pipeline up
// front so a placement conflict fails at construction rather than on
// the first message.
func New(cfg Config) (*Bus, error) {
	log := cfg.Log
	if log == nil {
		log = logging.New("bus", false)
	}
	mcol := cfg.Metrics
	if mcol == nil {
		mcol = metrics.Noop{}
	}

	behaviors := append([]pipeline.Registered{
		{ID: "security", Placement: pipeline.AtStage(pipeline.StageAuthentication, 0), Behavior: pipeline.SecurityPropagationBehavior()},
		{ID: "validation", Placement: pipeline.AtStage(pipeline.StageValidation, 0), Behavior: pipeline.ValidationBehavior()},
		{ID: "expiry", Placement: pipeline.AtStage(pipeline.StageValidation, 1), Behavior: pipeline.ExpiryBehavior()},
		{ID: "correlation", Placement: pipeline.AtStage(pipeline.StagePreProcessing, 0), Behavior: pipeline.CorrelationPropagationBehavior()},
		{ID: "tracing", Placement: pipeline.AtStage(pipeline.StageTelemetry, 0), Behavior: pipeline.TracingBehavior("github.com/relaygrid/core/bus")},
		{ID: "logging", Placement: pipeline.AtStage(pipeline.StageTelemetry, 1), Behavior: pipeline.LoggingBehavior(log)},
		{ID: "metrics", Placement: pipeline.AtStage(pipeline.StageTelemetry, 2), Behavior: pipeline.MetricsBehavior(mcol)},
	}, cfg.Behaviors...)

	p, err := pipeline.Build(behaviors)
	if err != nil {
		return nil, fmt.Errorf("bus: resolving pipeline: %w", err)
	}

	cache, err := querycache.New(cfg.QueryCacheMaxCost)
	if err != nil {
		return nil, fmt.Errorf("bus: building query cache: %w", err)
	}

	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	b := &Bus{
		registry:       registry.New(log),
		pipeline:       p,
		correlator:     correlator.New(cfg.CorrelatorShards),
		deadLetter:     deadletter.New(cfg.DeadLetterCapacity),
		flow:           flowcontrol.New(cfg.FlowControl),
		cache:          cache,
		log:            log,
		metrics:        mcol,
		defaultTimeout: timeout,
	}
	b.correlator.StartSweeper(sweepInterval(timeout))
	return b, nil
}

func sweepInterval(timeout time.Duration) time.Duration {
	interval := timeout / 2
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	return interval
}

// Close stops the bus's background goroutines (correlator sweeper,
// query cache).
func (b *Bus) Close() {
	b.correlator.Stop()
	b.cache.Close()
}

// Registry exposes the underlying handler registry for advanced
// callers (e.g. wiring the handlers a component contributes, as returned
// by component.Runtime.Start).
func (b *Bus) Registry() *registry.Registry { return b.registry }

// DeadLetters exposes the dead-letter queue.
func (b *Bus) DeadLetters() *deadletter.Queue { return b.deadLetter }

// Subscribe registers reg and returns a disposable Subscription.
func (b *Bus) Subscribe(reg registry.Registration) *registry.Subscription {
	return b.registry.Register(reg)
}

// Send dispatches a Command envelope to its single handler.
func (b *Bus) Send(ctx context.Context, env *envelope.Envelope, sec security.Context) (interface{}, error) {
	return b.dispatchSingle(ctx, env, sec)
}

// Query dispatches a Query envelope to its single handler, consulting
// (and, on a miss, populating) the query cache when the envelope names
// a CacheKey and CacheDuration.
func (b *Bus) Query(ctx context.Context, env *envelope.Envelope, sec security.Context) (interface{}, error) {
	if env.CacheKey != "" && env.CacheDuration > 0 {
		if cached, ok := b.cache.Get(env.MessageType, env.CacheKey); ok {
			return cached, nil
		}
	}

	resp, err := b.dispatchSingle(ctx, env, sec)
	if err != nil {
		return nil, err
	}
	if env.CacheKey != "" && env.CacheDuration > 0 {
		b.cache.Set(env.MessageType, env.CacheKey, resp, env.CacheDuration)
	}
	return resp, nil
}

func (b *Bus) dispatchSingle(ctx context.Context, env *envelope.Envelope, sec security.Context) (interface{}, error) {
	if err := b.flow.Admit(ctx, env.Priority, env.NonBlocking); err != nil {
		return nil, err
	}
	defer b.flow.Release()

	pctx := pipeline.NewContext(ctx, env, sec)
	resp, err := b.pipeline.Execute(pctx, func(c *pipeline.Context) (interface{}, error) {
		return b.invokeSingle(c)
	})
	if err != nil {
		b.deadLetterOnFailure(env, err)
	}
	return resp, err
}

func (b *Bus) invokeSingle(ctx *pipeline.Context) (interface{}, error) {
	reg, ok := b.registry.Lookup(ctx.Envelope.Kind, ctx.Envelope.MessageType)
	if !ok {
		return nil, buserr.New(buserr.NoHandler, "no handler registered for "+string(ctx.Envelope.Kind)+" "+ctx.Envelope.MessageType)
	}
	return invokeWithPolicy(ctx, reg)
}

// invokeWithPolicy applies a registration's own timeout/retry
// configuration around a direct handler call, independent of the bus's
// shared pipeline (which already ran the cross-cutting behaviors).
func invokeWithPolicy(ctx *pipeline.Context, reg *registry.Registration) (interface{}, error) {
	call := func() (interface{}, error) {
		return reg.Handler(ctx.Go, ctx.Envelope)
	}

	if reg.Timeout > 0 {
		call = withTimeout(ctx, call, time.Duration(reg.Timeout))
	}
	if reg.Retry != nil && reg.Retry.MaxAttempts > 1 {
		return withRetry(ctx, call, reg.Retry)
	}
	resp, err := call()
	if err != nil {
		return nil, buserr.Wrap(buserr.HandlerError, "handler returned an error", err)
	}
	return resp, nil
}

func withTimeout(ctx *pipeline.Context, call func() (interface{}, error), d time.Duration) func() (interface{}, error) {
	return func() (interface{}, error) {
		goCtx, cancel := context.WithTimeout(ctx.Go, d)
		defer cancel()

		type result struct {
			resp interface{}
			err  error
		}
		done := make(chan result, 1)
		go func() {
			resp, err := call()
			done <- result{resp, err}
		}()

		select {
		case r := <-done:
			return r.resp, r.err
		case <-goCtx.Done():
			return nil, buserr.Wrap(buserr.Timeout, "handler exceeded timeout", goCtx.Err())
		}
	}
}

func withRetry(ctx *pipeline.Context, call func() (interface{}, error), retry *registry.Retry) (interface{}, error) {
	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		resp, err := call()
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if retry.NonRetryableErrors != nil && retry.NonRetryableErrors[errKey(err)] {
			break
		}
		if attempt == retry.MaxAttempts-1 {
			break
		}
		delay := backoffDelay(retry, attempt)
		select {
		case <-time.After(delay):
		case <-ctx.Go.Done():
			return nil, ctx.Go.Err()
		}
	}
	return nil, buserr.Wrap(buserr.HandlerError, "handler failed after retries", lastErr)
}

func errKey(err error) string {
	var be *buserr.Error
	if e, ok := err.(*buserr.Error); ok {
		be = e
	}
	if be != nil {
		return string(be.Kind)
	}
	return err.Error()
}

func backoffDelay(retry *registry.Retry, attempt int) time.Duration {
	base := time.Duration(retry.BaseDelay)
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	max := time.Duration(retry.MaxDelay)

	var d time.Duration
	switch retry.Strategy {
	case "linear":
		d = base * time.Duration(attempt+1)
	case "exponential":
		d = base << attempt
	default:
		d = base
	}
	if max > 0 && d > max {
		d = max
	}
	return jitter(d)
}

// jitter applies +/-25% jitter so retrying handlers across many
// concurrent callers don't all wake up on the same tick.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return d
	}
	spread := float64(d) * 0.25
	offset := (rand.Float64()*2 - 1) * spread
	return d + time.Duration(offset)
}

func (b *Bus) deadLetterOnFailure(env *envelope.Envelope, err error) {
	var be *buserr.Error
	if e, ok := err.(*buserr.Error); ok {
		be = e
	}
	if be == nil {
		b.deadLetter.Enqueue(env, deadletter.ReasonRejected, err.Error())
		return
	}
	switch be.Kind {
	case buserr.NoHandler:
		b.deadLetter.Enqueue(env, deadletter.ReasonNoHandler, be.Message)
	case buserr.Expired:
		b.deadLetter.Enqueue(env, deadletter.ReasonExpired, be.Message)
	case buserr.Timeout:
		b.deadLetter.Enqueue(env, deadletter.ReasonTimeout, be.Message)
	case buserr.HandlerError:
		b.deadLetter.Enqueue(env, deadletter.ReasonRetryExhausted, be.Message)
	case buserr.Rejected:
		b.deadLetter.Enqueue(env, deadletter.ReasonRejected, be.Message)
	}
}
