package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/relaygrid/core/internal/buserr"
	"github.com/relaygrid/core/internal/logging"
	"github.com/relaygrid/core/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationBehaviorRejectsInvalidEnvelope(t *testing.T) {
	env := testEnvelope()
	env.MessageType = ""
	ctx := NewContext(context.Background(), env, nil)

	_, err := ValidationBehavior()(ctx, func(*Context) (interface{}, error) { return "ok", nil })
	require.Error(t, err)
	assert.True(t, ctx.Failed)
}

func TestExpiryBehaviorRejectsExpired(t *testing.T) {
	env := testEnvelope()
	env.Timestamp = time.Now().Add(-time.Hour)
	env.TTL = time.Minute
	ctx := NewContext(context.Background(), env, nil)

	_, err := ExpiryBehavior()(ctx, func(*Context) (interface{}, error) { return "ok", nil })
	require.Error(t, err)
	var buErr *buserr.Error
	require.ErrorAs(t, err, &buErr)
	assert.Equal(t, buserr.Expired, buErr.Kind)
}

func TestRetryBehaviorRetriesRetryableErrors(t *testing.T) {
	attempts := 0
	next := func(*Context) (interface{}, error) {
		attempts++
		if attempts < 3 {
			return nil, buserr.New(buserr.Timeout, "slow")
		}
		return "done", nil
	}

	ctx := NewContext(context.Background(), testEnvelope(), nil)
	resp, err := RetryBehavior(5, time.Millisecond)(ctx, next)
	require.NoError(t, err)
	assert.Equal(t, "done", resp)
	assert.Equal(t, 3, attempts)
}

func TestRetryBehaviorStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	next := func(*Context) (interface{}, error) {
		attempts++
		return nil, buserr.New(buserr.Rejected, "nope")
	}

	ctx := NewContext(context.Background(), testEnvelope(), nil)
	_, err := RetryBehavior(5, time.Millisecond)(ctx, next)
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestSecurityPropagationRejectsNilContext(t *testing.T) {
	ctx := NewContext(context.Background(), testEnvelope(), nil)
	ctx.Security = nil

	_, err := SecurityPropagationBehavior()(ctx, func(*Context) (interface{}, error) { return "ok", nil })
	assert.Error(t, err)
}

func TestCorrelationPropagationDefaultsToEnvelopeID(t *testing.T) {
	env := testEnvelope()
	ctx := NewContext(context.Background(), env, nil)
	ctx.CorrelationID = ""

	_, _ = CorrelationPropagationBehavior()(ctx, func(*Context) (interface{}, error) { return nil, nil })
	assert.Equal(t, env.ID, ctx.CorrelationID)
}

func TestMetricsBehaviorRecords(t *testing.T) {
	collector := metrics.Noop{}
	ctx := NewContext(context.Background(), testEnvelope(), nil)

	resp, err := MetricsBehavior(collector)(ctx, func(*Context) (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	assert.Equal(t, "ok", resp)
}

func TestLoggingBehaviorPassesThrough(t *testing.T) {
	log := logging.New("test", true)
	ctx := NewContext(context.Background(), testEnvelope(), nil)

	resp, err := LoggingBehavior(log)(ctx, func(*Context) (interface{}, error) { return "ok", errors.New("boom") })
	assert.Error(t, err)
	assert.Equal(t, "ok", resp)
}
