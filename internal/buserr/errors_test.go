package buserr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/relaygrid/core/internal/buserr"
)

func TestErrorImplementsErrorInterface(t *testing.T) {
	t.Parallel()

	err := buserr.New(buserr.NoHandler, "no subscribers for event Foo")
	var _ error = err
	assert.Equal(t, "no_handler: no subscribers for event Foo", err.Error())
}

func TestWrapIncludesCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("dial tcp: refused")
	err := buserr.Wrap(buserr.WireError, "sending frame", cause)

	assert.Equal(t, "wire_error: sending frame: dial tcp: refused", err.Error())
	assert.ErrorIs(t, err, cause)
}

func TestIsMatchesOnKindAlone(t *testing.T) {
	t.Parallel()

	err := buserr.Wrap(buserr.Timeout, "handler exceeded timeout", errors.New("context deadline exceeded"))
	assert.ErrorIs(t, err, buserr.New(buserr.Timeout, ""))
	assert.False(t, errors.Is(err, buserr.New(buserr.Rejected, "")))
}

func TestRetryableByKind(t *testing.T) {
	t.Parallel()

	cases := []struct {
		kind      buserr.Kind
		retryable bool
	}{
		{buserr.Timeout, true},
		{buserr.WireError, true},
		{buserr.HandlerError, true},
		{buserr.Rejected, false},
		{buserr.Cancelled, false},
		{buserr.NoHandler, false},
	}
	for _, c := range cases {
		err := buserr.New(c.kind, "x")
		assert.Equal(t, c.retryable, err.Retryable(), "kind=%s", c.kind)
		assert.Equal(t, c.retryable, buserr.IsRetryable(err), "kind=%s", c.kind)
	}
}

func TestIsRetryableFalseForPlainError(t *testing.T) {
	t.Parallel()
	assert.False(t, buserr.IsRetryable(errors.New("plain")))
}

func TestCompositeAggregatesFailures(t *testing.T) {
	t.Parallel()

	c := &buserr.Composite{Failures: map[string]error{
		"handler[0]": errors.New("boom"),
		"handler[1]": errors.New("bang"),
	}}

	assert.Equal(t, "2 handler(s) failed", c.Error())
	assert.Len(t, c.Unwrap(), 2)
}
