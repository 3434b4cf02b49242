package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterAdmitsWithinCapacity(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	defer l.Close()

	cfg := RateLimitConfig{Capacity: 2, RefillPerSec: 1}
	d1, err := l.Allow(context.Background(), "client-a", cfg)
	require.NoError(t, err)
	assert.True(t, d1.Admitted)

	d2, err := l.Allow(context.Background(), "client-a", cfg)
	require.NoError(t, err)
	assert.True(t, d2.Admitted)

	d3, err := l.Allow(context.Background(), "client-a", cfg)
	require.NoError(t, err)
	assert.False(t, d3.Admitted)
	assert.Greater(t, d3.RetryAfter, time.Duration(0))
}

func TestMemoryLimiterRefillsOverTime(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	defer l.Close()

	cfg := RateLimitConfig{Capacity: 1, RefillPerSec: 20}
	d1, err := l.Allow(context.Background(), "client-b", cfg)
	require.NoError(t, err)
	assert.True(t, d1.Admitted)

	time.Sleep(100 * time.Millisecond)

	d2, err := l.Allow(context.Background(), "client-b", cfg)
	require.NoError(t, err)
	assert.True(t, d2.Admitted)
}

func TestMemoryLimiterUnboundedWhenUnconfigured(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	defer l.Close()

	d, err := l.Allow(context.Background(), "client-c", RateLimitConfig{})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestMemoryLimiterIsolatesClients(t *testing.T) {
	l := NewMemoryLimiter(time.Minute)
	defer l.Close()

	cfg := RateLimitConfig{Capacity: 1, RefillPerSec: 1}
	_, err := l.Allow(context.Background(), "client-d", cfg)
	require.NoError(t, err)

	d, err := l.Allow(context.Background(), "client-e", cfg)
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}
