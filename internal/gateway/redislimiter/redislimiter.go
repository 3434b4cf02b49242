// Package redislimiter implements gateway.Limiter backed by Redis,
// for gateway deployments running more than one process that need a
// shared token-bucket view per client. Config mirrors the retry/
// connect-timeout shape dmitrymomot-foundation's redis integration
// package documents for its client wrapper.
package redislimiter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/relaygrid/core/internal/gateway"
)

// Config configures the Redis connection backing the limiter.
type Config struct {
	ConnectionURL  string
	RetryAttempts  int
	RetryInterval  time.Duration
	ConnectTimeout time.Duration
}

func (c Config) retryAttempts() int {
	if c.RetryAttempts > 0 {
		return c.RetryAttempts
	}
	return 3
}

func (c Config) retryInterval() time.Duration {
	if c.RetryInterval > 0 {
		return c.RetryInterval
	}
	return 5 * time.Second
}

func (c Config) connectTimeout() time.Duration {
	if c.ConnectTimeout > 0 {
		return c.ConnectTimeout
	}
	return 30 * time.Second
}

var ErrEmptyConnectionURL = errors.New("empty redis connection URL")

// tokenBucketScript atomically refills and consumes a token bucket
// stored as a Redis hash: {tokens, last_refill} (last_refill in
// milliseconds). KEYS[1] is the
// bucket key; ARGV is capacity, refill-per-second, now-ms.
const tokenBucketScript = `
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local data = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  last = now
end

local elapsed = math.max(0, now - last) / 1000
tokens = math.min(capacity, tokens + elapsed * refill)

local admitted = 0
if tokens >= 1 then
  tokens = tokens - 1
  admitted = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", now)
redis.call("PEXPIRE", key, 600000)

return {admitted, tostring(tokens)}
`

// Limiter is a Redis-backed gateway.Limiter.
type Limiter struct {
	client *redis.Client
	script *redis.Script
}

// Connect dials Redis, retrying up to Config.RetryAttempts times with
// Config.RetryInterval between attempts, and returns a ready Limiter.
func Connect(ctx context.Context, cfg Config) (*Limiter, error) {
	if cfg.ConnectionURL == "" {
		return nil, ErrEmptyConnectionURL
	}

	opts, err := redis.ParseURL(cfg.ConnectionURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis connection url: %w", err)
	}

	client := redis.NewClient(opts)

	connectCtx, cancel := context.WithTimeout(ctx, cfg.connectTimeout())
	defer cancel()

	var lastErr error
	for attempt := 0; attempt < cfg.retryAttempts(); attempt++ {
		if err := client.Ping(connectCtx).Err(); err == nil {
			lastErr = nil
			break
		} else {
			lastErr = err
		}
		select {
		case <-time.After(cfg.retryInterval()):
		case <-connectCtx.Done():
			return nil, fmt.Errorf("redis did not become ready within the given time period: %w", connectCtx.Err())
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("redis did not become ready within the given time period: %w", lastErr)
	}

	return &Limiter{client: client, script: redis.NewScript(tokenBucketScript)}, nil
}

// Allow implements gateway.Limiter.
func (l *Limiter) Allow(ctx context.Context, clientKey string, cfg gateway.RateLimitConfig) (gateway.Decision, error) {
	if cfg.Capacity <= 0 || cfg.RefillPerSec <= 0 {
		return gateway.Decision{Admitted: true}, nil
	}

	key := "gateway:ratelimit:" + clientKey
	now := time.Now().UnixMilli()

	res, err := l.script.Run(ctx, l.client, []string{key}, cfg.Capacity, cfg.RefillPerSec, now).Result()
	if err != nil {
		return gateway.Decision{}, fmt.Errorf("running token bucket script: %w", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 2 {
		return gateway.Decision{}, fmt.Errorf("unexpected token bucket script result: %v", res)
	}

	admitted, _ := values[0].(int64)
	if admitted == 1 {
		return gateway.Decision{Admitted: true}, nil
	}

	deficit := 1.0
	if tokens, ok := parseFloat(values[1]); ok {
		deficit = 1 - tokens
	}
	retryAfter := time.Duration(deficit/cfg.RefillPerSec*float64(time.Second)) + time.Second
	return gateway.Decision{Admitted: false, RetryAfter: retryAfter}, nil
}

func parseFloat(v interface{}) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return 0, false
	}
	var f float64
	if _, err := fmt.Sscanf(s, "%g", &f); err != nil {
		return 0, false
	}
	return f, true
}

// Healthcheck reports whether the Redis connection is alive.
func (l *Limiter) Healthcheck(ctx context.Context) error {
	if err := l.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis healthcheck failed: %w", err)
	}
	return nil
}

// Close releases the underlying Redis client.
func (l *Limiter) Close() error {
	return l.client.Close()
}
