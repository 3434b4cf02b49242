// Package querycache caches Query results keyed by (message type, cache
// key) for the duration an envelope's CacheDuration names (spec.md
// §4.1.1). Backed by github.com/dgraph-io/ristretto/v2, grounded on the
// teacher lineage's omni module, which uses ristretto as its in-memory
// hot-path cache ahead of slower storage.
package querycache

import (
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

// DefaultMaxCost bounds the cache's total accounted cost (one per
// entry, since query results are cached by reference rather than by
// measured byte size).
const DefaultMaxCost = 100_000

// Cache is a query-result cache. Entries with no CacheDuration (TTL<=0)
// are never stored; Get on a type/key pair that was never cached (or
// has expired/been evicted) reports a miss.
type Cache struct {
	ristretto *ristretto.Cache[string, interface{}]
}

// New builds a Cache with room for roughly maxCost entries.
func New(maxCost int64) (*Cache, error) {
	if maxCost <= 0 {
		maxCost = DefaultMaxCost
	}
	rc, err := ristretto.NewCache(&ristretto.Config[string, interface{}]{
		NumCounters: maxCost * 10,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{ristretto: rc}, nil
}

func cacheKey(messageType, key string) string {
	return messageType + "\x00" + key
}

// Set stores value for (messageType, key) until ttl elapses. A ttl<=0
// is a no-op, matching the "only cache when CacheDuration is set" rule.
func (c *Cache) Set(messageType, key string, value interface{}, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.ristretto.SetWithTTL(cacheKey(messageType, key), value, 1, ttl)
	c.ristretto.Wait()
}

// Get retrieves a cached value for (messageType, key).
func (c *Cache) Get(messageType, key string) (interface{}, bool) {
	return c.ristretto.Get(cacheKey(messageType, key))
}

// Invalidate removes a cached entry ahead of its TTL, e.g. after a
// command that's known to affect the query's result.
func (c *Cache) Invalidate(messageType, key string) {
	c.ristretto.Del(cacheKey(messageType, key))
}

// Close releases background goroutines owned by the underlying cache.
func (c *Cache) Close() {
	c.ristretto.Close()
}
