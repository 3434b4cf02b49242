package pipeline

import (
	"sync"
	"time"
)

// Then nests b inside a: a runs first, and its call to next runs b,
// whose own call to next continues the chain, i.e. ordinary sequential
// composition outside of Placement resolution. Useful for building a Registered's Behavior out
// of smaller pieces without registering each piece separately.
func Then(a, b Behavior) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		return a(ctx, func(c *Context) (interface{}, error) {
			return b(c, next)
		})
	}
}

// Map transforms a successful response without touching errors.
func Map(f func(interface{}) interface{}) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		resp, err := next(ctx)
		if err != nil {
			return resp, err
		}
		return f(resp), nil
	}
}

// Filter short-circuits the chain with ok's zero value when predicate
// returns false, never invoking next.
func Filter(predicate func(*Context) bool) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if !predicate(ctx) {
			return nil, nil
		}
		return next(ctx)
	}
}

// Branch runs onTrue or onFalse depending on predicate, instead of the
// remainder of the chain; whichever branch runs still receives next so
// it can continue the chain itself.
func Branch(predicate func(*Context) bool, onTrue, onFalse Behavior) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if predicate(ctx) {
			return onTrue(ctx, next)
		}
		return onFalse(ctx, next)
	}
}

// Parallel runs every behavior against an independent copy of ctx,
// concurrently, discarding their responses, and only then invokes next
// with the original ctx. The first error in argument order (if any) is
// returned and short-circuits next. Intended for fan-out side effects (e.g. notify several sinks)
// ahead of the real handler, not for producing the eventual response.
func Parallel(behaviors ...Behavior) Behavior {
	return func(ctx *Context, next Next) (interface{}, error) {
		if len(behaviors) == 0 {
			return next(ctx)
		}
		var wg sync.WaitGroup
		errs := make([]error, len(behaviors))
		for i, b := range behaviors {
			wg.Add(1)
			go func(i int, b Behavior) {
				defer wg.Done()
				child := *ctx
				_, err := b(&child, func(c *Context) (interface{}, error) { return nil, nil })
				errs[i] = err
			}(i, b)
		}
		wg.Wait()
		for _, err := range errs {
			if err != nil {
				ctx.Fail(err)
				return nil, err
			}
		}
		return next(ctx)
	}
}

// cacheEntry holds one memoized response.
type cacheEntry struct {
	resp    interface{}
	err     error
	expires time.Time
}

// Cache memoizes the chain's result per keyFunc(ctx) for ttl, bypassing
// next entirely on a hit. Intended for query-side behaviors; the bus's
// querycache package caches Bus.Query results per (query type, cache
// key), this covers cheap in-pipeline memoization (e.g. config lookups).
func Cache(ttl time.Duration, keyFunc func(*Context) string) Behavior {
	var mu sync.Mutex
	entries := make(map[string]cacheEntry)

	return func(ctx *Context, next Next) (interface{}, error) {
		key := keyFunc(ctx)
		now := time.Now()

		mu.Lock()
		if e, ok := entries[key]; ok && now.Before(e.expires) {
			mu.Unlock()
			return e.resp, e.err
		}
		mu.Unlock()

		resp, err := next(ctx)

		mu.Lock()
		entries[key] = cacheEntry{resp: resp, err: err, expires: now.Add(ttl)}
		mu.Unlock()

		return resp, err
	}
}
