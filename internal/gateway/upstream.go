package gateway

import (
	"hash/fnv"
	"math/rand"
	"sync/atomic"
)

// Strategy selects which healthy upstream serves a given request.
type Strategy string

const (
	RoundRobin         Strategy = "round_robin"
	LeastConnections   Strategy = "least_connections"
	Random             Strategy = "random"
	IpHash             Strategy = "ip_hash"
	WeightedRoundRobin Strategy = "weighted_round_robin"
)

// Upstream is one backend a route can forward to.
type Upstream struct {
	URL    string
	Weight int

	active  atomic.Int64
	healthy atomic.Bool

	consecutiveOK   atomic.Int32
	consecutiveFail atomic.Int32
}

func newUpstreamState(u Upstream) *Upstream {
	up := &Upstream{URL: u.URL, Weight: u.Weight}
	up.healthy.Store(true)
	if up.Weight <= 0 {
		up.Weight = 1
	}
	return up
}

func (u *Upstream) isHealthy() bool { return u.healthy.Load() }

// balancer selects among a route's upstream states according to a
// Strategy. One balancer is built per route at startup.
type balancer struct {
	strategy  Strategy
	upstreams []*Upstream
	rrIndex   atomic.Uint64
	weighted  []*Upstream
}

func newBalancer(strategy Strategy, upstreams []*Upstream) *balancer {
	b := &balancer{strategy: strategy, upstreams: upstreams}
	if strategy == WeightedRoundRobin {
		for _, u := range upstreams {
			for i := 0; i < u.Weight; i++ {
				b.weighted = append(b.weighted, u)
			}
		}
	}
	return b
}

func (b *balancer) healthySet() []*Upstream {
	var healthy []*Upstream
	for _, u := range b.upstreams {
		if u.isHealthy() {
			healthy = append(healthy, u)
		}
	}
	return healthy
}

// choose picks an upstream for the given client identity (used by
// IpHash for sticky sessions). Returns nil if no upstream is healthy.
func (b *balancer) choose(clientIdentity string) *Upstream {
	switch b.strategy {
	case LeastConnections:
		return b.chooseLeastConnections()
	case Random:
		healthy := b.healthySet()
		if len(healthy) == 0 {
			return nil
		}
		return healthy[rand.Intn(len(healthy))]
	case IpHash:
		healthy := b.healthySet()
		if len(healthy) == 0 {
			return nil
		}
		h := fnv.New32a()
		_, _ = h.Write([]byte(clientIdentity))
		return healthy[int(h.Sum32())%len(healthy)]
	case WeightedRoundRobin:
		return b.chooseWeighted()
	default: // RoundRobin
		return b.chooseRoundRobin()
	}
}

func (b *balancer) chooseRoundRobin() *Upstream {
	healthy := b.healthySet()
	if len(healthy) == 0 {
		return nil
	}
	idx := b.rrIndex.Add(1) - 1
	return healthy[idx%uint64(len(healthy))]
}

func (b *balancer) chooseWeighted() *Upstream {
	for i := 0; i < len(b.weighted); i++ {
		idx := b.rrIndex.Add(1) - 1
		candidate := b.weighted[idx%uint64(len(b.weighted))]
		if candidate.isHealthy() {
			return candidate
		}
	}
	return nil
}

func (b *balancer) chooseLeastConnections() *Upstream {
	var best *Upstream
	for _, u := range b.upstreams {
		if !u.isHealthy() {
			continue
		}
		if best == nil || u.active.Load() < best.active.Load() {
			best = u
		}
	}
	return best
}
