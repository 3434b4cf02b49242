// Package metrics defines the narrow collector interface the core emits
// counters and histograms through (spec §1: "the core emits counters via a
// collector interface"), plus a github.com/prometheus/client_golang backed
// implementation grounded on Jeeves-Cluster-Organization's use of that
// library.
package metrics

import "time"

// Collector is the interface pipeline behaviors, the bus, and transports
// report through. A no-op Collector is always safe to pass.
type Collector interface {
	IncCounter(name string, labels map[string]string)
	ObserveDuration(name string, labels map[string]string, d time.Duration)
	SetGauge(name string, labels map[string]string, value float64)
}

// Noop discards everything. Used when no collector is configured.
type Noop struct{}

func (Noop) IncCounter(string, map[string]string)                     {}
func (Noop) ObserveDuration(string, map[string]string, time.Duration) {}
func (Noop) SetGauge(string, map[string]string, float64)              {}

