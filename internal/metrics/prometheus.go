package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus is a Collector backed by github.com/prometheus/client_golang.
// Metric vectors are created lazily per name since the bus, pipeline, and
// transports all report through the same narrow interface without a fixed
// metric catalogue.
type Prometheus struct {
	registry *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
}

// NewPrometheus builds a Collector registered against registry. Pass
// prometheus.NewRegistry() for an isolated registry, or
// prometheus.DefaultRegisterer's registry to expose via the default
// /metrics handler.
func NewPrometheus(registry *prometheus.Registry) *Prometheus {
	return &Prometheus{
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		histograms: make(map[string]*prometheus.HistogramVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
	}
}

func labelNames(labels map[string]string) []string {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names
}

func (p *Prometheus) counterVec(name string, labels map[string]string) *prometheus.CounterVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	cv, ok := p.counters[name]
	if !ok {
		cv = prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames(labels))
		p.registry.MustRegister(cv)
		p.counters[name] = cv
	}
	return cv
}

func (p *Prometheus) histogramVec(name string, labels map[string]string) *prometheus.HistogramVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	hv, ok := p.histograms[name]
	if !ok {
		hv = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name}, labelNames(labels))
		p.registry.MustRegister(hv)
		p.histograms[name] = hv
	}
	return hv
}

func (p *Prometheus) gaugeVec(name string, labels map[string]string) *prometheus.GaugeVec {
	p.mu.Lock()
	defer p.mu.Unlock()
	gv, ok := p.gauges[name]
	if !ok {
		gv = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames(labels))
		p.registry.MustRegister(gv)
		p.gauges[name] = gv
	}
	return gv
}

func (p *Prometheus) IncCounter(name string, labels map[string]string) {
	p.counterVec(name, labels).With(labels).Inc()
}

func (p *Prometheus) ObserveDuration(name string, labels map[string]string, d time.Duration) {
	p.histogramVec(name, labels).With(labels).Observe(d.Seconds())
}

func (p *Prometheus) SetGauge(name string, labels map[string]string, value float64) {
	p.gaugeVec(name, labels).With(labels).Set(value)
}
