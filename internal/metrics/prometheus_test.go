package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaygrid/core/internal/metrics"
)

func TestIncCounterRegistersAndIncrements(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	col := metrics.NewPrometheus(reg)

	col.IncCounter("bus_dispatch_total", map[string]string{"kind": "command"})
	col.IncCounter("bus_dispatch_total", map[string]string{"kind": "command"})

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, mfs)

	var found bool
	for _, mf := range mfs {
		if mf.GetName() == "bus_dispatch_total" {
			found = true
			require.Len(t, mf.GetMetric(), 1)
			assert.Equal(t, float64(2), mf.GetMetric()[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found, "expected bus_dispatch_total to be registered")
}

func TestObserveDurationAndSetGauge(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	col := metrics.NewPrometheus(reg)

	col.ObserveDuration("handler_duration_seconds", nil, 250*time.Millisecond)
	col.SetGauge("inflight_messages", nil, 3)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := map[string]bool{}
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	assert.True(t, names["handler_duration_seconds"])
	assert.True(t, names["inflight_messages"])
}

func TestNoopDiscardsEverything(t *testing.T) {
	t.Parallel()

	var col metrics.Collector = metrics.Noop{}
	col.IncCounter("x", nil)
	col.ObserveDuration("y", nil, time.Second)
	col.SetGauge("z", nil, 1)
}
