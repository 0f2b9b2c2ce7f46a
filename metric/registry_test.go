package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryHasCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Core())
	require.NotNil(t, r.PrometheusRegistry())

	// Core metrics must be gatherable from the private registry.
	r.Core().CurrentMode.Set(2)
	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	found := false
	for _, fam := range families {
		if fam.GetName() == "labcoord_mode_current" {
			found = true
			assert.Equal(t, float64(2), fam.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found, "labcoord_mode_current should be registered")
}

func TestRegisterCounter(t *testing.T) {
	r := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test",
	})
	require.NoError(t, r.RegisterCounter("transport", "test_counter_total", counter))

	// Duplicate registration under the same key is rejected.
	err := r.RegisterCounter("transport", "test_counter_total", counter)
	assert.Error(t, err)
}

func TestRegisterPrometheusConflict(t *testing.T) {
	r := NewRegistry()

	a := prometheus.NewGauge(prometheus.GaugeOpts{Name: "conflict_gauge", Help: "test"})
	b := prometheus.NewGauge(prometheus.GaugeOpts{Name: "conflict_gauge", Help: "test"})

	require.NoError(t, r.RegisterGauge("one", "g", a))
	// Same metric name under a different key conflicts inside Prometheus.
	err := r.RegisterGauge("two", "g", b)
	assert.Error(t, err)
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{Name: "removable_gauge", Help: "test"})
	require.NoError(t, r.RegisterGauge("killswitch", "removable_gauge", gauge))

	assert.True(t, r.Unregister("killswitch", "removable_gauge"))
	assert.False(t, r.Unregister("killswitch", "removable_gauge"))

	// Re-registration succeeds after unregister.
	assert.NoError(t, r.RegisterGauge("killswitch", "removable_gauge", gauge))
}
