package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/pitfeed/errors"
)

func TestNewRegistryExposesCoreMetrics(t *testing.T) {
	r := NewRegistry()
	require.NotNil(t, r.Core)

	r.Core.MessagesIngested.WithLabelValues("TrackStatus").Inc()
	r.Core.DelaySeconds.Set(45)

	families, err := r.PrometheusRegistry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["pitfeed_messages_ingested_total"])
	assert.True(t, names["pitfeed_delay_seconds"])
}

func TestRegisterRejectsDuplicates(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "test_counter_total"})
	require.NoError(t, r.Register("transport", "test_counter", c))

	err := r.Register("transport", "test_counter", c)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterRejectsPrometheusConflict(t *testing.T) {
	r := NewRegistry()

	a := prometheus.NewCounter(prometheus.CounterOpts{Name: "conflicting_total"})
	b := prometheus.NewCounter(prometheus.CounterOpts{Name: "conflicting_total"})
	require.NoError(t, r.Register("one", "a", a))

	err := r.Register("two", "b", b)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := NewRegistry()

	c := prometheus.NewGauge(prometheus.GaugeOpts{Name: "removable"})
	require.NoError(t, r.Register("x", "removable", c))

	assert.True(t, r.Unregister("x", "removable"))
	assert.False(t, r.Unregister("x", "removable"))

	// Re-registration succeeds after unregister.
	require.NoError(t, r.Register("x", "removable", c))
}
