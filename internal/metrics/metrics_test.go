package metrics

import (
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsRecord(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	m := New(reg)

	m.Transition("connected")
	m.Connect("mock", nil)
	m.Connect("mock", errors.New("x"))
	m.Batch(1, "multicall", 3)
	m.CacheLookup(1, true)
	m.CacheLookup(1, false)
	m.ProviderCall(1, nil)
	m.Refetch(1, "block", 2)
	m.Refetch(1, "block", 0)
	m.CacheEntries(4)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("connected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.connects.WithLabelValues("mock", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.batches.WithLabelValues("1", "multicall")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheLookups.WithLabelValues("1", "hit")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.refetches.WithLabelValues("1", "block")))
	assert.Equal(t, 4.0, testutil.ToFloat64(m.trackedEntries))

	assert.Equal(t, 1, testutil.CollectAndCount(m.batchSize))
}

func TestNilMetrics(t *testing.T) {
	t.Parallel()

	var m *Metrics
	assert.NotPanics(t, func() {
		m.Transition("connected")
		m.Connect("mock", nil)
		m.Batch(1, "fallback", 1)
		m.CacheLookup(1, true)
		m.ProviderCall(1, nil)
		m.Refetch(1, "manual", 1)
		m.CacheEntries(1)
	})
}
