// Package metrics holds the Prometheus collectors for the store and the read engine.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	transitions    *prometheus.CounterVec
	connects       *prometheus.CounterVec
	batches        *prometheus.CounterVec
	batchSize      *prometheus.HistogramVec
	cacheLookups   *prometheus.CounterVec
	providerCalls  *prometheus.CounterVec
	refetches      *prometheus.CounterVec
	trackedEntries prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_state_transitions_total",
				Help: "Store state transitions by resulting status",
			},
			[]string{"status"},
		),
		connects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_connect_attempts_total",
				Help: "Connect attempts by connector and outcome",
			},
			[]string{"connector", "result"},
		),
		batches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_read_batches_total",
				Help: "Aggregated read calls dispatched",
			},
			[]string{"chain", "mode"},
		),
		batchSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "walletsync_read_batch_size",
				Help:    "Calls per aggregated read",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
			[]string{"chain"},
		),
		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_read_cache_lookups_total",
				Help: "Read cache lookups by result",
			},
			[]string{"chain", "result"},
		),
		providerCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_read_provider_calls_total",
				Help: "Provider round-trips made by the read engine",
			},
			[]string{"chain", "result"},
		),
		refetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "walletsync_read_refetches_total",
				Help: "Entries refetched by trigger",
			},
			[]string{"chain", "trigger"},
		),
		trackedEntries: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "walletsync_read_cache_entries",
				Help: "Entries currently held by the read cache",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.transitions,
			m.connects,
			m.batches,
			m.batchSize,
			m.cacheLookups,
			m.providerCalls,
			m.refetches,
			m.trackedEntries,
		)
	}
	return m
}

func chain(id int64) string { return strconv.FormatInt(id, 10) }

// Transition records a published store status.
func (m *Metrics) Transition(status string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(status).Inc()
}

// Connect records a connect attempt.
func (m *Metrics) Connect(connectorID string, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.connects.WithLabelValues(connectorID, result).Inc()
}

// Batch records one aggregated dispatch of size calls.
func (m *Metrics) Batch(chainID int64, mode string, size int) {
	if m == nil {
		return
	}
	m.batches.WithLabelValues(chain(chainID), mode).Inc()
	m.batchSize.WithLabelValues(chain(chainID)).Observe(float64(size))
}

// CacheLookup records a hit or a miss.
func (m *Metrics) CacheLookup(chainID int64, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(chain(chainID), result).Inc()
}

// ProviderCall records a provider round-trip.
func (m *Metrics) ProviderCall(chainID int64, err error) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	m.providerCalls.WithLabelValues(chain(chainID), result).Inc()
}

// Refetch records entries refetched by trigger ("block" or "manual").
func (m *Metrics) Refetch(chainID int64, trigger string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.refetches.WithLabelValues(chain(chainID), trigger).Add(float64(n))
}

// CacheEntries sets the current cache size.
func (m *Metrics) CacheEntries(n int) {
	if m == nil {
		return
	}
	m.trackedEntries.Set(float64(n))
}
