package ratelimits

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	decisionAllowed = "allowed"
	decisionDenied  = "denied"
)

// Metrics bundles the prometheus.Collectors the admission engine records
// against, mirroring the teacher's spendLatency pattern. The config Cache
// registers its own hit/miss/eviction counters separately (see cache.go),
// since it is constructed and owned independently of the admission engine.
type Metrics struct {
	acquireLatency  *prometheus.HistogramVec
	adapterLatency  *prometheus.HistogramVec
	conflictRetries prometheus.Counter
}

// NewMetrics constructs and registers every collector against reg. Passing
// a prometheus.NewRegistry() (rather than the default global registry) is
// recommended for tests, matching the teacher's own NewLimiter(..., stats
// prometheus.Registerer) parameter.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		acquireLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimits_acquire_latency_seconds",
			Help:    "Latency of Acquire calls labeled by decision=[allowed|denied].",
			Buckets: prometheus.ExponentialBuckets(0.0005, 3, 8),
		}, []string{"decision"}),
		adapterLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratelimits_adapter_latency_seconds",
			Help:    "Latency of storage adapter operations labeled by op.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 3, 8),
		}, []string{"op"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimits_conflict_retries_total",
			Help: "Count of conditional-write conflicts that triggered a retry.",
		}),
	}
	reg.MustRegister(m.acquireLatency, m.adapterLatency, m.conflictRetries)
	return m
}

// NewNopMetrics returns a Metrics that records nothing and is safe to use
// without a prometheus.Registerer, for tests that don't care about metrics.
func NewNopMetrics() *Metrics {
	return &Metrics{
		acquireLatency:  prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "nop_acquire"}, []string{"decision"}),
		adapterLatency:  prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "nop_adapter"}, []string{"op"}),
		conflictRetries: prometheus.NewCounter(prometheus.CounterOpts{Name: "nop_conflict_retries"}),
	}
}

func (m *Metrics) observeAcquire(d time.Duration, allowed bool) {
	if m == nil {
		return
	}
	decision := decisionDenied
	if allowed {
		decision = decisionAllowed
	}
	m.acquireLatency.WithLabelValues(decision).Observe(d.Seconds())
}

func (m *Metrics) observeConflictRetry() {
	if m == nil {
		return
	}
	m.conflictRetries.Inc()
}

func (m *Metrics) observeAdapterLatency(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.adapterLatency.WithLabelValues(op).Observe(d.Seconds())
}
