package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels used by RecordValidation besides the autherr kinds.
const (
	OutcomeAuthenticated = "authenticated"
	OutcomeAnonymous     = "anonymous"
)

// Metrics holds Prometheus collectors for token verification. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	validationTotal    *prometheus.CounterVec
	validationDuration *prometheus.HistogramVec
	fetchTotal         *prometheus.CounterVec
	fetchDuration      prometheus.Histogram
	cacheTotal         *prometheus.CounterVec
	breakerTransitions *prometheus.CounterVec
}

// NewMetrics creates and registers the collectors under namespace.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "tokengate"
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.validationTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "outcomes_total",
			Help:      "Authentication outcomes at the gate, by outcome or failure kind",
		},
		[]string{"outcome"},
	)

	m.validationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "verification_duration_seconds",
			Help:      "Token verification duration in seconds, including key-set retrieval",
			Buckets:   []float64{.0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
		[]string{"outcome"},
	)

	m.fetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "fetch_total",
			Help:      "Key-set fetches against the identity provider, by status",
		},
		[]string{"status"},
	)

	m.fetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "fetch_duration_seconds",
			Help:      "Key-set fetch duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	m.cacheTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "cache_total",
			Help:      "Key-set cache lookups, by result (hit, miss, shared, refresh)",
		},
		[]string{"result"},
	)

	m.breakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jwks",
			Name:      "breaker_transitions_total",
			Help:      "Circuit breaker state transitions for key-set fetches",
		},
		[]string{"name", "from", "to"},
	)

	m.registry.MustRegister(
		m.validationTotal,
		m.validationDuration,
		m.fetchTotal,
		m.fetchDuration,
		m.cacheTotal,
		m.breakerTransitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// RecordValidation records one gate outcome and how long it took.
func (m *Metrics) RecordValidation(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.validationTotal.WithLabelValues(outcome).Inc()
	m.validationDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordFetch records one key-set fetch.
func (m *Metrics) RecordFetch(err error, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.fetchTotal.WithLabelValues(status).Inc()
	m.fetchDuration.Observe(d.Seconds())
}

// RecordCache records a cache lookup result.
func (m *Metrics) RecordCache(result string) {
	if m == nil {
		return
	}
	m.cacheTotal.WithLabelValues(result).Inc()
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(name, from, to string) {
	if m == nil {
		return
	}
	m.breakerTransitions.WithLabelValues(name, from, to).Inc()
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
