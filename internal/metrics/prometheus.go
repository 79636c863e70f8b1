// Package metrics wires Prometheus collectors scoped to the ingest and
// usage paths, following the registry-and-package-level-singleton shape
// the rest of the manager's stack uses.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the manager exports.
type Metrics struct {
	registry *prometheus.Registry

	ingestRequestsTotal   *prometheus.CounterVec
	ingestRequestDuration *prometheus.HistogramVec

	sessionsOpenGauge   *prometheus.GaugeVec
	sessionsStartsTotal *prometheus.CounterVec
	sessionsStopsTotal  *prometheus.CounterVec

	usageQueryDuration prometheus.Histogram

	forceSyncDegraded prometheus.Gauge
}

var defaultBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000}

var m *Metrics

// Init initializes the package-level Metrics singleton under namespace.
func Init(namespace string) *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	mm := &Metrics{
		registry: registry,

		ingestRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_requests_total",
				Help:      "Total ingest API requests by endpoint and outcome",
			},
			[]string{"endpoint", "outcome"},
		),

		ingestRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "ingest_request_duration_ms",
				Help:      "Ingest API request latency in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"endpoint"},
		),

		sessionsOpenGauge: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions_open",
				Help:      "Currently open sessions by node",
			},
			[]string{"node"},
		),

		sessionsStartsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_starts_total",
				Help:      "Total session-start events applied",
			},
			[]string{"node"},
		),

		sessionsStopsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_stops_total",
				Help:      "Total session-stop events applied",
			},
			[]string{"node"},
		),

		usageQueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "usage_query_duration_ms",
				Help:      "Usage calculator query latency in milliseconds",
				Buckets:   defaultBuckets,
			},
		),

		forceSyncDegraded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "force_sync_set_degraded",
				Help:      "1 if the force-sync pending set has degraded to local fallback",
			},
		),
	}

	registry.MustRegister(
		mm.ingestRequestsTotal,
		mm.ingestRequestDuration,
		mm.sessionsOpenGauge,
		mm.sessionsStartsTotal,
		mm.sessionsStopsTotal,
		mm.usageQueryDuration,
		mm.forceSyncDegraded,
	)

	m = mm
	return mm
}

// RecordIngest observes one ingest call's outcome and latency.
func RecordIngest(endpoint, outcome string, durationMs float64) {
	if m == nil {
		return
	}
	m.ingestRequestsTotal.WithLabelValues(endpoint, outcome).Inc()
	m.ingestRequestDuration.WithLabelValues(endpoint).Observe(durationMs)
}

// RecordSessionStart increments the session-start counter for node.
func RecordSessionStart(node string) {
	if m == nil {
		return
	}
	m.sessionsStartsTotal.WithLabelValues(node).Inc()
}

// RecordSessionStop increments the session-stop counter for node.
func RecordSessionStop(node string) {
	if m == nil {
		return
	}
	m.sessionsStopsTotal.WithLabelValues(node).Inc()
}

// SetSessionsOpen sets the open-session gauge for node.
func SetSessionsOpen(node string, count float64) {
	if m == nil {
		return
	}
	m.sessionsOpenGauge.WithLabelValues(node).Set(count)
}

// RecordUsageQuery observes a usage-calculator query's latency.
func RecordUsageQuery(durationMs float64) {
	if m == nil {
		return
	}
	m.usageQueryDuration.Observe(durationMs)
}

// SetForceSyncDegraded reports the force-sync set's fallback state.
func SetForceSyncDegraded(degraded bool) {
	if m == nil {
		return
	}
	if degraded {
		m.forceSyncDegraded.Set(1)
	} else {
		m.forceSyncDegraded.Set(0)
	}
}

// Handler serves the Prometheus exposition format for the package-level
// Metrics singleton.
func Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
