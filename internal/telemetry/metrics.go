// Package telemetry exposes service metrics to Prometheus and keeps a
// local, in-memory record of query patterns for the stats API. Nothing
// is reported externally; the /metrics endpoint is pull-only.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels a completed query.
const (
	OutcomeOK       = "ok"
	OutcomeDegraded = "degraded"
	OutcomeError    = "error"
)

// Cache labels for hit/miss events.
const (
	CacheEmbedding = "embedding"
	CacheSemantic  = "semantic"
)

// Metrics is the Prometheus collector set. All collectors are
// registered on a private registry so tests can run side by side.
type Metrics struct {
	registry *prometheus.Registry

	queryDuration  *prometheus.HistogramVec
	queryTotal     *prometheus.CounterVec
	ingestDocs     *prometheus.CounterVec
	ingestDuration *prometheus.HistogramVec
	cacheEvents    *prometheus.CounterVec
	breakerState   prometheus.Gauge
	projectCount   prometheus.Gauge
}

// NewMetrics builds and registers the collector set.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := func(c prometheus.Collector) {
		registry.MustRegister(c)
	}

	m := &Metrics{
		registry: registry,
		queryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowledgebeast",
			Name:      "query_duration_seconds",
			Help:      "End-to-end query latency.",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"project", "mode"}),
		queryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowledgebeast",
			Name:      "queries_total",
			Help:      "Completed queries by outcome.",
		}, []string{"project", "mode", "outcome"}),
		ingestDocs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowledgebeast",
			Name:      "ingest_documents_total",
			Help:      "Ingested documents by outcome.",
		}, []string{"project", "outcome"}),
		ingestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "knowledgebeast",
			Name:      "ingest_batch_duration_seconds",
			Help:      "Ingest batch latency.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"project"}),
		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "knowledgebeast",
			Name:      "cache_events_total",
			Help:      "Cache hits and misses by cache tier.",
		}, []string{"project", "cache", "event"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "knowledgebeast",
			Name:      "vector_breaker_state",
			Help:      "Vector backend circuit breaker state (0 closed, 1 half-open, 2 open).",
		}),
		projectCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "knowledgebeast",
			Name:      "projects",
			Help:      "Number of projects.",
		}),
	}

	factory(m.queryDuration)
	factory(m.queryTotal)
	factory(m.ingestDocs)
	factory(m.ingestDuration)
	factory(m.cacheEvents)
	factory(m.breakerState)
	factory(m.projectCount)
	return m
}

// Registry exposes the private registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordQuery records one completed query.
func (m *Metrics) RecordQuery(project, mode, outcome string, d time.Duration) {
	m.queryDuration.WithLabelValues(project, mode).Observe(d.Seconds())
	m.queryTotal.WithLabelValues(project, mode, outcome).Inc()
}

// RecordIngest records a finished ingest batch.
func (m *Metrics) RecordIngest(project string, succeeded, failed int, d time.Duration) {
	if succeeded > 0 {
		m.ingestDocs.WithLabelValues(project, OutcomeOK).Add(float64(succeeded))
	}
	if failed > 0 {
		m.ingestDocs.WithLabelValues(project, OutcomeError).Add(float64(failed))
	}
	m.ingestDuration.WithLabelValues(project).Observe(d.Seconds())
}

// RecordCacheEvent records a cache hit or miss.
func (m *Metrics) RecordCacheEvent(project, cache string, hit bool) {
	event := "miss"
	if hit {
		event = "hit"
	}
	m.cacheEvents.WithLabelValues(project, cache, event).Inc()
}

// SetBreakerState publishes the vector backend breaker state.
func (m *Metrics) SetBreakerState(state int) {
	m.breakerState.Set(float64(state))
}

// SetProjectCount publishes the project gauge.
func (m *Metrics) SetProjectCount(n int) {
	m.projectCount.Set(float64(n))
}
