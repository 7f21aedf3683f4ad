package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for docloop
type Metrics struct {
	// Graph metrics
	NodesTotal      *prometheus.GaugeVec
	EdgesTotal      *prometheus.GaugeVec
	GraphGeneration prometheus.Gauge

	// Ingestion metrics
	EventsIngested     *prometheus.CounterVec
	ExtractionWarnings prometheus.Counter
	IngestDuration     prometheus.Histogram
	IngestQueueDepth   prometheus.Gauge

	// Review metrics
	ReviewTransitions *prometheus.CounterVec
	ReviewConfidence  prometheus.Histogram
	ReviewsStalled    *prometheus.GaugeVec
	OracleRequests    *prometheus.CounterVec
	OracleLatency     *prometheus.HistogramVec

	// Impact and projection metrics
	ImpactDependents prometheus.Histogram
	SnapshotsBuilt   prometheus.Counter
	SkillsTriggered  prometheus.Counter

	// System metrics
	CacheHits           prometheus.Counter
	CacheMisses         prometheus.Counter
	EventsPublished     *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = &Metrics{
			NodesTotal: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "docloop_graph_nodes",
					Help: "Number of graph nodes by type",
				},
				[]string{"type"},
			),
			EdgesTotal: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "docloop_graph_edges",
					Help: "Number of graph edges by relationship",
				},
				[]string{"relationship"},
			),
			GraphGeneration: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "docloop_graph_generation",
					Help: "Current graph generation counter",
				},
			),

			EventsIngested: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docloop_events_ingested_total",
					Help: "Lifecycle events ingested",
				},
				[]string{"entity_type", "action", "result"},
			),
			ExtractionWarnings: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "docloop_extraction_warnings_total",
					Help: "Concept or document links that failed during ingestion",
				},
			),
			IngestDuration: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "docloop_ingest_duration_seconds",
					Help:    "Time to apply one lifecycle event",
					Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to 2s
				},
			),
			IngestQueueDepth: promauto.NewGauge(
				prometheus.GaugeOpts{
					Name: "docloop_ingest_queue_depth",
					Help: "Events waiting for an ingestion worker",
				},
			),

			ReviewTransitions: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docloop_review_transitions_total",
					Help: "Review state transitions",
				},
				[]string{"from_state", "to_state", "reason"},
			),
			ReviewConfidence: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "docloop_review_confidence",
					Help:    "Combined reviewer confidence per round",
					Buckets: prometheus.LinearBuckets(0.1, 0.1, 10),
				},
			),
			ReviewsStalled: promauto.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "docloop_reviews_stalled",
					Help: "Pull requests left in a non-terminal review state past the stale threshold",
				},
				[]string{"state"},
			),
			OracleRequests: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docloop_oracle_requests_total",
					Help: "Reviewer and generator oracle calls",
				},
				[]string{"oracle", "success"},
			),
			OracleLatency: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "docloop_oracle_request_duration_seconds",
					Help:    "Oracle request duration in seconds",
					Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 100ms to 3.4min
				},
				[]string{"oracle"},
			),

			ImpactDependents: promauto.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "docloop_impact_dependents",
					Help:    "Dependents found per impact analysis",
					Buckets: prometheus.ExponentialBuckets(1, 2, 10),
				},
			),
			SnapshotsBuilt: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "docloop_snapshots_built_total",
					Help: "Snapshot exports computed (cache misses)",
				},
			),
			SkillsTriggered: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "docloop_skill_regenerations_total",
					Help: "Skills flagged for regeneration",
				},
			),

			CacheHits: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "docloop_cache_hits_total",
					Help: "Total number of cache hits",
				},
			),
			CacheMisses: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "docloop_cache_misses_total",
					Help: "Total number of cache misses",
				},
			),
			EventsPublished: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docloop_events_published_total",
					Help: "Total number of events published",
				},
				[]string{"event_type"},
			),
			HTTPRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "docloop_http_requests_total",
					Help: "Total number of HTTP requests",
				},
				[]string{"method", "path", "status"},
			),
			HTTPRequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "docloop_http_request_duration_seconds",
					Help:    "HTTP request duration in seconds",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"method", "path"},
			),
		}
	})

	return sharedMetrics
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// RecordIngest records one applied lifecycle event
func (m *Metrics) RecordIngest(entityType, action string, err error, warnings int, took time.Duration) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.EventsIngested.WithLabelValues(entityType, action, result).Inc()
	if warnings > 0 {
		m.ExtractionWarnings.Add(float64(warnings))
	}
	m.IngestDuration.Observe(took.Seconds())
}

// RecordOracleRequest records a reviewer or generator call
func (m *Metrics) RecordOracleRequest(oracle string, success bool, took time.Duration) {
	m.OracleRequests.WithLabelValues(oracle, boolLabel(success)).Inc()
	m.OracleLatency.WithLabelValues(oracle).Observe(took.Seconds())
}

// RecordReviewTransition records a review state change
func (m *Metrics) RecordReviewTransition(from, to, reason string, confidence float64, scored bool) {
	m.ReviewTransitions.WithLabelValues(from, to, reason).Inc()
	if scored {
		m.ReviewConfidence.Observe(confidence)
	}
}

// RecordGraphStats publishes node and edge counts
func (m *Metrics) RecordGraphStats(nodes, edges map[string]int, generation uint64) {
	for t, n := range nodes {
		m.NodesTotal.WithLabelValues(t).Set(float64(n))
	}
	for r, n := range edges {
		m.EdgesTotal.WithLabelValues(r).Set(float64(n))
	}
	m.GraphGeneration.Set(float64(generation))
}

// RecordCacheLookup counts a cache hit or miss
func (m *Metrics) RecordCacheLookup(hit bool) {
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
