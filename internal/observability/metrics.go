package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles the engine's Prometheus instruments. A single instance is
// constructed at startup and handed to each component; nothing registers
// against a process-global registry.
type Metrics struct {
	registry *prometheus.Registry

	AggregatesProcessed *prometheus.CounterVec // outcome: created/updated/skipped
	AggregateSkips      *prometheus.CounterVec // reason
	CreateRetries       prometheus.Counter
	BuildDuration       prometheus.Histogram

	TraversalQueries  *prometheus.CounterVec // direction
	TraversalDuration prometheus.Histogram
	PathQueries       prometheus.Counter

	SPOFRuns     prometheus.Counter
	SPOFFindings *prometheus.CounterVec // severity

	EdgesClosed prometheus.Counter
}

// NewMetrics creates and registers the engine instruments on a private
// registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		AggregatesProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "aggregates_processed_total",
			Help:      "Flow aggregates processed by the builder, by outcome.",
		}, []string{"outcome"}),
		AggregateSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "aggregate_skips_total",
			Help:      "Flow aggregates skipped by the builder, by reason.",
		}, []string{"reason"}),
		CreateRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "edge_create_retries_total",
			Help:      "Edge creations retried as updates after losing a uniqueness race.",
		}),
		BuildDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netseer",
			Name:      "build_duration_seconds",
			Help:      "Per-aggregate upsert latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		TraversalQueries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "traversal_queries_total",
			Help:      "Graph walks served, by direction.",
		}, []string{"direction"}),
		TraversalDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "netseer",
			Name:      "traversal_duration_seconds",
			Help:      "Graph walk latency.",
			Buckets:   prometheus.DefBuckets,
		}),
		PathQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "path_queries_total",
			Help:      "Shortest-path queries served.",
		}),
		SPOFRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "spof_runs_total",
			Help:      "Full SPOF analyses executed.",
		}),
		SPOFFindings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "spof_findings_total",
			Help:      "SPOF entries reported, by severity.",
		}, []string{"severity"}),
		EdgesClosed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "netseer",
			Name:      "edges_closed_total",
			Help:      "Stale dependency edges closed by the sweeper.",
		}),
	}

	reg.MustRegister(
		m.AggregatesProcessed, m.AggregateSkips, m.CreateRetries, m.BuildDuration,
		m.TraversalQueries, m.TraversalDuration, m.PathQueries,
		m.SPOFRuns, m.SPOFFindings, m.EdgesClosed,
	)
	return m
}

// Registry exposes the private registry for scraping or test assertions.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
