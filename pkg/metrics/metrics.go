// Package metrics defines Prometheus metrics for the oracle.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wot_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wot_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	QueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wot_queries_total",
			Help: "Total core query operations",
		},
		[]string{"op"},
	)

	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wot_cache_hits_total",
			Help: "Result cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wot_cache_misses_total",
			Help: "Result cache misses",
		},
	)

	EventsProcessedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "wot_events_processed_total",
			Help: "Follow events applied to the graph",
		},
	)

	EventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wot_events_dropped_total",
			Help: "Follow events dropped before application",
		},
		[]string{"reason"},
	)

	NodeCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wot_nodes_total",
			Help: "Nodes in the graph store",
		},
	)

	EdgeCount = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wot_edges_total",
			Help: "Directed edges in the graph store",
		},
	)

	PersistQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "wot_persist_queue_depth",
			Help: "Records waiting for the mirror writer",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestDuration, RequestsTotal,
		QueriesTotal, CacheHitsTotal, CacheMissesTotal,
		EventsProcessedTotal, EventsDroppedTotal,
		NodeCount, EdgeCount, PersistQueueDepth,
	)
}
