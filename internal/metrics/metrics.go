// Package metrics exposes the Prometheus metrics published by every
// subsystem of the server.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Connection metrics
	ActiveConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_active_connections",
			Help: "Number of currently active client connections",
		},
	)

	ConnectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_connections_total",
			Help: "Total accepted connections by outcome",
		},
		[]string{"outcome"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docstore_cache_hits_total",
			Help: "Total cache hits",
		},
	)

	CacheMissesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "docstore_cache_misses_total",
			Help: "Total cache misses",
		},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_cache_evictions_total",
			Help: "Total cache evictions by reason",
		},
		[]string{"reason"},
	)

	CacheItems = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_cache_items",
			Help: "Current number of cache entries",
		},
	)

	CacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_cache_bytes",
			Help: "Current estimated bytes held by the cache",
		},
	)

	// Store metrics
	PendingWrites = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_pending_writes",
			Help: "Writes enqueued but not yet flushed to disk",
		},
	)

	DocumentsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "docstore_documents_total",
			Help: "Documents currently held per collection",
		},
		[]string{"collection"},
	)

	// Query/cursor metrics
	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_query_duration_seconds",
			Help:    "Query executor latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"collection"},
	)

	ActiveCursors = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "docstore_active_cursors",
			Help: "Number of currently open cursors",
		},
	)

	CursorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_cursors_total",
			Help: "Total cursors by terminal outcome",
		},
		[]string{"outcome"},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "docstore_commands_total",
			Help: "Total commands processed by command and outcome",
		},
		[]string{"command", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "docstore_command_duration_seconds",
			Help:    "Command handler latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"command"},
	)
)

func init() {
	prometheus.MustRegister(ActiveConnections)
	prometheus.MustRegister(ConnectionsTotal)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(CacheItems)
	prometheus.MustRegister(CacheBytes)
	prometheus.MustRegister(PendingWrites)
	prometheus.MustRegister(DocumentsTotal)
	prometheus.MustRegister(QueryDuration)
	prometheus.MustRegister(ActiveCursors)
	prometheus.MustRegister(CursorsTotal)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a small helper for timing operations against a histogram.
type Timer struct {
	start time.Time
}

// NewTimer starts a timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the elapsed time to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the elapsed time to a labeled histogram.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
