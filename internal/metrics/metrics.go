// Package metrics provides Prometheus instrumentation for the trust pipeline.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpipe",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "trustpipe",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// EventsPublishedTotal counts bus publishes by event type.
	EventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpipe",
			Name:      "events_published_total",
			Help:      "Total events published to the bus by type.",
		},
		[]string{"type"},
	)

	// HandlerFailuresTotal counts handler errors and recovered panics.
	HandlerFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpipe",
			Name:      "handler_failures_total",
			Help:      "Total bus handler failures by handler ID and kind (error|panic).",
		},
		[]string{"handler", "kind"},
	)

	// AnomaliesDetectedTotal counts anomaly signals by type and severity.
	AnomaliesDetectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpipe",
			Name:      "anomalies_detected_total",
			Help:      "Total anomaly signals emitted by type and severity.",
		},
		[]string{"type", "severity"},
	)

	// ScoreUpdatesTotal counts profile score mutations by entity kind.
	ScoreUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "trustpipe",
			Name:      "score_updates_total",
			Help:      "Total trust score mutations by entity kind (casino|degen).",
		},
		[]string{"kind"},
	)

	// SnapshotsGeneratedTotal counts rollup snapshots generated.
	SnapshotsGeneratedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustpipe",
		Name:      "snapshots_generated_total",
		Help:      "Total rollup snapshots generated.",
	})

	// SnapshotRequestsThrottledTotal counts throttled on-demand snapshot requests.
	SnapshotRequestsThrottledTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustpipe",
		Name:      "snapshot_requests_throttled_total",
		Help:      "Total on-demand snapshot requests served stale due to throttling.",
	})

	// SnapshotPersistFailuresTotal counts failed durable snapshot writes.
	SnapshotPersistFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "trustpipe",
		Name:      "snapshot_persist_failures_total",
		Help:      "Total snapshot persistence failures (snapshot retained in memory).",
	})

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "trustpipe",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// TrackedSessions tracks live anomaly-detector session windows.
	TrackedSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustpipe",
		Name:      "tracked_sessions",
		Help:      "Number of session windows currently tracked by the anomaly detector.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustpipe", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustpipe", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustpipe", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "trustpipe", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		EventsPublishedTotal,
		HandlerFailuresTotal,
		AnomaliesDetectedTotal,
		ScoreUpdatesTotal,
		SnapshotsGeneratedTotal,
		SnapshotRequestsThrottledTotal,
		SnapshotPersistFailuresTotal,
		ActiveWebSocketClients,
		TrackedSessions,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
