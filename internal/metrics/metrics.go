// Package metrics provides Prometheus instrumentation for scoregate.
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
			Namespace: "scoregate",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "scoregate",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// ChallengesIssuedTotal counts issued challenges.
	ChallengesIssuedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "scoregate",
		Name:      "challenges_issued_total",
		Help:      "Total challenges issued.",
	})

	// SubmissionsTotal counts score submissions by final outcome.
	SubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scoregate",
			Name:      "submissions_total",
			Help:      "Total score submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// SecurityLevelTotal counts submissions by validated security level.
	SecurityLevelTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scoregate",
			Name:      "security_level_total",
			Help:      "Total key-triple validations by resulting security level.",
		},
		[]string{"level"},
	)

	// NonceRejectionsTotal counts nonce verification failures by reason.
	NonceRejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scoregate",
			Name:      "nonce_rejections_total",
			Help:      "Total nonce rejections by reason.",
		},
		[]string{"reason"},
	)

	// AbuseDenialsTotal counts rate-control denials by ceiling.
	AbuseDenialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scoregate",
			Name:      "abuse_denials_total",
			Help:      "Total abuse-tracker denials by reason.",
		},
		[]string{"reason"},
	)

	// DedupHitsTotal counts duplicate submissions by cache state.
	DedupHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scoregate",
			Name:      "dedup_hits_total",
			Help:      "Total dedup cache hits by state (pending or resolved).",
		},
		[]string{"state"},
	)

	// LedgerCommitDuration observes downstream commit latency.
	LedgerCommitDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "scoregate",
		Name:      "ledger_commit_duration_seconds",
		Help:      "Downstream ledger commit duration in seconds.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
	})

	// SweepRemovedTotal counts entries removed by the maintenance janitor.
	SweepRemovedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scoregate",
			Name:      "sweep_removed_total",
			Help:      "Total entries removed by maintenance sweeps, by structure.",
		},
		[]string{"structure"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scoregate",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scoregate", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scoregate", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scoregate", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "scoregate", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		ChallengesIssuedTotal,
		SubmissionsTotal,
		SecurityLevelTotal,
		NonceRejectionsTotal,
		AbuseDenialsTotal,
		DedupHitsTotal,
		LedgerCommitDuration,
		SweepRemovedTotal,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits when
// ctx is done.
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

// Handler returns the Prometheus metrics HTTP handler for /metrics.
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
