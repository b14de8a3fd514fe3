// Package metrics provides Prometheus instrumentation for the fraud
// detection service.
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
			Namespace: "fraud",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fraud",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// AnalysesTotal counts completed transaction analyses by recommended
	// action.
	AnalysesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "analyses_total",
			Help:      "Total transaction analyses by recommended action.",
		},
		[]string{"action"},
	)

	// RiskScoreDistribution observes overall risk scores.
	RiskScoreDistribution = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraud",
		Name:      "risk_score",
		Help:      "Distribution of overall risk scores.",
		Buckets:   []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9},
	})

	// AnalysisDuration observes end-to-end analysis latency. Buckets sized
	// for a sub-100ms p99 target.
	AnalysisDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fraud",
		Name:      "analysis_duration_seconds",
		Help:      "End-to-end transaction analysis duration in seconds.",
		Buckets:   []float64{0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
	})

	// ComponentFallbacksTotal counts component scores that fell back to
	// their defaults.
	ComponentFallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "component_fallbacks_total",
			Help:      "Total component scores defaulted due to collaborator failure.",
		},
		[]string{"component"},
	)

	// FeedbackTotal counts fraud feedback submissions by type.
	FeedbackTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fraud",
			Name:      "feedback_total",
			Help:      "Total fraud feedback submissions by type.",
		},
		[]string{"type"},
	)

	// EnsembleRecalibrationsTotal counts adaptive weight recalibrations.
	EnsembleRecalibrationsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "fraud",
		Name:      "ensemble_recalibrations_total",
		Help:      "Total ensemble weight recalibrations triggered by feedback.",
	})

	// GraphNodes tracks the current transaction graph node count.
	GraphNodes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud",
		Name:      "graph_nodes",
		Help:      "Current number of wallets in the transaction graph.",
	})

	// GraphEdges tracks the current transaction graph edge count.
	GraphEdges = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud",
		Name:      "graph_edges",
		Help:      "Current number of edges in the transaction graph.",
	})

	// SuspiciousCommunities tracks communities above the suspicion
	// threshold in the latest detection pass.
	SuspiciousCommunities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud",
		Name:      "suspicious_communities",
		Help:      "Suspicious communities found in the latest detection pass.",
	})

	// ActiveWebSocketClients tracks connected alert stream clients.
	ActiveWebSocketClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud",
		Name:      "active_websocket_clients",
		Help:      "Number of currently connected WebSocket clients.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "fraud", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		AnalysesTotal,
		RiskScoreDistribution,
		AnalysisDuration,
		ComponentFallbacksTotal,
		FeedbackTotal,
		EnsembleRecalibrationsTotal,
		GraphNodes,
		GraphEdges,
		SuspiciousCommunities,
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
