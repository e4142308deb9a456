package gateway

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_http_requests_total",
			Help: "Total number of HTTP requests processed by the gateway",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relaydesk_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	activeConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relaydesk_active_connections",
			Help: "Number of currently active HTTP connections",
		},
	)

	upstreamRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_upstream_requests_total",
			Help: "Total upstream requests grouped by provider and status",
		},
		[]string{"provider", "status"},
	)

	upstreamErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relaydesk_upstream_errors_total",
			Help: "Total upstream transport failures by class",
		},
		[]string{"class"},
	)

	metricsRegistered atomic.Bool
)

// registerMetrics registers all gateway metrics. Safe to call repeatedly.
func registerMetrics() {
	if !metricsRegistered.CompareAndSwap(false, true) {
		return
	}
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDurationSeconds,
		activeConnections,
		upstreamRequestsTotal,
		upstreamErrorsTotal,
	)
}

// MetricsMiddleware collects request count, duration and active connections.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		registerMetrics()
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}

		activeConnections.Inc()
		defer activeConnections.Dec()

		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDurationSeconds.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler serves the Prometheus scrape endpoint.
func MetricsHandler() gin.HandlerFunc {
	handler := promhttp.Handler()
	return func(c *gin.Context) {
		registerMetrics()
		handler.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordUpstreamRequest counts a completed upstream exchange.
func RecordUpstreamRequest(provider string, status int) {
	registerMetrics()
	upstreamRequestsTotal.WithLabelValues(provider, strconv.Itoa(status)).Inc()
}

// RecordUpstreamError counts an upstream transport failure.
// class is one of "timeout", "transport", "stream".
func RecordUpstreamError(class string) {
	registerMetrics()
	upstreamErrorsTotal.WithLabelValues(class).Inc()
}
