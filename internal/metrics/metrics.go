// Package metrics exposes the dispatch engine and HTTP surface's Prometheus
// counters and histograms. Unlike the teacher's package-level collectors
// guarded by an atomic registration flag, this package builds an
// instantiable *Metrics bound to its own *prometheus.Registry, so tests can
// construct one per case without a global-registration panic on the second
// test in a run.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector this proxy reports.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	dispatchAttemptsTotal *prometheus.CounterVec
	dispatchRetriesTotal  *prometheus.CounterVec
	emptyResponseTotal    *prometheus.CounterVec
	tokenUsageTotal       *prometheus.CounterVec
	poolAvailable         *prometheus.GaugeVec
	poolLimited           *prometheus.GaugeVec
}

// New builds a Metrics with a fresh registry and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antigravity_proxy_http_requests_total",
			Help: "Total HTTP requests processed by the client-facing surface.",
		}, []string{"method", "path", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "antigravity_proxy_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path"}),
		dispatchAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antigravity_proxy_dispatch_attempts_total",
			Help: "Dispatch engine attempts, labeled by model and outcome.",
		}, []string{"model", "outcome"}),
		dispatchRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antigravity_proxy_dispatch_retries_total",
			Help: "Dispatch engine retries, labeled by model and reason.",
		}, []string{"model", "reason"}),
		emptyResponseTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antigravity_proxy_empty_response_total",
			Help: "Upstream responses that produced zero bytes, by model.",
		}, []string{"model"}),
		tokenUsageTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "antigravity_proxy_token_usage_total",
			Help: "Token usage reported by upstream, labeled by model and direction.",
		}, []string{"model", "direction"}),
		poolAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "antigravity_proxy_pool_available_accounts",
			Help: "Accounts currently free for a given model.",
		}, []string{"model"}),
		poolLimited: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "antigravity_proxy_pool_limited_accounts",
			Help: "Accounts currently rate-limited for a given model.",
		}, []string{"model"}),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.dispatchAttemptsTotal,
		m.dispatchRetriesTotal,
		m.emptyResponseTotal,
		m.tokenUsageTotal,
		m.poolAvailable,
		m.poolLimited,
	)
	return m
}

// Handler returns the /metrics exposition handler for this Metrics'
// registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware records request count and latency for every request except
// the metrics endpoint itself.
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.URL.Path == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := strconv.Itoa(c.Writer.Status())
		m.httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// RecordDispatchAttempt records one attempt loop iteration's outcome (e.g.
// "success", "rate_limited", "server_error", "network_error").
func (m *Metrics) RecordDispatchAttempt(model, outcome string) {
	m.dispatchAttemptsTotal.WithLabelValues(model, outcome).Inc()
}

// RecordRetry records a dispatch-engine retry and why it happened.
func (m *Metrics) RecordRetry(model, reason string) {
	m.dispatchRetriesTotal.WithLabelValues(model, reason).Inc()
}

// RecordEmptyResponse records an empty-stream retry exhaustion for model.
func (m *Metrics) RecordEmptyResponse(model string) {
	m.emptyResponseTotal.WithLabelValues(model).Inc()
}

// RecordTokenUsage adds tokens to the running total for model in the given
// direction ("input" or "output").
func (m *Metrics) RecordTokenUsage(model, direction string, tokens int) {
	if tokens <= 0 {
		return
	}
	m.tokenUsageTotal.WithLabelValues(model, direction).Add(float64(tokens))
}

// SetPoolGauges reports the current free/limited account counts for model.
func (m *Metrics) SetPoolGauges(model string, available, limited int) {
	m.poolAvailable.WithLabelValues(model).Set(float64(available))
	m.poolLimited.WithLabelValues(model).Set(float64(limited))
}
