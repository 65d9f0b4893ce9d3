package monitoring

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Upstream fetch metrics
	UpstreamFetches *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec

	// Rewrite metrics
	PagesRewritten  *prometheus.CounterVec
	ScopeFailures   *prometheus.CounterVec
	RewriteDuration *prometheus.HistogramVec

	// WebSocket metrics
	TunnelsActive  prometheus.Gauge
	ControlClients prometheus.Gauge

	// Discovery metrics
	OriginsDiscovered *prometheus.CounterVec

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	// Snapshot for JSON API - track current values
	snapshot MetricsSnapshot

	mu sync.RWMutex
}

// MetricsSnapshot holds current metric values for JSON API
type MetricsSnapshot struct {
	TotalRequests int64
	TotalErrors   int64
	TotalDuration float64 // sum of all request durations
	RequestCount  int64   // count for averaging
}

// NewMetrics creates a new metrics collector
func NewMetrics() *Metrics {
	m := &Metrics{
		startTime: time.Now(),

		// HTTP metrics
		RequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlayproxy_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "route"},
		),
		ResponseSize: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlayproxy_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "route"},
		),

		// Upstream fetch metrics
		UpstreamFetches: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_upstream_fetches_total",
				Help: "Total number of upstream fetches",
			},
			[]string{"tenant", "kind", "status"},
		),
		UpstreamErrors: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_upstream_errors_total",
				Help: "Total number of failed upstream fetches",
			},
			[]string{"tenant", "kind"},
		),

		// Cache metrics
		CacheHits: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_cache_hits_total",
				Help: "Total number of content cache hits",
			},
			[]string{"kind"},
		),
		CacheMisses: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_cache_misses_total",
				Help: "Total number of content cache misses",
			},
			[]string{"kind"},
		),

		// Rewrite metrics
		PagesRewritten: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_pages_rewritten_total",
				Help: "Total number of HTML pages rewritten",
			},
			[]string{"tenant"},
		),
		ScopeFailures: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_scope_failures_total",
				Help: "Total number of CSS scoping failures (served unscoped)",
			},
			[]string{"tenant"},
		),
		RewriteDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "overlayproxy_rewrite_duration_seconds",
				Help:    "Content rewrite duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
			},
			[]string{"kind"},
		),

		// WebSocket metrics
		TunnelsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlayproxy_ws_tunnels_active",
				Help: "Number of active WebSocket tunnels",
			},
		),
		ControlClients: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlayproxy_control_clients",
				Help: "Number of connected control bus clients",
			},
		),

		// Discovery metrics
		OriginsDiscovered: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "overlayproxy_origins_discovered_total",
				Help: "Total number of origins discovered per tenant",
			},
			[]string{"tenant"},
		),

		// System metrics
		Uptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "overlayproxy_uptime_seconds",
				Help: "Proxy uptime in seconds",
			},
		),
	}

	// Start uptime updater
	go m.updateUptime()

	return m
}

// updateUptime continuously updates the uptime metric
func (m *Metrics) updateUptime() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for range ticker.C {
		m.Uptime.Set(time.Since(m.startTime).Seconds())
	}
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, route, status string, duration time.Duration, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
	m.ResponseSize.WithLabelValues(method, route).Observe(float64(respSize))

	// Update snapshot
	m.mu.Lock()
	m.snapshot.TotalRequests++
	m.snapshot.TotalDuration += duration.Seconds()
	m.snapshot.RequestCount++
	if len(status) > 0 && (status[0] == '4' || status[0] == '5') {
		m.snapshot.TotalErrors++
	}
	m.mu.Unlock()
}

// RecordUpstreamFetch records one upstream fetch by result status
func (m *Metrics) RecordUpstreamFetch(tenant, kind, status string) {
	m.UpstreamFetches.WithLabelValues(tenant, kind, status).Inc()
}

// RecordUpstreamError records a failed upstream fetch
func (m *Metrics) RecordUpstreamError(tenant, kind string) {
	m.UpstreamErrors.WithLabelValues(tenant, kind).Inc()
}

// RecordCacheHit records a content cache hit
func (m *Metrics) RecordCacheHit(kind string) {
	m.CacheHits.WithLabelValues(kind).Inc()
}

// RecordCacheMiss records a content cache miss
func (m *Metrics) RecordCacheMiss(kind string) {
	m.CacheMisses.WithLabelValues(kind).Inc()
}

// RecordPageRewrite records a completed HTML rewrite
func (m *Metrics) RecordPageRewrite(tenant string, duration time.Duration) {
	m.PagesRewritten.WithLabelValues(tenant).Inc()
	m.RewriteDuration.WithLabelValues("page").Observe(duration.Seconds())
}

// RecordScopeFailure records a CSS scoping failure
func (m *Metrics) RecordScopeFailure(tenant string) {
	m.ScopeFailures.WithLabelValues(tenant).Inc()
}

// RecordOriginsDiscovered adds discovered origins for a tenant
func (m *Metrics) RecordOriginsDiscovered(tenant string, count int) {
	m.OriginsDiscovered.WithLabelValues(tenant).Add(float64(count))
}

// IncTunnels increments active WebSocket tunnels
func (m *Metrics) IncTunnels() {
	m.TunnelsActive.Inc()
}

// DecTunnels decrements active WebSocket tunnels
func (m *Metrics) DecTunnels() {
	m.TunnelsActive.Dec()
}

// SetControlClients sets the connected control client count
func (m *Metrics) SetControlClients(count int) {
	m.ControlClients.Set(float64(count))
}

// Snapshot returns current aggregate values for the JSON health API
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}
