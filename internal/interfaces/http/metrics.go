package http

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	io_prometheus_client "github.com/prometheus/client_model/go"
)

// cacheSurfaces are the response caches folded into the hit ratio gauge.
var cacheSurfaces = []string{"scorecards", "suggestions"}

// Metrics holds the prometheus instruments of the control API. Each server
// owns its own registry, so tests can build servers freely without
// duplicate-registration panics.
type Metrics struct {
	registry *prometheus.Registry

	// Request metrics
	RequestDuration *prometheus.HistogramVec
	RequestsTotal   *prometheus.CounterVec

	// Response cache metrics
	CacheHitRatio prometheus.Gauge
	CacheHits     *prometheus.CounterVec
	CacheMisses   *prometheus.CounterVec

	// Guardrail metrics
	AuthDenied  prometheus.Counter
	RateLimited prometheus.Counter
}

// NewMetrics builds and registers the instrument set.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "retentiond_http_request_duration_seconds",
				Help:    "Duration of handled HTTP requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
			},
			[]string{"route", "method", "status"},
		),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retentiond_http_requests_total",
				Help: "Total handled HTTP requests",
			},
			[]string{"route", "method", "status"},
		),

		CacheHitRatio: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "retentiond_cache_hit_ratio",
				Help: "Response cache hit ratio across surfaces (0.0 to 1.0)",
			},
		),

		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retentiond_cache_hits_total",
				Help: "Response cache hits by surface",
			},
			[]string{"surface"},
		),

		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "retentiond_cache_misses_total",
				Help: "Response cache misses by surface",
			},
			[]string{"surface"},
		),

		AuthDenied: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "retentiond_auth_denied_total",
				Help: "Requests denied by the auth middleware",
			},
		),

		RateLimited: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "retentiond_rate_limited_total",
				Help: "Requests rejected by the rate limiter",
			},
		),
	}

	m.registry.MustRegister(
		m.RequestDuration,
		m.RequestsTotal,
		m.CacheHitRatio,
		m.CacheHits,
		m.CacheMisses,
		m.AuthDenied,
		m.RateLimited,
	)
	return m
}

// ObserveRequest records one handled request.
func (m *Metrics) ObserveRequest(route, method string, status int, d time.Duration) {
	code := strconv.Itoa(status)
	m.RequestDuration.WithLabelValues(route, method, code).Observe(d.Seconds())
	m.RequestsTotal.WithLabelValues(route, method, code).Inc()
}

// RecordCacheHit counts a hit and refreshes the derived ratio gauge.
func (m *Metrics) RecordCacheHit(surface string) {
	m.CacheHits.WithLabelValues(surface).Inc()
	m.updateCacheHitRatio()
}

// RecordCacheMiss counts a miss and refreshes the derived ratio gauge.
func (m *Metrics) RecordCacheMiss(surface string) {
	m.CacheMisses.WithLabelValues(surface).Inc()
	m.updateCacheHitRatio()
}

// updateCacheHitRatio reads the counters back and derives the ratio.
func (m *Metrics) updateCacheHitRatio() {
	var hitSample, missSample io_prometheus_client.Metric
	totalHits := 0.0
	totalMisses := 0.0

	for _, surface := range cacheSurfaces {
		if c, err := m.CacheHits.GetMetricWithLabelValues(surface); err == nil {
			if err := c.Write(&hitSample); err == nil {
				totalHits += hitSample.GetCounter().GetValue()
			}
		}
		if c, err := m.CacheMisses.GetMetricWithLabelValues(surface); err == nil {
			if err := c.Write(&missSample); err == nil {
				totalMisses += missSample.GetCounter().GetValue()
			}
		}
	}

	if total := totalHits + totalMisses; total > 0 {
		m.CacheHitRatio.Set(totalHits / total)
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
