// Package metrics exposes Prometheus collectors for the analysis service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	analysesTotal              *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	fetchDurationSeconds       *prometheus.HistogramVec
	cacheEventsTotal           *prometheus.CounterVec
	ssrfBlocksTotal            prometheus.Counter
	rateLimitDeniedTotal       prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		analysesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seoscope_analyses_total",
				Help: "Total number of analyses, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seoscope_fetch_bytes_total",
				Help: "Total number of bytes fetched from target pages, labeled by site.",
			},
			[]string{"site"},
		)

		fetchDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "seoscope_fetch_duration_seconds",
				Help:    "Histogram of outbound fetch latencies, labeled by site.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"site"},
		)

		cacheEventsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "seoscope_cache_events_total",
				Help: "Total cache events, labeled by event (hit, miss, store, delete).",
			},
			[]string{"event"},
		)

		ssrfBlocksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "seoscope_ssrf_blocks_total",
				Help: "Total requests refused because the target resolved to a blocked address.",
			},
		)

		rateLimitDeniedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "seoscope_rate_limit_denied_total",
				Help: "Total requests denied by the rate limiter.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// SanitizeSite sanitizes a URL to extract a lowercase hostname.
// It returns "unknown" if the URL is invalid.
func SanitizeSite(rawURL string) string {
	if !strings.HasPrefix(rawURL, "http") {
		rawURL = "http://" + rawURL
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return "unknown"
	}
	return strings.ToLower(u.Hostname())
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAnalysis records one completed or failed analysis.
func ObserveAnalysis(site string, outcome string, bytesFetched int64, fetchDuration time.Duration) {
	sanitized := SanitizeSite(site)
	analysesTotal.WithLabelValues(sanitized, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(bytesFetched))
	}
	if fetchDuration > 0 {
		fetchDurationSeconds.WithLabelValues(sanitized).Observe(fetchDuration.Seconds())
	}
}

// ObserveCacheEvent increments the cache event counter.
func ObserveCacheEvent(event string) {
	cacheEventsTotal.WithLabelValues(event).Inc()
}

// ObserveSSRFBlock increments the blocked-target counter.
func ObserveSSRFBlock() {
	ssrfBlocksTotal.Inc()
}

// ObserveRateLimitDenied increments the denied-request counter.
func ObserveRateLimitDenied() {
	rateLimitDeniedTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
