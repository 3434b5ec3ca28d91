// Package metrics exposes Prometheus collectors for crawls, screenshots and
// the HTTP service.
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

// Crawl outcomes.
const (
	OutcomeCacheHit = "cache_hit"
	OutcomeRendered = "rendered"
	OutcomeFallback = "fallback"
	OutcomeFailed   = "failed"
)

// Screenshot outcomes.
const (
	ScreenshotCaptured = "captured"
	ScreenshotDegraded = "degraded"
)

var (
	crawlsTotal                *prometheus.CounterVec
	crawlDurationSeconds       *prometheus.HistogramVec
	fallbacksTotal             *prometheus.CounterVec
	screenshotsTotal           *prometheus.CounterVec
	cacheWriteFailuresTotal    prometheus.Counter
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	sessionsInUse              prometheus.Gauge

	mu   sync.RWMutex
	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		mu.Lock()
		defer mu.Unlock()

		crawlsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_crawls_total",
				Help: "Total number of crawls, labeled by site, strategy and outcome.",
			},
			[]string{"site", "strategy", "outcome"},
		)

		crawlDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pagesnap_crawl_duration_seconds",
				Help:    "Histogram of crawl latencies, labeled by strategy and outcome.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"strategy", "outcome"},
		)

		fallbacksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_fallbacks_total",
				Help: "Total escalations to a visible browser, labeled by reason.",
			},
			[]string{"reason"},
		)

		screenshotsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pagesnap_screenshots_total",
				Help: "Total screenshots, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
		)

		cacheWriteFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "pagesnap_cache_write_failures_total",
				Help: "Total cache writes that failed and were skipped.",
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
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"method", "route"},
		)

		sessionsInUse = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "pagesnap_sessions_in_use",
				Help: "Number of pooled renderers currently serving a request.",
			},
		)
	})
}

func ready() bool {
	mu.RLock()
	defer mu.RUnlock()
	return crawlsTotal != nil
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

// ObserveCrawl records one finished crawl. No-op before Init.
func ObserveCrawl(site, strategy, outcome string, duration time.Duration) {
	if !ready() {
		return
	}
	crawlsTotal.WithLabelValues(SanitizeSite(site), strategy, outcome).Inc()
	crawlDurationSeconds.WithLabelValues(strategy, outcome).Observe(duration.Seconds())
}

// ObserveFallback records an escalation to a visible browser.
func ObserveFallback(reason string) {
	if !ready() {
		return
	}
	fallbacksTotal.WithLabelValues(reason).Inc()
}

// ObserveScreenshot records a screenshot outcome.
func ObserveScreenshot(strategy, outcome string) {
	if !ready() {
		return
	}
	screenshotsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveCacheWriteFailure counts a skipped cache write.
func ObserveCacheWriteFailure() {
	if !ready() {
		return
	}
	cacheWriteFailuresTotal.Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	if !ready() {
		return
	}
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// IncSessionsInUse increments the pooled renderer gauge.
func IncSessionsInUse() {
	if !ready() {
		return
	}
	sessionsInUse.Inc()
}

// DecSessionsInUse decrements the pooled renderer gauge.
func DecSessionsInUse() {
	if !ready() {
		return
	}
	sessionsInUse.Dec()
}
