// Package metrics exposes Prometheus collectors for the render service.
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
	fetchResultsTotal          *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	attemptsTotal              *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	batchesTotal               *prometheus.CounterVec
	activeWorkers              prometheus.Gauge
	openTabs                   prometheus.Gauge
	launchWaitSeconds          prometheus.Histogram
	hostWaitSeconds            *prometheus.HistogramVec
	cleanupFailuresTotal       prometheus.Counter

	once sync.Once
)

// Init registers the collectors with the default registry.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchResultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_results_total",
				Help: "Terminal per-URL results, labeled by site and status.",
			},
			[]string{"site", "status"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_content_chars_total",
				Help: "Characters of rendered HTML captured, labeled by site.",
			},
			[]string{"site"},
		)

		attemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_attempts_total",
				Help: "Fetch attempts, labeled by strategy and outcome.",
			},
			[]string{"strategy", "outcome"},
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

		batchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "renderfetch_batches_total",
				Help: "Batches processed, labeled by final status.",
			},
			[]string{"status"},
		)

		activeWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "renderfetch_active_workers",
				Help: "Number of workers currently running a batch.",
			},
		)

		openTabs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "renderfetch_open_tabs",
				Help: "Tabs currently in flight in tab-pool sessions.",
			},
		)

		launchWaitSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "renderfetch_launch_wait_seconds",
				Help:    "Time spent waiting for the browser launch limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
		)

		hostWaitSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "renderfetch_host_wait_seconds",
				Help:    "Delay added by the per-host attempt limiter.",
				Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"site"},
		)

		cleanupFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "renderfetch_cleanup_failures_total",
				Help: "Browser profile directories that could not be removed.",
			},
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

// ObserveResult records one terminal per-URL result.
func ObserveResult(site string, success bool, chars int) {
	Init()
	sanitized := SanitizeSite(site)
	status := "failed"
	if success {
		status = "success"
	}
	fetchResultsTotal.WithLabelValues(sanitized, status).Inc()
	if chars > 0 {
		fetchBytesTotal.WithLabelValues(sanitized).Add(float64(chars))
	}
}

// ObserveAttempt records one attempt outcome ("success" or a failure kind).
func ObserveAttempt(strategy, outcome string) {
	Init()
	attemptsTotal.WithLabelValues(strategy, outcome).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveBatch increments the batch counter for the given status.
func ObserveBatch(status string) {
	Init()
	batchesTotal.WithLabelValues(status).Inc()
}

// IncActiveWorkers increments the active workers gauge.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers decrements the active workers gauge.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// SetOpenTabs reports the tabs currently in flight.
func SetOpenTabs(n int) {
	Init()
	openTabs.Set(float64(n))
}

// ObserveLaunchWait records the duration of a launch limiter wait.
func ObserveLaunchWait(d time.Duration) {
	Init()
	launchWaitSeconds.Observe(d.Seconds())
}

// ObserveHostWait records time an attempt spent waiting for its host's
// token.
func ObserveHostWait(site string, d time.Duration) {
	Init()
	hostWaitSeconds.WithLabelValues(SanitizeSite(site)).Observe(d.Seconds())
}

// IncCleanupFailures counts a profile directory that survived its session.
func IncCleanupFailures() {
	Init()
	cleanupFailuresTotal.Inc()
}
