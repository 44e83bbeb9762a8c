// Package metrics exposes Prometheus collectors for the harvester.
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
	harvestPagesTotal          *prometheus.CounterVec
	harvestRecordsTotal        *prometheus.CounterVec
	harvestDroppedTotal        *prometheus.CounterVec
	downloadsTotal             *prometheus.CounterVec
	eutilsRequestSeconds       *prometheus.HistogramVec
	robotsFetchesTotal         *prometheus.CounterVec
	robotsDecisionsTotal       *prometheus.CounterVec
	rateLimitDelaySeconds      *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		harvestPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_pages_total",
				Help: "Pages requested from the archive, labeled by mode and outcome.",
			},
			[]string{"mode", "outcome"},
		)

		harvestRecordsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_records_upserted_total",
				Help: "Records written to the sink, labeled by mode.",
			},
			[]string{"mode"},
		)

		harvestDroppedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_documents_dropped_total",
				Help: "Documents dropped by the extractor, labeled by reason.",
			},
			[]string{"reason"},
		)

		downloadsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_downloads_total",
				Help: "Supplementary document downloads, labeled by kind and outcome.",
			},
			[]string{"kind", "outcome"},
		)

		eutilsRequestSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_eutils_request_seconds",
				Help:    "E-utilities request latency, labeled by endpoint.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"endpoint"},
		)

		robotsFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_fetches_total",
				Help: "robots.txt fetches, labeled by origin and outcome.",
			},
			[]string{"origin", "outcome"},
		)

		robotsDecisionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "harvester_robots_decisions_total",
				Help: "Permission checks, labeled by site and decision.",
			},
			[]string{"site", "decision"},
		)

		rateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "harvester_rate_limit_delay_seconds",
				Help:    "Time spent waiting on the per-host rate limiter.",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2},
			},
			[]string{"site"},
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

// ObservePage counts one page request. Outcome is "ok", "empty", or "error".
func ObservePage(mode, outcome string) {
	Init()
	harvestPagesTotal.WithLabelValues(mode, outcome).Inc()
}

// ObserveRecords adds n upserted records for the mode.
func ObserveRecords(mode string, n int) {
	Init()
	if n > 0 {
		harvestRecordsTotal.WithLabelValues(mode).Add(float64(n))
	}
}

// ObserveDropped counts a document the extractor could not turn into a record.
func ObserveDropped(reason string) {
	Init()
	harvestDroppedTotal.WithLabelValues(reason).Inc()
}

// ObserveDownload counts one supplementary download attempt. Outcome is
// "saved", "denied", or "error".
func ObserveDownload(kind, outcome string) {
	Init()
	downloadsTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveEUtilsRequest records the latency of one E-utilities call.
func ObserveEUtilsRequest(endpoint string, d time.Duration) {
	Init()
	eutilsRequestSeconds.WithLabelValues(endpoint).Observe(d.Seconds())
}

// ObserveRobotsFetch counts one robots.txt retrieval for an origin.
func ObserveRobotsFetch(origin, outcome string) {
	Init()
	robotsFetchesTotal.WithLabelValues(SanitizeSite(origin), outcome).Inc()
}

// ObserveRobotsDecision counts one permission decision for a URL.
func ObserveRobotsDecision(rawURL string, allowed bool) {
	Init()
	decision := "denied"
	if allowed {
		decision = "allowed"
	}
	robotsDecisionsTotal.WithLabelValues(SanitizeSite(rawURL), decision).Inc()
}

// ObserveRateLimitDelay records how long a request waited for a token.
func ObserveRateLimitDelay(site string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(site).Observe(d.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
