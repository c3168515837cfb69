// Package metrics exposes Prometheus collectors for the scraper service.
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
	scraperFetchesTotal               *prometheus.CounterVec
	scraperFetchBytesTotal            *prometheus.CounterVec
	apiRequestsTotal                  *prometheus.CounterVec
	apiRequestDurationSeconds         *prometheus.HistogramVec
	apiRequestsInFlight               prometheus.Gauge
	apiResponseBytesTotal             *prometheus.CounterVec
	scraperRobotsTLSTimeoutTotal      prometheus.Counter
	scraperWorkerJobsTotal            *prometheus.CounterVec
	scraperBusyWorkers                prometheus.Gauge
	scraperRateLimitDelaySeconds      *prometheus.HistogramVec
	scraperHeadlessPromotionsTotal    prometheus.Counter
	scraperArchiveFailuresTotal       prometheus.Counter
	scraperWorkerPanicsRecoveredTotal prometheus.Counter

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		scraperFetchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetches_total",
				Help: "Total number of fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		scraperFetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_bytes_total",
				Help: "Total number of body bytes fetched, labeled by site.",
			},
			[]string{"site"},
		)

		apiRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_api_requests_total",
				Help: "Total job API requests, labeled by method, route and status class.",
			},
			[]string{"method", "route", "class"},
		)

		apiRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "scraper_api_request_duration_seconds",
				Help: "Histogram of job API latencies, labeled by method and route.",
				// Result long-polls land in the upper buckets.
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 15, 30, 60},
			},
			[]string{"method", "route"},
		)

		apiRequestsInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_api_requests_in_flight",
				Help: "Job API requests currently being served, long-polls included.",
			},
		)

		apiResponseBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_api_response_bytes_total",
				Help: "Total response body bytes written by the job API, labeled by route.",
			},
			[]string{"route"},
		)

		scraperRobotsTLSTimeoutTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_robots_tls_handshake_timeout_total",
				Help: "Total TLS handshake timeouts encountered while probing robots.txt.",
			},
		)

		scraperWorkerJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_worker_jobs_total",
				Help: "Total number of jobs handled by workers, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		scraperBusyWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "scraper_busy_workers",
				Help: "Number of workers currently executing a job.",
			},
		)

		scraperRateLimitDelaySeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_rate_limit_delay_seconds",
				Help:    "Histogram of per-domain rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
		)

		scraperHeadlessPromotionsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_headless_promotions_total",
				Help: "Total fetches re-run in a headless browser after the probe looked script-rendered.",
			},
		)

		scraperArchiveFailuresTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_archive_failures_total",
				Help: "Total page bodies that could not be written to the blob store.",
			},
		)

		scraperWorkerPanicsRecoveredTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "scraper_worker_panics_recovered_total",
				Help: "Total fetcher panics recovered by workers.",
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

// ObserveFetch records one fetch attempt.
func ObserveFetch(site string, outcome string, bytesFetched int) {
	Init()
	sanitizedSite := SanitizeSite(site)
	scraperFetchesTotal.WithLabelValues(sanitizedSite, outcome).Inc()
	if bytesFetched > 0 {
		scraperFetchBytesTotal.WithLabelValues(sanitizedSite).Add(float64(bytesFetched))
	}
}

// ObserveAPIRequest records one finished job API request.
func ObserveAPIRequest(method, route string, code, bytesWritten int, duration time.Duration) {
	Init()
	apiRequestsTotal.WithLabelValues(method, route, StatusClass(code)).Inc()
	apiRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
	apiResponseBytesTotal.WithLabelValues(route).Add(float64(bytesWritten))
}

// StatusClass buckets an HTTP status code into "2xx", "4xx" and so on.
func StatusClass(code int) string {
	if code < 100 || code > 599 {
		return "unknown"
	}
	return strconv.Itoa(code/100) + "xx"
}

// ObserveRobotsTLSHandshakeTimeout increments the robots.txt handshake timeout counter.
func ObserveRobotsTLSHandshakeTimeout() {
	Init()
	scraperRobotsTLSTimeoutTotal.Inc()
}

// ObserveWorkerJob increments the worker outcome counter.
func ObserveWorkerJob(outcome string) {
	Init()
	scraperWorkerJobsTotal.WithLabelValues(outcome).Inc()
}

// IncBusyWorkers increments the busy workers gauge.
func IncBusyWorkers() {
	Init()
	scraperBusyWorkers.Inc()
}

// DecBusyWorkers decrements the busy workers gauge.
func DecBusyWorkers() {
	Init()
	scraperBusyWorkers.Dec()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	scraperRateLimitDelaySeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHeadlessPromotion counts a headless re-fetch.
func ObserveHeadlessPromotion() {
	Init()
	scraperHeadlessPromotionsTotal.Inc()
}

// ObserveArchiveFailure counts a failed blob write.
func ObserveArchiveFailure() {
	Init()
	scraperArchiveFailuresTotal.Inc()
}

// ObserveRecoveredPanic counts a fetcher panic caught by a worker.
func ObserveRecoveredPanic() {
	Init()
	scraperWorkerPanicsRecoveredTotal.Inc()
}
