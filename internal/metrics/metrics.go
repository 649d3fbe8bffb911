// Package metrics exposes Prometheus collectors for the crawl fleet.
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
	crawlPagesTotal            *prometheus.CounterVec
	crawlClaimsTotal           prometheus.Counter
	crawlBatchesTotal          prometheus.Counter
	crawlActionRetriesTotal    *prometheus.CounterVec
	crawlJobsTotal             *prometheus.CounterVec
	crawlActiveJobs            prometheus.Gauge
	fleetCrawlers              prometheus.Gauge
	fleetUnresponsiveJobsTotal prometheus.Counter
	busMessagesTotal           *prometheus.CounterVec
	robotsFallbackTotal        prometheus.Counter
	rateLimitDelaysSeconds     *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_pages_total",
				Help: "Total number of pages visited, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		crawlClaimsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_claims_total",
				Help: "Total number of URLs claimed in a dedup filter.",
			},
		)

		crawlBatchesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "crawl_progress_batches_total",
				Help: "Total number of progress batches emitted by crawl engines.",
			},
		)

		crawlActionRetriesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_page_action_retries_total",
				Help: "Total number of page-action retries after a selector wait timed out.",
			},
			[]string{"kind"},
		)

		crawlJobsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crawl_jobs_total",
				Help: "Total number of jobs finished, labeled by terminal state.",
			},
			[]string{"state"},
		)

		crawlActiveJobs = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "crawl_active_jobs",
				Help: "Number of jobs currently running in this process.",
			},
		)

		fleetCrawlers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "fleet_crawlers",
				Help: "Number of registered crawler processes.",
			},
		)

		fleetUnresponsiveJobsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "fleet_unresponsive_jobs_total",
				Help: "Total number of running jobs errored by the heartbeat monitor.",
			},
		)

		busMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bus_messages_total",
				Help: "Total number of bus messages handled, labeled by type and result.",
			},
			[]string{"type", "result"},
		)

		robotsFallbackTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "robots_fetch_fallback_total",
				Help: "Total robots.txt fetches that fell back to allow-all after TLS timeouts.",
			},
		)

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crawl_rate_limit_delays_seconds",
				Help:    "Histogram of per-host rate limit wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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

// ObservePage counts one visited page.
func ObservePage(pageURL string, outcome string) {
	Init()
	crawlPagesTotal.WithLabelValues(SanitizeSite(pageURL), outcome).Inc()
}

// ObserveClaim counts one URL claim.
func ObserveClaim() {
	Init()
	crawlClaimsTotal.Inc()
}

// ObserveBatch counts one emitted progress batch.
func ObserveBatch() {
	Init()
	crawlBatchesTotal.Inc()
}

// ObserveActionRetry counts one page-action retry.
func ObserveActionRetry(kind string) {
	Init()
	crawlActionRetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveJob increments the job counter for the given terminal state.
func ObserveJob(state string) {
	Init()
	crawlJobsTotal.WithLabelValues(state).Inc()
}

// IncActiveJobs increments the active jobs gauge.
func IncActiveJobs() {
	Init()
	crawlActiveJobs.Inc()
}

// DecActiveJobs decrements the active jobs gauge.
func DecActiveJobs() {
	Init()
	crawlActiveJobs.Dec()
}

// SetCrawlers records the number of registered crawlers.
func SetCrawlers(n int) {
	Init()
	fleetCrawlers.Set(float64(n))
}

// ObserveUnresponsiveJob counts one job errored by the heartbeat monitor.
func ObserveUnresponsiveJob() {
	Init()
	fleetUnresponsiveJobsTotal.Inc()
}

// ObserveBusMessage counts one handled bus message.
func ObserveBusMessage(msgType string, result string) {
	Init()
	busMessagesTotal.WithLabelValues(msgType, result).Inc()
}

// ObserveRobotsFallback counts one allow-all robots fallback.
func ObserveRobotsFallback() {
	Init()
	robotsFallbackTotal.Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
