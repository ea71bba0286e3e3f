// Package metrics exposes Prometheus collectors for the ingestion service.
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
	fetchAttemptsTotal         *prometheus.CounterVec
	fetchBytesTotal            *prometheus.CounterVec
	cacheLookupsTotal          *prometheus.CounterVec
	sessionAcquisitionsTotal   *prometheus.CounterVec
	companiesProcessedTotal    *prometheus.CounterVec
	jobRunsTotal               *prometheus.CounterVec
	jobAttemptsTotal           *prometheus.CounterVec
	jobDurationSeconds         *prometheus.HistogramVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	rateLimitDelaysSeconds     *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		fetchAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_attempts_total",
				Help: "Remote fetch attempts, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		fetchBytesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_fetch_bytes_total",
				Help: "Bytes received from remote sources, labeled by site.",
			},
			[]string{"site"},
		)

		cacheLookupsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_cache_lookups_total",
				Help: "Response cache lookups, labeled by result (hit or miss).",
			},
			[]string{"result"},
		)

		sessionAcquisitionsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_session_acquisitions_total",
				Help: "Browser session cookie acquisitions, labeled by site and outcome.",
			},
			[]string{"site", "outcome"},
		)

		companiesProcessedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_companies_processed_total",
				Help: "Companies handled by a job, labeled by job and outcome.",
			},
			[]string{"job", "outcome"},
		)

		jobRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_job_runs_total",
				Help: "Orchestrated job runs, labeled by job and final status.",
			},
			[]string{"job", "status"},
		)

		jobAttemptsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ingest_job_attempts_total",
				Help: "Individual job attempts including retries, labeled by job.",
			},
			[]string{"job"},
		)

		jobDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_job_duration_seconds",
				Help:    "Wall time of orchestrated job runs.",
				Buckets: []float64{1, 10, 60, 300, 900, 1800, 3600},
			},
			[]string{"job"},
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

		rateLimitDelaysSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ingest_rate_limit_delays_seconds",
				Help:    "Histogram of pacing wait durations.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"domain"},
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
func ObserveFetch(site, outcome string, bytesFetched int) {
	Init()
	host := SanitizeSite(site)
	fetchAttemptsTotal.WithLabelValues(host, outcome).Inc()
	if bytesFetched > 0 {
		fetchBytesTotal.WithLabelValues(host).Add(float64(bytesFetched))
	}
}

// ObserveCacheLookup records a cache hit or miss.
func ObserveCacheLookup(hit bool) {
	Init()
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookupsTotal.WithLabelValues(result).Inc()
}

// ObserveSession records a cookie acquisition attempt.
func ObserveSession(site, outcome string) {
	Init()
	sessionAcquisitionsTotal.WithLabelValues(SanitizeSite(site), outcome).Inc()
}

// ObserveCompany records the per-company outcome of a job.
func ObserveCompany(job, outcome string) {
	Init()
	companiesProcessedTotal.WithLabelValues(job, outcome).Inc()
}

// ObserveJobAttempt increments the attempt counter for job.
func ObserveJobAttempt(job string) {
	Init()
	jobAttemptsTotal.WithLabelValues(job).Inc()
}

// ObserveJobRun records the final status and duration of a run.
func ObserveJobRun(job, status string, duration time.Duration) {
	Init()
	jobRunsTotal.WithLabelValues(job, status).Inc()
	jobDurationSeconds.WithLabelValues(job).Observe(duration.Seconds())
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	Init()
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(domain string, duration time.Duration) {
	Init()
	rateLimitDelaysSeconds.WithLabelValues(domain).Observe(duration.Seconds())
}
