// Package metrics exposes Prometheus collectors for the scraper service.
package metrics

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	jobsTotal             *prometheus.CounterVec
	fetchAttemptsTotal    *prometheus.CounterVec
	retriesTotal          prometheus.Counter
	challengesTotal       *prometheus.CounterVec
	fetchDurationSeconds  *prometheus.HistogramVec
	activeWorkers         prometheus.Gauge
	batchesTotal          *prometheus.CounterVec
	batchDurationSeconds  prometheus.Histogram
	batchJobs             *prometheus.GaugeVec
	rateLimitDelaySeconds *prometheus.HistogramVec
	httpRequestsTotal     *prometheus.CounterVec
	httpDurationSeconds   *prometheus.HistogramVec

	once sync.Once
)

// Init registers the collectors with the default registry. It is idempotent
// and every Observe helper calls it, so explicit calls are optional.
func Init() {
	once.Do(func() {
		jobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_jobs_total",
			Help: "Jobs acknowledged, labeled by outcome (completed, failed, challenged).",
		}, []string{"status"})
		fetchAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_fetch_attempts_total",
			Help: "Fetch attempts, labeled by result (success, error, challenge).",
		}, []string{"result"})
		retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
			Name: "scraper_retries_total",
			Help: "Backoff sleeps scheduled after a failed attempt.",
		})
		challengesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_challenges_total",
			Help: "Anti-bot challenge pages seen, labeled by site.",
		}, []string{"site"})
		fetchDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_fetch_duration_seconds",
			Help:    "Fetch latency per attempt, labeled by site.",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 40, 60},
		}, []string{"site"})
		activeWorkers = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_active_workers",
			Help: "Workers currently holding a lease.",
		})
		batchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "scraper_batches_total",
			Help: "Batches run, labeled by result (ok, empty, error).",
		}, []string{"result"})
		batchDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "scraper_batch_duration_seconds",
			Help:    "Wall time of a batch from discovery to drain.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		})
		batchJobs = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "scraper_last_batch_jobs",
			Help: "Final job counts of the most recent batch, labeled by state.",
		}, []string{"state"})
		rateLimitDelaySeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scraper_rate_limit_delay_seconds",
			Help:    "Time spent waiting on the per-domain limiter.",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"domain"})
		httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests served, labeled by method and code.",
		}, []string{"method", "code"})
		httpDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 30, 120, 600},
		}, []string{"method", "route"})
	})
}

// SanitizeSite reduces a URL to its lowercase hostname, or "unknown".
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

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveJob counts an acknowledged job.
func ObserveJob(status string) {
	Init()
	jobsTotal.WithLabelValues(status).Inc()
}

// ObserveAttempt counts one fetch attempt.
func ObserveAttempt(result string) {
	Init()
	fetchAttemptsTotal.WithLabelValues(result).Inc()
}

// ObserveRetry counts one scheduled retry.
func ObserveRetry() {
	Init()
	retriesTotal.Inc()
}

// ObserveChallenge counts a challenge page for the URL's site.
func ObserveChallenge(rawURL string) {
	Init()
	challengesTotal.WithLabelValues(SanitizeSite(rawURL)).Inc()
}

// ObserveFetch records one attempt's latency.
func ObserveFetch(rawURL string, d time.Duration) {
	Init()
	fetchDurationSeconds.WithLabelValues(SanitizeSite(rawURL)).Observe(d.Seconds())
}

// IncActiveWorkers marks a worker busy.
func IncActiveWorkers() {
	Init()
	activeWorkers.Inc()
}

// DecActiveWorkers marks a worker idle.
func DecActiveWorkers() {
	Init()
	activeWorkers.Dec()
}

// ObserveBatch records a finished batch and its final counts.
func ObserveBatch(result string, d time.Duration, waiting, active, completed, failed int) {
	Init()
	batchesTotal.WithLabelValues(result).Inc()
	batchDurationSeconds.Observe(d.Seconds())
	batchJobs.WithLabelValues("waiting").Set(float64(waiting))
	batchJobs.WithLabelValues("active").Set(float64(active))
	batchJobs.WithLabelValues("completed").Set(float64(completed))
	batchJobs.WithLabelValues("failed").Set(float64(failed))
}

// ObserveRateLimitDelay records a limiter wait.
func ObserveRateLimitDelay(domain string, d time.Duration) {
	Init()
	rateLimitDelaySeconds.WithLabelValues(domain).Observe(d.Seconds())
}

// Middleware records request counts and latency per chi route.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		Init()
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		route := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		httpRequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		httpDurationSeconds.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
