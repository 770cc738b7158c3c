package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 100},
		},
		[]string{"route", "method"},
	)

	AnalyzerRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "analyzer_requests_total",
			Help: "Total number of vision analyzer calls by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)
	AnalyzerRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "analyzer_request_duration_seconds",
			Help:    "Vision analyzer call duration in seconds",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20},
		},
		[]string{"operation"},
	)
	// Defaulted verdicts (JSON parse fallback) are counted separately so the
	// fallback path stays visible on dashboards.
	VerdictsDefaultedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analyzer_verdicts_defaulted_total",
			Help: "Total number of verdicts synthesized by the parse fallback",
		},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs enqueued",
		},
		[]string{"kind"},
	)
	JobsRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_running",
			Help: "Number of jobs currently running",
		},
		[]string{"kind"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs completed",
		},
		[]string{"kind"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs failed by error kind",
		},
		[]string{"kind", "error_kind"},
	)

	BatchImagesSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "analysis_images_skipped_total",
			Help: "Images left unanalyzed because the wall-clock budget ran out",
		},
	)
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "recon_stage_duration_seconds",
			Help:    "Reconstruction stage duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"stage"},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AnalyzerRequestsTotal)
	prometheus.MustRegister(AnalyzerRequestDuration)
	prometheus.MustRegister(VerdictsDefaultedTotal)
	prometheus.MustRegister(JobsEnqueuedTotal)
	prometheus.MustRegister(JobsRunning)
	prometheus.MustRegister(JobsCompletedTotal)
	prometheus.MustRegister(JobsFailedTotal)
	prometheus.MustRegister(BatchImagesSkippedTotal)
	prometheus.MustRegister(StageDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		HTTPRequestsTotal.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(route, r.Method).Observe(dur)
	})
}
