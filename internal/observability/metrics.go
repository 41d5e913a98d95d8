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
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsEnqueuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_enqueued_total",
			Help: "Total number of jobs accepted and enqueued",
		},
		[]string{"task_type"},
	)
	JobsProcessing = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobs_processing",
			Help: "Number of jobs currently being executed",
		},
		[]string{"task_type"},
	)
	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_completed_total",
			Help: "Total number of jobs finished in completed state",
		},
		[]string{"task_type"},
	)
	JobsFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_failed_total",
			Help: "Total number of jobs finished in error state",
		},
		[]string{"task_type"},
	)
	JobsRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_retried_total",
			Help: "Total number of soft retries (processing back to pending)",
		},
		[]string{"task_type"},
	)

	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_depth",
			Help: "Entries currently in the priority queue",
		},
	)
	QueueLeased = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_leased",
			Help: "Queue entries currently under an unexpired lease",
		},
	)
	SyncBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "sync_backlog",
			Help: "Results awaiting media-metadata confirmation",
		},
	)

	InferenceDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inference_duration_seconds",
			Help:    "Model inference duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"task_type"},
	)
	MediaFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "media_fetch_duration_seconds",
			Help:    "Media store fetch duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
	)
	VectorUpsertDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vector_upsert_duration_seconds",
			Help:    "Vector store upsert duration in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"collection"},
	)

	BroadcastPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_published_total",
			Help: "Terminal job events delivered to the broker",
		},
		[]string{"kind"},
	)
	BroadcastDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broadcast_dropped_total",
			Help: "Terminal job events dropped after exhausting publish retries",
		},
		[]string{"kind"},
	)
)

// InitMetrics registers all collectors. Call once per process.
func InitMetrics() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		JobsEnqueuedTotal,
		JobsProcessing,
		JobsCompletedTotal,
		JobsFailedTotal,
		JobsRetriedTotal,
		QueueDepth,
		QueueLeased,
		SyncBacklog,
		InferenceDuration,
		MediaFetchDuration,
		VectorUpsertDuration,
		BroadcastPublishedTotal,
		BroadcastDroppedTotal,
	)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
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

func JobEnqueued(task string) {
	JobsEnqueuedTotal.WithLabelValues(task).Inc()
}

func JobStarted(task string) {
	JobsProcessing.WithLabelValues(task).Inc()
}

func JobCompleted(task string) {
	JobsProcessing.WithLabelValues(task).Dec()
	JobsCompletedTotal.WithLabelValues(task).Inc()
}

func JobFailed(task string) {
	JobsProcessing.WithLabelValues(task).Dec()
	JobsFailedTotal.WithLabelValues(task).Inc()
}

func JobRetried(task string) {
	JobsProcessing.WithLabelValues(task).Dec()
	JobsRetriedTotal.WithLabelValues(task).Inc()
}

// JobAbandoned unwinds the processing gauge without a terminal counter,
// used when a lease is lost mid-attempt and another worker will finish.
func JobAbandoned(task string) {
	JobsProcessing.WithLabelValues(task).Dec()
}

func ObserveInference(task string, d time.Duration) {
	InferenceDuration.WithLabelValues(task).Observe(d.Seconds())
}

func ObserveMediaFetch(d time.Duration) {
	MediaFetchDuration.Observe(d.Seconds())
}

func ObserveVectorUpsert(collection string, d time.Duration) {
	VectorUpsertDuration.WithLabelValues(collection).Observe(d.Seconds())
}

func BroadcastPublished(kind string) {
	BroadcastPublishedTotal.WithLabelValues(kind).Inc()
}

func BroadcastDropped(kind string) {
	BroadcastDroppedTotal.WithLabelValues(kind).Inc()
}

func SetQueueGauges(depth, leased int64) {
	QueueDepth.Set(float64(depth))
	QueueLeased.Set(float64(leased))
}

func SetSyncBacklog(n int64) {
	SyncBacklog.Set(float64(n))
}
