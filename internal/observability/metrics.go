package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/ratify/model"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	scanDurationBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
	// Approval cycle times run from minutes to weeks.
	cycleBuckets = []float64{60, 600, 3600, 4 * 3600, 24 * 3600, 3 * 24 * 3600, 7 * 24 * 3600, 30 * 24 * 3600}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Workflow metrics
	SubmissionsTotal *prometheus.CounterVec
	TransitionsTotal *prometheus.CounterVec
	CompletionsTotal *prometheus.CounterVec
	OpenInstances    *prometheus.GaugeVec
	CycleDuration    *prometheus.HistogramVec

	// Notification metrics
	NotificationsTotal *prometheus.CounterVec
	SinkCircuitBreaker *prometheus.GaugeVec
	IdempotentReplays  prometheus.Counter

	// Scheduler metrics
	EscalationScansTotal prometheus.Counter
	ScanOutcomesTotal    *prometheus.CounterVec
	ScanDuration         prometheus.Histogram

	// Registry metrics
	ThresholdsLoaded  prometheus.Gauge
	DelegationReloads *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratify_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratify_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratify_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_submissions_total",
			Help: "Total number of document submissions by resulting status.",
		}, []string{"workflow_type", "status"}),
		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_transitions_total",
			Help: "Total number of recorded history actions.",
		}, []string{"workflow_type", "action"}),
		CompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_completions_total",
			Help: "Total number of instances reaching a terminal status.",
		}, []string{"workflow_type", "final_status"}),
		OpenInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratify_open_instances",
			Help: "Instances submitted by this process and not yet terminal.",
		}, []string{"workflow_type"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ratify_cycle_duration_seconds",
			Help:    "Time from submission to terminal status in seconds.",
			Buckets: cycleBuckets,
		}, []string{"workflow_type", "final_status"}),

		// Notifications
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_notifications_total",
			Help: "Total notification delivery attempts by result.",
		}, []string{"type", "result"}),
		SinkCircuitBreaker: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ratify_notify_circuit_breaker_state",
			Help: "Sink circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"sink"}),
		IdempotentReplays: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_idempotent_replays_total",
			Help: "Submissions answered from the idempotency store.",
		}),

		// Scheduler
		EscalationScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratify_escalation_scans_total",
			Help: "Total number of escalation scheduler scans.",
		}),
		ScanOutcomesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_escalation_outcomes_total",
			Help: "Deadline outcomes fired by the scheduler.",
		}, []string{"outcome"}),
		ScanDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "ratify_escalation_scan_duration_seconds",
			Help:    "Escalation scan duration in seconds.",
			Buckets: scanDurationBuckets,
		}),

		// Registries
		ThresholdsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "ratify_thresholds_loaded",
			Help: "Number of thresholds in the active snapshot.",
		}),
		DelegationReloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratify_delegation_reloads_total",
			Help: "Delegation snapshot reloads by status.",
		}, []string{"status"}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Workflows
		m.SubmissionsTotal,
		m.TransitionsTotal,
		m.CompletionsTotal,
		m.OpenInstances,
		m.CycleDuration,
		// Notifications
		m.NotificationsTotal,
		m.SinkCircuitBreaker,
		m.IdempotentReplays,
		// Scheduler
		m.EscalationScansTotal,
		m.ScanOutcomesTotal,
		m.ScanDuration,
		// Registries
		m.ThresholdsLoaded,
		m.DelegationReloads,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records a created instance.
func (m *Metrics) RecordSubmission(workflowType string, status model.InstanceStatus) {
	m.SubmissionsTotal.WithLabelValues(workflowType, string(status)).Inc()
	m.OpenInstances.WithLabelValues(workflowType).Inc()
}

// RecordTransition records one appended history action.
func (m *Metrics) RecordTransition(workflowType string, action model.HistoryAction) {
	m.TransitionsTotal.WithLabelValues(workflowType, string(action)).Inc()
}

// RecordCompletion records an instance reaching a terminal status.
func (m *Metrics) RecordCompletion(workflowType string, status model.InstanceStatus, elapsed time.Duration) {
	m.CompletionsTotal.WithLabelValues(workflowType, string(status)).Inc()
	m.OpenInstances.WithLabelValues(workflowType).Dec()
	m.CycleDuration.WithLabelValues(workflowType, string(status)).Observe(elapsed.Seconds())
}

// RecordNotification records one delivery attempt.
func (m *Metrics) RecordNotification(kind model.NotificationType, err error) {
	result := "delivered"
	if err != nil {
		result = "failed"
	}
	m.NotificationsTotal.WithLabelValues(string(kind), result).Inc()
}

// SetSinkCircuitBreakerState sets the breaker gauge for a sink.
// 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetSinkCircuitBreakerState(sink string, state float64) {
	m.SinkCircuitBreaker.WithLabelValues(sink).Set(state)
}

// RecordIdempotentReplay records a submission served from the idempotency store.
func (m *Metrics) RecordIdempotentReplay() {
	m.IdempotentReplays.Inc()
}

// RecordEscalationScan records the outcome of one scheduler scan.
func (m *Metrics) RecordEscalationScan(escalated, expired, failed int, elapsed time.Duration) {
	m.EscalationScansTotal.Inc()
	m.ScanOutcomesTotal.WithLabelValues("escalated").Add(float64(escalated))
	m.ScanOutcomesTotal.WithLabelValues("expired").Add(float64(expired))
	m.ScanOutcomesTotal.WithLabelValues("failed").Add(float64(failed))
	m.ScanDuration.Observe(elapsed.Seconds())
}

// SetThresholdsLoaded sets the number of thresholds in the active snapshot.
func (m *Metrics) SetThresholdsLoaded(count int) {
	m.ThresholdsLoaded.Set(float64(count))
}

// RecordDelegationReload records a delegation snapshot reload.
func (m *Metrics) RecordDelegationReload(status string) {
	m.DelegationReloads.WithLabelValues(status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &responseRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// responseRecorder wraps http.ResponseWriter to capture status and bytes.
type responseRecorder struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *responseRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *responseRecorder) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
