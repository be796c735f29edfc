package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for agency. Every Record method is
// safe to call on a nil *Metrics, so components can run without metrics.
type Metrics struct {
	// Credential metrics
	KeySelections *prometheus.CounterVec
	KeyErrors     *prometheus.CounterVec
	KeyExhausted  *prometheus.CounterVec

	// Broker metrics
	BrokerDeliveries  *prometheus.CounterVec
	BrokerBroadcasts  *prometheus.CounterVec
	BrokerQueueLength prometheus.Gauge

	// Shared memory metrics
	MemoryWrites   *prometheus.CounterVec
	MemoryLockWait *prometheus.HistogramVec

	// Model dispatch metrics
	ModelCalls   *prometheus.CounterVec
	ModelLatency *prometheus.HistogramVec
	FusionRuns   *prometheus.CounterVec

	// Task graph metrics
	TaskTransitions *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

var (
	metricsOnce   sync.Once
	sharedMetrics *Metrics
)

// Default returns metrics registered on the default Prometheus registry.
func Default() *Metrics {
	metricsOnce.Do(func() {
		sharedMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// NewMetrics creates and registers all metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		KeySelections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_key_selections_total",
				Help: "Credentials handed out, by provider and selection mode",
			},
			[]string{"provider", "mode"},
		),
		KeyErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_key_errors_total",
				Help: "Credential failures reported by callers",
			},
			[]string{"provider", "rate_limited"},
		),
		KeyExhausted: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_key_exhausted_total",
				Help: "Selections that found no usable credential",
			},
			[]string{"provider"},
		),
		BrokerDeliveries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_broker_deliveries_total",
				Help: "Handler invocations by context and result",
			},
			[]string{"context", "result"},
		),
		BrokerBroadcasts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_broker_broadcasts_total",
				Help: "System notifications published",
			},
			[]string{"type"},
		),
		BrokerQueueLength: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "agency_broker_queue_length",
				Help: "Handler jobs waiting for a worker",
			},
		),
		MemoryWrites: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_memory_writes_total",
				Help: "Shared memory writes by namespace and result",
			},
			[]string{"namespace", "result"},
		),
		MemoryLockWait: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agency_memory_lock_wait_seconds",
				Help:    "Time spent acquiring shared memory locks",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			},
			[]string{"namespace"},
		),
		ModelCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_model_calls_total",
				Help: "Model calls by provider, model and outcome",
			},
			[]string{"provider", "model", "outcome"},
		),
		ModelLatency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agency_model_latency_seconds",
				Help:    "Latency of successful model calls",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"provider", "model"},
		),
		FusionRuns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_fusion_runs_total",
				Help: "Fusion invocations by strategy",
			},
			[]string{"strategy"},
		),
		TaskTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_task_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"from", "to"},
		),
		HTTPRequestsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agency_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agency_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}
}

// RecordKeySelection records a credential handed out.
func (m *Metrics) RecordKeySelection(provider, mode string) {
	if m == nil {
		return
	}
	m.KeySelections.WithLabelValues(provider, mode).Inc()
}

// RecordKeyError records a reported credential failure.
func (m *Metrics) RecordKeyError(provider string, rateLimited bool) {
	if m == nil {
		return
	}
	m.KeyErrors.WithLabelValues(provider, strconv.FormatBool(rateLimited)).Inc()
}

// RecordKeyExhausted records a selection with no usable credential.
func (m *Metrics) RecordKeyExhausted(provider string) {
	if m == nil {
		return
	}
	m.KeyExhausted.WithLabelValues(provider).Inc()
}

// RecordDelivery records one handler invocation. result is ok, error or panic.
func (m *Metrics) RecordDelivery(context, result string) {
	if m == nil {
		return
	}
	m.BrokerDeliveries.WithLabelValues(context, result).Inc()
}

// RecordBroadcast records a published system notification.
func (m *Metrics) RecordBroadcast(messageType string) {
	if m == nil {
		return
	}
	m.BrokerBroadcasts.WithLabelValues(messageType).Inc()
}

// SetQueueLength reports the broker queue length.
func (m *Metrics) SetQueueLength(n int) {
	if m == nil {
		return
	}
	m.BrokerQueueLength.Set(float64(n))
}

// RecordMemoryWrite records a shared memory write and its lock wait.
func (m *Metrics) RecordMemoryWrite(namespace string, lockWait time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MemoryWrites.WithLabelValues(namespace, result).Inc()
	m.MemoryLockWait.WithLabelValues(namespace).Observe(lockWait.Seconds())
}

// RecordModelCall records one model call. outcome is the call's final
// status; latency is observed for succeeded calls only.
func (m *Metrics) RecordModelCall(provider, model, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(provider, model, outcome).Inc()
	if outcome == "succeeded" {
		m.ModelLatency.WithLabelValues(provider, model).Observe(latency.Seconds())
	}
}

// RecordFusion records a fusion run.
func (m *Metrics) RecordFusion(strategy string) {
	if m == nil {
		return
	}
	m.FusionRuns.WithLabelValues(strategy).Inc()
}

// RecordTaskTransition records a task status transition.
func (m *Metrics) RecordTaskTransition(from, to string) {
	if m == nil {
		return
	}
	m.TaskTransitions.WithLabelValues(from, to).Inc()
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration float64) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration)
}
