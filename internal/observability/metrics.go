package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsCollector holds all Prometheus metrics for the service.
// Uses a custom registry, no global state. It implements the metric
// interfaces declared by the pipeline, health, audit and orchestrator
// packages.
type MetricsCollector struct {
	Registry *prometheus.Registry

	// Lifecycle metrics.
	TransitionsTotal *prometheus.CounterVec

	// Invocation metrics.
	InvocationsTotal   *prometheus.CounterVec
	InvocationDuration *prometheus.HistogramVec
	AdapterCallsTotal  *prometheus.CounterVec
	AdapterCallLatency *prometheus.HistogramVec
	RetryQueueDepth    prometheus.Gauge

	// Endpoint health: 1 for the current status, 0 for the others.
	EndpointStatus *prometheus.GaugeVec

	// Audit metrics.
	AuditAppendsTotal *prometheus.CounterVec

	// HTTP gateway metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	ActiveRequests      prometheus.Gauge
}

var endpointStatuses = []string{"healthy", "degraded", "down"}

// NewMetricsCollector creates a MetricsCollector with all metrics registered
// on a custom prometheus.Registry.
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()

	m := &MetricsCollector{
		Registry: reg,

		TransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "approval",
			Name:      "transitions_total",
			Help:      "Total approval state transitions.",
		}, []string{"from", "to"}),

		InvocationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "pipeline",
			Name:      "invocations_total",
			Help:      "Total pipeline invocations by outcome.",
		}, []string{"domain", "tool_ref", "outcome"}),

		InvocationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Subsystem: "pipeline",
			Name:      "invocation_duration_seconds",
			Help:      "Pipeline invocation duration in seconds, retries included.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"domain", "tool_ref"}),

		AdapterCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "adapter",
			Name:      "calls_total",
			Help:      "Total adapter calls by error code.",
		}, []string{"adapter", "code"}),

		AdapterCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Subsystem: "adapter",
			Name:      "call_duration_seconds",
			Help:      "Single adapter call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"adapter"}),

		RetryQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Subsystem: "retry",
			Name:      "queue_depth",
			Help:      "Active retryable requests awaiting replay.",
		}),

		EndpointStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Subsystem: "endpoint",
			Name:      "status",
			Help:      "Endpoint health status (1 = current).",
		}, []string{"endpoint", "domain", "status"}),

		AuditAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "audit",
			Name:      "appends_total",
			Help:      "Total audit appends by entry result and write status.",
		}, []string{"result", "status"}),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gatekeeper",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests.",
		}, []string{"method", "path", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gatekeeper",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),

		ActiveRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "gatekeeper",
			Name:      "active_requests",
			Help:      "Number of in-flight HTTP requests.",
		}),
	}

	reg.MustRegister(
		m.TransitionsTotal,
		m.InvocationsTotal,
		m.InvocationDuration,
		m.AdapterCallsTotal,
		m.AdapterCallLatency,
		m.RetryQueueDepth,
		m.EndpointStatus,
		m.AuditAppendsTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ActiveRequests,
	)
	return m
}

// RecordTransition counts a state transition.
func (m *MetricsCollector) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// RecordInvocation counts a pipeline invocation.
func (m *MetricsCollector) RecordInvocation(domain, toolRef, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.InvocationsTotal.WithLabelValues(domain, toolRef, outcome).Inc()
	m.InvocationDuration.WithLabelValues(domain, toolRef).Observe(d.Seconds())
}

// SetRetryQueueDepth reports the active queue size.
func (m *MetricsCollector) SetRetryQueueDepth(n int) {
	if m == nil {
		return
	}
	m.RetryQueueDepth.Set(float64(n))
}

// SetEndpointStatus marks status as the current one for the endpoint.
func (m *MetricsCollector) SetEndpointStatus(name, domain, status string) {
	if m == nil {
		return
	}
	for _, s := range endpointStatuses {
		v := 0.0
		if s == status {
			v = 1
		}
		m.EndpointStatus.WithLabelValues(name, domain, s).Set(v)
	}
}

// RecordAuditAppend counts an audit write.
func (m *MetricsCollector) RecordAuditAppend(result string, ok bool) {
	if m == nil {
		return
	}
	status := "ok"
	if !ok {
		status = "failed"
	}
	m.AuditAppendsTotal.WithLabelValues(result, status).Inc()
}
