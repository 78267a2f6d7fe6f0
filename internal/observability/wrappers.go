package observability

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/audit"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/health"
	"github.com/jkaninda/gatekeeper/internal/orchestrator"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
)

// InstrumentedAdapter wraps an adapter.Adapter with metrics and tracing.
type InstrumentedAdapter struct {
	inner   adapter.Adapter
	metrics *MetricsCollector
	tracer  trace.Tracer
}

// NewInstrumentedAdapter wraps a tool adapter with observability. Either
// metrics or ts may be nil.
func NewInstrumentedAdapter(inner adapter.Adapter, metrics *MetricsCollector, ts *TracerSetup) *InstrumentedAdapter {
	var tracer trace.Tracer
	if ts != nil {
		tracer = ts.Tracer()
	}
	return &InstrumentedAdapter{inner: inner, metrics: metrics, tracer: tracer}
}

func (a *InstrumentedAdapter) Name() string   { return a.inner.Name() }
func (a *InstrumentedAdapter) Domain() string { return a.inner.Domain() }

func (a *InstrumentedAdapter) Execute(ctx context.Context, call adapter.Call) (*adapter.Output, error) {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "adapter.execute",
			trace.WithAttributes(
				attribute.String("adapter.name", a.inner.Name()),
				attribute.String("adapter.action_type", call.ActionType),
				attribute.String("approval.id", call.RequestID),
			))
		defer span.End()
	}

	start := time.Now()
	out, err := a.inner.Execute(ctx, call)
	duration := time.Since(start).Seconds()

	code := "ok"
	if err != nil {
		code = string(domain.CodeOf(err))
		if a.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, code)
		}
	}

	if a.metrics != nil {
		a.metrics.AdapterCallsTotal.WithLabelValues(a.inner.Name(), code).Inc()
		a.metrics.AdapterCallLatency.WithLabelValues(a.inner.Name()).Observe(duration)
	}
	return out, err
}

func (a *InstrumentedAdapter) HealthCheck(ctx context.Context) adapter.Probe {
	if a.tracer != nil {
		var span trace.Span
		ctx, span = a.tracer.Start(ctx, "adapter.health_check",
			trace.WithAttributes(attribute.String("adapter.name", a.inner.Name())))
		defer span.End()
	}
	return a.inner.HealthCheck(ctx)
}

// Unwrap returns the wrapped adapter.
func (a *InstrumentedAdapter) Unwrap() adapter.Adapter { return a.inner }

// --- Compile-time interface checks ---

var (
	_ adapter.Adapter       = (*InstrumentedAdapter)(nil)
	_ pipeline.Metrics      = (*MetricsCollector)(nil)
	_ pipeline.QueueMetrics = (*MetricsCollector)(nil)
	_ health.Metrics        = (*MetricsCollector)(nil)
	_ audit.Metrics         = (*MetricsCollector)(nil)
	_ orchestrator.Metrics  = (*MetricsCollector)(nil)
)

// statusCode returns the HTTP status code as a string for metric labels.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
