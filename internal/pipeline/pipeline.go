// Package pipeline turns an approved request into one external call:
// domain tagging, endpoint health gating, immediate retries with backoff,
// and caching of unfinished work for the replay worker.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/health"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// Outcome is the disposition of one invocation.
type Outcome string

const (
	// Succeeded: the adapter accepted the call.
	Succeeded Outcome = "succeeded"
	// Queued: the call did not complete and a RetryableRequest holds it for
	// replay. The record stays executing.
	Queued Outcome = "queued"
	// Failed: the call failed terminally.
	Failed Outcome = "failed"
)

// Result describes an invocation.
type Result struct {
	Outcome     Outcome
	Domain      string
	ToolRef     string
	Attempts    int
	Duration    time.Duration
	Payload     map[string]any
	Code        domain.Code
	Err         error
	NextRetryAt time.Time // Set when Queued.
}

// Metrics receives invocation outcomes.
type Metrics interface {
	RecordInvocation(domain, toolRef, outcome string, d time.Duration)
}

// Config tunes retries.
type Config struct {
	Schedule    []time.Duration // Delay before each retry; the entry after the last attempt spaces the first replay.
	MaxAttempts int
	CallTimeout time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithTagger classifies requests that arrive without a domain.
func WithTagger(t approval.Tagger) Option { return func(p *Pipeline) { p.tagger = t } }

// WithMetrics reports outcomes.
func WithMetrics(m Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

// WithTracer records a span per invocation.
func WithTracer(t trace.Tracer) Option { return func(p *Pipeline) { p.tracer = t } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(p *Pipeline) { p.now = now } }

// Pipeline executes approved requests against registered adapters.
type Pipeline struct {
	adapters *adapter.Registry
	health   *health.Monitor
	queue    RetryQueue
	cfg      Config
	tagger   approval.Tagger
	metrics  Metrics
	tracer   trace.Tracer
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a pipeline.
func New(reg *adapter.Registry, mon *health.Monitor, q RetryQueue, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.Schedule == nil {
		cfg.Schedule = []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	p := &Pipeline{
		adapters: reg,
		health:   mon,
		queue:    q,
		cfg:      cfg,
		tracer:   noop.NewTracerProvider().Tracer(""),
		now:      time.Now,
		logger:   logger,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Queue returns the retry queue.
func (p *Pipeline) Queue() RetryQueue { return p.queue }

// Invoke executes req. The returned error is nil only when the outcome is
// Succeeded; Result is always non-nil.
func (p *Pipeline) Invoke(ctx context.Context, req *approval.Request) (*Result, error) {
	start := p.now()
	if req.Domain == "" && p.tagger != nil {
		req.Domain = p.tagger.Tag(req)
	}

	ctx, span := p.tracer.Start(ctx, "pipeline.invoke", trace.WithAttributes(
		attribute.String("approval.id", req.ID),
		attribute.String("approval.domain", req.Domain),
		attribute.String("approval.tool_ref", req.ToolRef),
	))
	defer span.End()

	res := p.invoke(ctx, req)
	res.Domain = req.Domain
	res.ToolRef = req.ToolRef
	res.Duration = p.now().Sub(start)

	span.SetAttributes(attribute.String("pipeline.outcome", string(res.Outcome)), attribute.Int("pipeline.attempts", res.Attempts))
	if res.Err != nil {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, string(res.Code))
	}
	if p.metrics != nil {
		p.metrics.RecordInvocation(req.Domain, req.ToolRef, string(res.Outcome), res.Duration)
	}
	return res, res.Err
}

func (p *Pipeline) invoke(ctx context.Context, req *approval.Request) *Result {
	a, ok := p.adapters.Get(req.ToolRef)
	if !ok {
		return failed(0, domain.Errorf(domain.CodeTerminalToolError, "no adapter registered for tool_ref %q", req.ToolRef))
	}

	if p.health.IsDown(req.ToolRef) {
		cause := domain.Errorf(domain.CodeEndpointUnavailable, "endpoint %s is down", req.ToolRef)
		return p.enqueue(ctx, req, 0, p.now().Add(delayAfter(p.cfg.Schedule, p.cfg.MaxAttempts)), cause)
	}
	if until, limited := p.health.RateLimitedUntil(req.ToolRef, p.now()); limited {
		cause := domain.Errorf(domain.CodeTransientToolError, "endpoint %s rate limited until %s", req.ToolRef, until.UTC().Format(time.RFC3339))
		return p.enqueue(ctx, req, 0, until, cause)
	}

	out, attempts, err := p.attempt(ctx, a, req)
	if err == nil {
		return &Result{Outcome: Succeeded, Attempts: attempts, Payload: out.Payload}
	}

	var rle *adapter.RateLimitError
	switch {
	case errors.As(err, &rle):
		next := rle.Limit.ResetAt
		if !next.After(p.now()) {
			next = p.now().Add(delayAfter(p.cfg.Schedule, p.cfg.MaxAttempts))
		}
		return p.enqueue(ctx, req, attempts, next, err)
	case domain.CodeOf(err).Retryable(), ctx.Err() != nil:
		return p.enqueue(ctx, req, attempts, p.now().Add(delayAfter(p.cfg.Schedule, p.cfg.MaxAttempts)), err)
	default:
		return failed(attempts, err)
	}
}

// Attempt performs a single call with no retries and reports the outcome to
// the health monitor. The replay worker uses it.
func (p *Pipeline) Attempt(ctx context.Context, req *approval.Request) (*adapter.Output, error) {
	a, ok := p.adapters.Get(req.ToolRef)
	if !ok {
		return nil, domain.Errorf(domain.CodeTerminalToolError, "no adapter registered for tool_ref %q", req.ToolRef)
	}
	return p.call(ctx, a, req)
}

// attempt runs the call under the retry schedule. Terminal and rate-limit
// errors stop retrying immediately.
func (p *Pipeline) attempt(ctx context.Context, a adapter.Adapter, req *approval.Request) (*adapter.Output, int, error) {
	attempts := 0
	op := func() (*adapter.Output, error) {
		attempts++
		out, err := p.call(ctx, a, req)
		if err == nil {
			return out, nil
		}
		var rle *adapter.RateLimitError
		if errors.As(err, &rle) || !domain.CodeOf(err).Retryable() {
			return nil, backoff.Permanent(err)
		}
		p.logger.WarnContext(ctx, "transient tool error",
			slog.String("approval_id", req.ID),
			slog.String("tool_ref", req.ToolRef),
			slog.Int("attempt", attempts),
			slog.String("error", sanitize.Text(err.Error())),
		)
		return nil, err
	}
	out, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(NewScheduleBackOff(p.cfg.Schedule)),
		backoff.WithMaxTries(uint(p.cfg.MaxAttempts)),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Unwrap()
	}
	return out, attempts, err
}

// call performs one adapter call under the per-call timeout and feeds the
// outcome into the health monitor.
func (p *Pipeline) call(ctx context.Context, a adapter.Adapter, req *approval.Request) (*adapter.Output, error) {
	cctx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
	defer cancel()

	out, err := a.Execute(cctx, adapter.Call{
		RequestID:  req.ID,
		Domain:     req.Domain,
		ActionType: req.ActionType,
		Target:     req.Target,
		Parameters: req.Parameters,
	})
	if err != nil && cctx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		err = domain.Wrap(domain.CodeTransientToolError, fmt.Errorf("call timed out after %s: %w", p.cfg.CallTimeout, err))
	}

	var rle *adapter.RateLimitError
	switch {
	case err == nil:
		p.health.RecordSuccess(a.Name())
		if out == nil {
			out = &adapter.Output{}
		}
		if out.RateLimit != nil {
			p.health.RecordRateLimit(a.Name(), *out.RateLimit)
		}
	case errors.As(err, &rle):
		p.health.RecordRateLimit(a.Name(), rle.Limit)
	case domain.CodeOf(err).Retryable():
		p.health.RecordFailure(a.Name(), err)
	}
	return out, err
}

// enqueue caches req for replay. A failure to cache turns the outcome into a
// terminal failure so the record is not left executing with nothing queued.
func (p *Pipeline) enqueue(ctx context.Context, req *approval.Request, attempts int, next time.Time, cause error) *Result {
	now := p.now().UTC()
	entry, err := NewRetryable(req, attempts, next.UTC(), now, cause)
	if err == nil {
		if existing, gerr := p.queue.Get(ctx, req.ID); gerr == nil {
			entry.FirstFailedAt = existing.FirstFailedAt
			entry.AttemptCount += existing.AttemptCount
		}
		err = p.queue.Put(context.WithoutCancel(ctx), entry)
	}
	if err != nil {
		p.logger.ErrorContext(ctx, "caching retryable request failed",
			slog.String("approval_id", req.ID),
			slog.String("error", sanitize.Text(err.Error())),
		)
		return failed(attempts, domain.Errorf(domain.CodeOf(cause), "%s (retry cache unavailable: %v)", cause.Error(), err))
	}
	p.logger.InfoContext(ctx, "invocation queued for replay",
		slog.String("approval_id", req.ID),
		slog.String("tool_ref", req.ToolRef),
		slog.String("code", string(domain.CodeOf(cause))),
		slog.Time("next_retry_at", entry.NextRetryAt),
	)
	return &Result{Outcome: Queued, Attempts: attempts, Code: domain.CodeOf(cause), Err: cause, NextRetryAt: entry.NextRetryAt}
}

func failed(attempts int, err error) *Result {
	return &Result{Outcome: Failed, Attempts: attempts, Code: domain.CodeOf(err), Err: err}
}
