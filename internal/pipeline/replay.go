package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/health"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// Completion receives the final result of a replayed request. The queue
// entry is already gone when it is called. An error is logged; the caller
// owns any further retry of its own bookkeeping.
type Completion func(ctx context.Context, req *approval.Request, res *Result) error

// QueueMetrics receives the retry queue depth after each pass.
type QueueMetrics interface {
	SetRetryQueueDepth(n int)
}

// ReplayConfig tunes the replay worker.
type ReplayConfig struct {
	Interval  time.Duration
	PerSecond float64
	MaxAge    time.Duration
	Batch     int
}

// Replayer periodically re-attempts cached requests, one call per due entry
// per pass.
type Replayer struct {
	pipeline *Pipeline
	store    approval.StateStore
	health   *health.Monitor
	cfg      ReplayConfig
	limiter  *rate.Limiter
	complete Completion
	metrics  QueueMetrics
	now      func() time.Time
	logger   *slog.Logger
	wake     chan struct{}
}

// ReplayOption configures a Replayer.
type ReplayOption func(*Replayer)

// WithQueueMetrics reports queue depth.
func WithQueueMetrics(m QueueMetrics) ReplayOption { return func(r *Replayer) { r.metrics = m } }

// WithReplayClock overrides the time source.
func WithReplayClock(now func() time.Time) ReplayOption { return func(r *Replayer) { r.now = now } }

// NewReplayer creates a replay worker over p's queue.
func NewReplayer(p *Pipeline, store approval.StateStore, cfg ReplayConfig, complete Completion, logger *slog.Logger, opts ...ReplayOption) *Replayer {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 5
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 7 * 24 * time.Hour
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 100
	}
	r := &Replayer{
		pipeline: p,
		store:    store,
		health:   p.health,
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.PerSecond), 1),
		complete: complete,
		now:      p.now,
		logger:   logger,
		wake:     make(chan struct{}, 1),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Wake triggers a pass without waiting for the next tick.
func (r *Replayer) Wake() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Start runs passes every interval until stop is called. Stop waits for the
// current pass to finish.
func (r *Replayer) Start(ctx context.Context) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			case <-r.wake:
			}
			if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
				r.logger.Error("replay pass failed", slog.String("error", err.Error()))
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// RunOnce archives entries past the max age, then replays every due entry.
// It returns the number of entries that reached a final result.
func (r *Replayer) RunOnce(ctx context.Context) (int, error) {
	q := r.pipeline.queue
	now := r.now().UTC()
	finished := 0

	archived, err := q.ArchiveOlderThan(ctx, now.Add(-r.cfg.MaxAge))
	if err != nil {
		r.logger.Error("archiving stale retry entries", slog.String("error", err.Error()))
	}
	for _, e := range archived {
		code := e.LastErrorCode
		if code == domain.CodeNone {
			code = domain.CodeTransientToolError
		}
		cause := domain.Errorf(code, "replay window of %s exceeded after %d attempts: %s", r.cfg.MaxAge, e.AttemptCount, e.LastError)
		if r.finish(ctx, e, &Result{Outcome: Failed, Attempts: e.AttemptCount, Code: code, Err: cause}, nil) {
			finished++
		}
	}

	due, err := q.Due(ctx, now, r.cfg.Batch)
	if err != nil {
		return finished, fmt.Errorf("listing due retries: %w", err)
	}
	for _, e := range due {
		if ctx.Err() != nil {
			break
		}
		if r.replay(ctx, e) {
			finished++
		}
	}

	if r.metrics != nil {
		if all, err := q.List(ctx); err == nil {
			r.metrics.SetRetryQueueDepth(len(all))
		}
	}
	return finished, nil
}

// replay makes one attempt for e and reports whether it reached a final
// result.
func (r *Replayer) replay(ctx context.Context, e RetryableRequest) bool {
	q := r.pipeline.queue
	log := r.logger.With(slog.String("approval_id", e.RequestID), slog.String("tool_ref", e.ToolRef))

	req, err := r.store.Get(ctx, e.RequestID)
	if err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			log.Warn("dropping retry entry for missing record")
			_ = q.Delete(ctx, e.RequestID)
		} else {
			log.Error("loading record for replay", slog.String("error", err.Error()))
		}
		return false
	}
	if req.Status != approval.StatusExecuting {
		log.Warn("dropping retry entry for record no longer executing", slog.String("status", string(req.Status)))
		_ = q.Delete(ctx, e.RequestID)
		return false
	}
	if fp, err := Fingerprint(req); err != nil || fp != e.Fingerprint {
		cause := domain.Errorf(domain.CodeTerminalToolError, "record changed since it was queued")
		return r.finish(ctx, e, &Result{Outcome: Failed, Attempts: e.AttemptCount, Code: cause.Code, Err: cause}, req)
	}

	now := r.now().UTC()
	if r.health.IsDown(e.ToolRef) {
		r.reschedule(ctx, e, now.Add(r.cfg.Interval), domain.CodeEndpointUnavailable, "endpoint down")
		return false
	}
	if until, limited := r.health.RateLimitedUntil(e.ToolRef, now); limited {
		r.reschedule(ctx, e, until, domain.CodeTransientToolError, "rate limited")
		return false
	}

	if err := r.limiter.Wait(ctx); err != nil {
		return false
	}

	start := r.now()
	out, err := r.pipeline.Attempt(ctx, req)
	res := &Result{Attempts: e.AttemptCount + 1, Domain: req.Domain, ToolRef: req.ToolRef, Duration: r.now().Sub(start)}
	var rle *adapter.RateLimitError
	switch {
	case err == nil:
		res.Outcome = Succeeded
		res.Payload = out.Payload
		log.Info("replay succeeded", slog.Int("attempts", res.Attempts))
		return r.finish(ctx, e, res, req)
	case errors.As(err, &rle):
		next := rle.Limit.ResetAt
		if !next.After(now) {
			next = now.Add(r.cfg.Interval)
		}
		r.bump(ctx, e, next, err)
		return false
	case domain.CodeOf(err).Retryable():
		r.bump(ctx, e, now.Add(r.cfg.Interval), err)
		return false
	default:
		res.Outcome = Failed
		res.Code = domain.CodeOf(err)
		res.Err = err
		return r.finish(ctx, e, res, req)
	}
}

// finish removes e from the queue and hands the result to the completion.
// The queue entry goes first so a crash between the two steps cannot
// replay an action that already ran.
func (r *Replayer) finish(ctx context.Context, e RetryableRequest, res *Result, rec *approval.Request) bool {
	if e.ArchivedAt == nil {
		if err := r.pipeline.queue.Delete(ctx, e.RequestID); err != nil && !errors.Is(err, ErrNotQueued) {
			r.logger.Error("removing retry entry", slog.String("approval_id", e.RequestID), slog.String("error", err.Error()))
		}
	}
	if rec == nil {
		var err error
		rec, err = r.store.Get(ctx, e.RequestID)
		if err != nil {
			r.logger.Error("loading record for completion", slog.String("approval_id", e.RequestID), slog.String("error", err.Error()))
			return false
		}
	}
	if res.Domain == "" {
		res.Domain = rec.Domain
	}
	if res.ToolRef == "" {
		res.ToolRef = rec.ToolRef
	}
	if r.complete == nil {
		return true
	}
	if err := r.complete(ctx, rec, res); err != nil {
		r.logger.Error("completing replayed request", slog.String("approval_id", e.RequestID), slog.String("error", sanitize.Text(err.Error())))
		return false
	}
	return true
}

func (r *Replayer) bump(ctx context.Context, e RetryableRequest, next time.Time, cause error) {
	if err := r.pipeline.queue.Bump(ctx, e.RequestID, next, domain.CodeOf(cause), cause.Error()); err != nil {
		r.logger.Error("updating retry entry", slog.String("approval_id", e.RequestID), slog.String("error", err.Error()))
		return
	}
	r.logger.Info("replay deferred",
		slog.String("approval_id", e.RequestID),
		slog.Int("attempts", e.AttemptCount+1),
		slog.Time("next_retry_at", next),
		slog.String("error", sanitize.Text(cause.Error())),
	)
}

// reschedule moves an entry's next attempt without counting an attempt.
func (r *Replayer) reschedule(ctx context.Context, e RetryableRequest, next time.Time, code domain.Code, reason string) {
	e.NextRetryAt = next
	e.LastErrorCode = code
	e.LastError = reason
	if err := r.pipeline.queue.Put(ctx, e); err != nil {
		r.logger.Error("rescheduling retry entry", slog.String("approval_id", e.RequestID), slog.String("error", err.Error()))
	}
}
