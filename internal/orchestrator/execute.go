package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/audit"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/events"
	"github.com/jkaninda/gatekeeper/internal/notification"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// finalization is an execution outcome whose terminal transition has not
// landed yet.
type finalization struct {
	req     *approval.Request
	res     *pipeline.Result
	audited bool
}

// RunApproved finishes outstanding finalizations, then claims and executes
// every approved record. It returns the number of records claimed.
func (o *Orchestrator) RunApproved(ctx context.Context) (int, error) {
	o.retryUnfinished(ctx)

	reqs, err := o.store.List(ctx, approval.StatusApproved)
	if err != nil {
		return 0, fmt.Errorf("listing approved records: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.concurrency())
	claimed := make(chan struct{}, len(reqs))
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if o.execute(gctx, req) {
				claimed <- struct{}{}
			}
			return nil
		})
	}
	_ = g.Wait()
	return len(claimed), nil
}

// execute claims req and runs it. It reports whether the claim succeeded.
func (o *Orchestrator) execute(ctx context.Context, req *approval.Request) bool {
	log := o.logger.With(slog.String("approval_id", req.ID))
	if err := o.validator.Validate(req); err != nil {
		o.quarantine(ctx, req, err)
		return false
	}
	if ctx.Err() != nil {
		return false
	}

	now := o.now().UTC()
	claimed, err := o.store.Claim(ctx, req.ID, now)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrExpired):
		o.expire(ctx, req, approval.StatusApproved, now)
		return false
	case errors.Is(err, domain.ErrStateConflict):
		log.Debug("claim lost", slog.String("error", err.Error()))
		return false
	default:
		log.Error("claiming record", slog.String("error", err.Error()))
		return false
	}
	o.publish(claimed, approval.StatusApproved, o.cfg.actor())
	log.Info("record claimed",
		slog.String("action_type", claimed.ActionType),
		slog.String("tool_ref", claimed.ToolRef),
	)

	// In-flight executions outlive Stop; the pipeline bounds each call.
	res, _ := o.invoker.Invoke(context.WithoutCancel(ctx), claimed)
	if res.Outcome == pipeline.Queued {
		o.deferred(ctx, claimed, res)
		return true
	}
	if err := o.finalize(context.WithoutCancel(ctx), claimed, res); err != nil {
		log.Error("finalizing execution", slog.String("error", sanitize.Text(err.Error())))
	}
	return true
}

// Complete finalizes a request the replay worker finished. It satisfies
// pipeline.Completion.
func (o *Orchestrator) Complete(ctx context.Context, req *approval.Request, res *pipeline.Result) error {
	return o.finalize(ctx, req, res)
}

// finalize writes the outcome's audit entry and only then moves the record
// to done or failed. A failed step parks the outcome for the next pass.
func (o *Orchestrator) finalize(ctx context.Context, req *approval.Request, res *pipeline.Result) error {
	return o.finish(ctx, &finalization{req: req, res: res})
}

func (o *Orchestrator) finish(ctx context.Context, f *finalization) error {
	req, res := f.req, f.res
	to := approval.StatusDone
	ch := approval.Change{Domain: res.Domain}
	if res.Outcome != pipeline.Succeeded {
		to = approval.StatusFailed
		ch.ErrorCode = res.Code
		if ch.ErrorCode == domain.CodeNone {
			ch.ErrorCode = domain.CodeOf(res.Err)
		}
		ch.ErrorMessage = errText(res.Err)
	}

	if !f.audited {
		if err := o.audit.Append(ctx, o.executionEntry(req, res)); err != nil {
			o.park(f)
			return fmt.Errorf("audit before %s: %w", to, err)
		}
		f.audited = true
	}

	updated, err := o.store.Transition(ctx, req.ID, approval.StatusExecuting, to, ch)
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			o.unpark(req.ID)
			o.logger.Warn("record already finalized", slog.String("approval_id", req.ID), slog.String("error", err.Error()))
			return nil
		}
		o.park(f)
		return fmt.Errorf("moving to %s: %w", to, err)
	}
	o.unpark(req.ID)
	o.publish(updated, approval.StatusExecuting, o.cfg.actor())

	if to == approval.StatusFailed {
		o.logger.Warn("execution failed",
			slog.String("approval_id", req.ID),
			slog.String("error_code", string(ch.ErrorCode)),
			slog.Int("attempts", res.Attempts),
		)
		o.notifyFailure(ctx, updated, res)
	} else {
		o.logger.Info("execution succeeded",
			slog.String("approval_id", req.ID),
			slog.Int("attempts", res.Attempts),
			slog.Duration("duration", res.Duration),
		)
	}
	return nil
}

// deferred records that an execution was handed to the replay worker. The
// record stays executing, so this is a note and not a transition.
func (o *Orchestrator) deferred(ctx context.Context, req *approval.Request, res *pipeline.Result) {
	e := o.executionEntry(req, res)
	e.Result = audit.ResultNote
	e.Event = "defer"
	if err := o.audit.Append(ctx, e); err != nil {
		o.logger.Warn("audit note for deferred execution", slog.String("approval_id", req.ID), slog.String("error", err.Error()))
	}
	o.logger.Info("execution deferred to replay",
		slog.String("approval_id", req.ID),
		slog.String("error_code", string(res.Code)),
		slog.Time("next_retry_at", res.NextRetryAt),
	)
	if o.events != nil {
		o.events.Publish(events.Event{
			Type:       "deferred",
			ApprovalID: req.ID,
			From:       string(approval.StatusExecuting),
			To:         string(approval.StatusExecuting),
			Domain:     req.Domain,
			ActionType: req.ActionType,
			Actor:      o.cfg.actor(),
			ErrorCode:  string(res.Code),
			At:         o.now().UTC(),
		})
	}
}

func (o *Orchestrator) park(f *finalization) {
	o.mu.Lock()
	o.unfinished[f.req.ID] = f
	o.mu.Unlock()
}

func (o *Orchestrator) unpark(id string) {
	o.mu.Lock()
	delete(o.unfinished, id)
	o.mu.Unlock()
}

// Unfinished returns the number of outcomes waiting for their transition.
func (o *Orchestrator) Unfinished() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.unfinished)
}

func (o *Orchestrator) retryUnfinished(ctx context.Context) {
	o.mu.Lock()
	pending := make([]*finalization, 0, len(o.unfinished))
	for _, f := range o.unfinished {
		pending = append(pending, f)
	}
	o.mu.Unlock()

	for _, f := range pending {
		if ctx.Err() != nil {
			return
		}
		if err := o.finish(ctx, f); err != nil {
			o.logger.Warn("finalization still pending", slog.String("approval_id", f.req.ID), slog.String("error", sanitize.Text(err.Error())))
		}
	}
}

func (o *Orchestrator) notifyFailure(ctx context.Context, req *approval.Request, res *pipeline.Result) {
	if o.notifier == nil {
		return
	}
	msg := &notification.Message{
		Subject:    fmt.Sprintf("Execution failed: %s on %s", req.ActionType, req.ToolRef),
		Body:       fmt.Sprintf("Approval %s (%s) failed after %d attempt(s): %s", req.ID, sanitize.String(req.Target), res.Attempts, sanitize.Text(req.ErrorMessage)),
		ApprovalID: req.ID,
		Metadata: map[string]string{
			"error_code": string(req.ErrorCode),
			"domain":     req.Domain,
			"tool_ref":   req.ToolRef,
			"target":     sanitize.String(req.Target),
		},
	}
	if err := o.notifier.Notify(ctx, msg); err != nil {
		o.logger.Warn("failure notification not delivered", slog.String("approval_id", req.ID), slog.String("error", sanitize.Text(err.Error())))
	}
}

func (o *Orchestrator) executionEntry(req *approval.Request, res *pipeline.Result) audit.Entry {
	e := audit.Entry{
		Timestamp:           o.now().UTC(),
		ActionType:          req.ActionType,
		Actor:               o.cfg.actor(),
		Target:              req.Target,
		SanitizedParameters: req.Parameters,
		ApprovalRequestID:   req.ID,
		Result:              audit.ResultSuccess,
		DurationMS:          res.Duration.Milliseconds(),
		Domain:              req.Domain,
		ToolRef:             req.ToolRef,
		Attempt:             res.Attempts,
		Event:               "execute",
	}
	if res.Domain != "" {
		e.Domain = res.Domain
	}
	if res.Outcome != pipeline.Succeeded {
		e.Result = audit.ResultFailure
		e.ErrorCode = res.Code
		if e.ErrorCode == domain.CodeNone {
			e.ErrorCode = domain.CodeOf(res.Err)
		}
		e.ErrorMessage = errText(res.Err)
	}
	return e
}

// systemEntry is the audit entry for a transition the orchestrator makes on
// its own authority.
func (o *Orchestrator) systemEntry(req *approval.Request, event string, code domain.Code, msg string, now time.Time) audit.Entry {
	return audit.Entry{
		Timestamp:           now,
		ActionType:          req.ActionType,
		Actor:               string(approval.DecidedBySystem),
		Target:              req.Target,
		SanitizedParameters: req.Parameters,
		ApprovalRequestID:   req.ID,
		Result:              audit.ResultFailure,
		ErrorCode:           code,
		ErrorMessage:        msg,
		Domain:              req.Domain,
		ToolRef:             req.ToolRef,
		Event:               event,
	}
}

// errText is the stored form of an invocation error.
func errText(err error) string {
	if err == nil {
		return ""
	}
	return sanitize.Text(err.Error())
}
