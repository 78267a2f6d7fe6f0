package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
)

// RunQuarantine rejects pending and approved records that fail validation.
// Quarantined records are never retried. It returns the number rejected.
func (o *Orchestrator) RunQuarantine(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []approval.Status{approval.StatusPending, approval.StatusApproved} {
		reqs, err := o.store.List(ctx, st)
		if err != nil {
			return n, fmt.Errorf("listing %s records: %w", st, err)
		}
		for _, req := range reqs {
			if ctx.Err() != nil {
				return n, nil
			}
			err := o.validator.Validate(req)
			if err == nil {
				continue
			}
			if o.quarantine(ctx, req, err) {
				n++
			}
		}
	}
	return n, nil
}

// quarantine audits and then moves req to rejected with VALIDATION_FAILED.
func (o *Orchestrator) quarantine(ctx context.Context, req *approval.Request, cause error) bool {
	log := o.logger.With(slog.String("approval_id", req.ID))
	now := o.now().UTC()
	msg := cause.Error()

	if err := o.audit.Append(ctx, o.systemEntry(req, "quarantine", domain.CodeValidationFailed, msg, now)); err != nil {
		log.Error("quarantine not committed: audit write failed", slog.String("error", err.Error()))
		return false
	}
	from := req.Status
	updated, err := o.store.Transition(ctx, req.ID, from, approval.StatusRejected, approval.Change{
		DecidedBy:    approval.DecidedBySystem,
		DecidedAt:    now,
		ErrorCode:    domain.CodeValidationFailed,
		ErrorMessage: msg,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			log.Info("quarantine lost race", slog.String("error", err.Error()))
		} else {
			log.Error("quarantining record", slog.String("error", err.Error()))
		}
		return false
	}
	o.publish(updated, from, string(approval.DecidedBySystem))
	log.Warn("record quarantined", slog.String("from", string(from)), slog.String("reason", msg))
	return true
}
