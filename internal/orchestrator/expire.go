package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
)

// RunExpiration expires every pending record whose decision window has
// closed. It returns the number of records expired.
func (o *Orchestrator) RunExpiration(ctx context.Context) (int, error) {
	reqs, err := o.store.List(ctx, approval.StatusPending)
	if err != nil {
		return 0, fmt.Errorf("listing pending records: %w", err)
	}
	now := o.now().UTC()
	n := 0
	for _, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		// Undecodable records carry no expires_at; quarantine owns them.
		if req.DecodeError != nil || !req.Expired(now) {
			continue
		}
		if o.expire(ctx, req, approval.StatusPending, now) {
			n++
		}
	}
	return n, nil
}

// expire audits and then moves req from `from` to expired. Losing the race to
// a human decision is a no-op.
func (o *Orchestrator) expire(ctx context.Context, req *approval.Request, from approval.Status, now time.Time) bool {
	log := o.logger.With(slog.String("approval_id", req.ID))
	msg := fmt.Sprintf("decision window closed at %s", req.ExpiresAt.UTC().Format(time.RFC3339))

	if err := o.audit.Append(ctx, o.systemEntry(req, "expire", domain.CodeExpired, msg, now)); err != nil {
		log.Error("expiration not committed: audit write failed", slog.String("error", err.Error()))
		return false
	}
	updated, err := o.store.Transition(ctx, req.ID, from, approval.StatusExpired, approval.Change{
		DecidedBy:    approval.DecidedBySystem,
		DecidedAt:    now,
		ErrorCode:    domain.CodeExpired,
		ErrorMessage: msg,
	})
	if err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			log.Info("expiration lost race", slog.String("error", err.Error()))
		} else {
			log.Error("expiring record", slog.String("error", err.Error()))
		}
		return false
	}
	o.publish(updated, from, string(approval.DecidedBySystem))
	log.Info("record expired", slog.String("from", string(from)), slog.Time("expires_at", req.ExpiresAt))
	return true
}
