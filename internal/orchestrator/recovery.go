package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// Recover fails records left executing by a previous process that neither
// finalized them nor handed them to the replay queue. Whether their call
// reached the endpoint is unknown, so they are never run again; the failure
// notification asks a human to check. It returns the number recovered.
//
// Recover must run before any poller claims records.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if o.retries == nil {
		return 0, nil
	}
	reqs, err := o.store.List(ctx, approval.StatusExecuting)
	if err != nil {
		return 0, fmt.Errorf("listing executing records: %w", err)
	}
	n := 0
	for _, req := range reqs {
		_, err := o.retries.Get(ctx, req.ID)
		if err == nil {
			continue
		}
		if !errors.Is(err, pipeline.ErrNotQueued) {
			o.logger.Error("checking retry queue", slog.String("approval_id", req.ID), slog.String("error", err.Error()))
			continue
		}
		cause := domain.Errorf(domain.CodeTerminalToolError, "execution interrupted by restart; outcome unknown")
		res := &pipeline.Result{Outcome: pipeline.Failed, Domain: req.Domain, ToolRef: req.ToolRef, Code: cause.Code, Err: cause}
		if err := o.finalize(ctx, req, res); err != nil {
			o.logger.Error("recovering interrupted execution", slog.String("approval_id", req.ID), slog.String("error", sanitize.Text(err.Error())))
			continue
		}
		n++
	}
	return n, nil
}
