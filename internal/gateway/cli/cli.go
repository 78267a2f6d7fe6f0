// Package cli implements the interactive review console: it walks the
// pending queue and asks the operator to approve, reject or skip each record.
package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// Decider is the slice of the approval API the console needs.
type Decider interface {
	List(ctx context.Context, status approval.Status) ([]*approval.Request, error)
	Decide(ctx context.Context, id string, approve bool, actor, reason string) (*approval.Request, error)
}

// Summary counts the decisions taken during one session.
type Summary struct {
	Approved int
	Rejected int
	Skipped  int
	Failed   int
}

// Gateway is the interactive review console.
type Gateway struct {
	decider Decider
	actor   string
	in      io.Reader
	out     io.Writer
	logger  *slog.Logger
	done    chan struct{} // closed by Stop to signal shutdown

	summary Summary
}

// NewGateway creates a console that records decisions as actor.
func NewGateway(d Decider, actor string, in io.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		decider: d,
		actor:   actor,
		in:      in,
		out:     out,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Summary returns the decisions taken so far.
func (g *Gateway) Summary() Summary { return g.summary }

// Start reviews every pending record once. Blocks until the queue is
// exhausted, ctx is cancelled, Stop is called, or the operator types "quit".
func (g *Gateway) Start(ctx context.Context) error {
	reqs, err := g.decider.List(ctx, approval.StatusPending)
	if err != nil {
		return fmt.Errorf("listing pending requests: %w", err)
	}
	if len(reqs) == 0 {
		fmt.Fprintln(g.out, "No pending requests.")
		return nil
	}
	fmt.Fprintf(g.out, "%d pending request(s). Answer a(pprove), r(eject), s(kip) or q(uit).\n", len(reqs))

	scanner := bufio.NewScanner(g.in)
	for i, req := range reqs {
		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		g.describe(i+1, len(reqs), req)
		fmt.Fprint(g.out, "Decision [a/r/s/q]: ")
		if !scanner.Scan() {
			break
		}
		answer := strings.TrimSpace(strings.ToLower(scanner.Text()))
		switch answer {
		case "a", "approve", "y", "yes":
			g.decide(ctx, req, true, "")
		case "r", "reject", "n", "no":
			fmt.Fprint(g.out, "Reason (optional): ")
			reason := ""
			if scanner.Scan() {
				reason = strings.TrimSpace(scanner.Text())
			}
			g.decide(ctx, req, false, reason)
		case "q", "quit", "exit":
			g.summary.Skipped += len(reqs) - i
			g.printSummary()
			return nil
		default:
			g.summary.Skipped++
			fmt.Fprintln(g.out, "Skipped.")
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading input: %w", err)
	}
	g.printSummary()
	return nil
}

// Stop signals the console to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

func (g *Gateway) describe(n, total int, req *approval.Request) {
	fmt.Fprintf(g.out, "\n[%d/%d] %s %s (risk: %s)\n", n, total, req.ActionType, req.Target, req.RiskLevel)
	fmt.Fprintf(g.out, "  ID:       %s\n", req.ID)
	fmt.Fprintf(g.out, "  Domain:   %s\n", req.Domain)
	fmt.Fprintf(g.out, "  Tool:     %s\n", req.ToolRef)
	fmt.Fprintf(g.out, "  Expires:  %s (in %s)\n", req.ExpiresAt.Format(time.RFC3339), time.Until(req.ExpiresAt).Round(time.Second))
	if len(req.Parameters) > 0 {
		params, err := json.MarshalIndent(sanitize.Map(req.Parameters), "  ", "  ")
		if err == nil {
			fmt.Fprintf(g.out, "  Params:   %s\n", params)
		}
	}
}

func (g *Gateway) decide(ctx context.Context, req *approval.Request, approve bool, reason string) {
	updated, err := g.decider.Decide(ctx, req.ID, approve, g.actor, reason)
	if err != nil {
		g.summary.Failed++
		g.logger.WarnContext(ctx, "review decision refused",
			slog.String("approval_id", req.ID),
			slog.String("error", err.Error()),
		)
		fmt.Fprintf(g.out, "Decision failed: %v\n", err)
		return
	}
	if approve {
		g.summary.Approved++
	} else {
		g.summary.Rejected++
	}
	fmt.Fprintf(g.out, "%s.\n", strings.ToUpper(string(updated.Status[:1]))+string(updated.Status[1:]))
}

func (g *Gateway) printSummary() {
	s := g.summary
	fmt.Fprintf(g.out, "\nApproved %d, rejected %d, skipped %d, failed %d.\n", s.Approved, s.Rejected, s.Skipped, s.Failed)
}
