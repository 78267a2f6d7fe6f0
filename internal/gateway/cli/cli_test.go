package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/gateway"
)

var _ gateway.Gateway = (*Gateway)(nil)

type decision struct {
	id      string
	approve bool
	actor   string
	reason  string
}

type fakeDecider struct {
	pending   []*approval.Request
	decisions []decision
	refuse    map[string]bool
}

func (f *fakeDecider) List(_ context.Context, _ approval.Status) ([]*approval.Request, error) {
	return f.pending, nil
}

func (f *fakeDecider) Decide(_ context.Context, id string, approve bool, actor, reason string) (*approval.Request, error) {
	if f.refuse[id] {
		return nil, domain.Errorf(domain.CodeStateConflict, "record %s is expired", id)
	}
	f.decisions = append(f.decisions, decision{id, approve, actor, reason})
	st := approval.StatusRejected
	if approve {
		st = approval.StatusApproved
	}
	return &approval.Request{ID: id, Status: st}, nil
}

func pending(ids ...string) []*approval.Request {
	out := make([]*approval.Request, 0, len(ids))
	for _, id := range ids {
		out = append(out, &approval.Request{
			ID:         id,
			ActionType: "message_send",
			Target:     "ops@example.com",
			ToolRef:    "mail",
			RiskLevel:  domain.RiskLow,
			Status:     approval.StatusPending,
			ExpiresAt:  time.Now().Add(time.Hour),
			Parameters: map[string]any{"subject": "hi", "api_key": "sk-live-0123456789abcdef"},
		})
	}
	return out
}

func run(t *testing.T, d Decider, input string) (*Gateway, string) {
	t.Helper()
	var out bytes.Buffer
	g := NewGateway(d, "alice", strings.NewReader(input), &out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return g, out.String()
}

func TestReviewDecisions(t *testing.T) {
	d := &fakeDecider{pending: pending("a", "b", "c")}
	g, out := run(t, d, "a\nr\ntoo risky\ns\n")

	want := []decision{
		{"a", true, "alice", ""},
		{"b", false, "alice", "too risky"},
	}
	if len(d.decisions) != len(want) {
		t.Fatalf("decisions = %+v, want %+v", d.decisions, want)
	}
	for i := range want {
		if d.decisions[i] != want[i] {
			t.Errorf("decision[%d] = %+v, want %+v", i, d.decisions[i], want[i])
		}
	}
	if got := g.Summary(); got != (Summary{Approved: 1, Rejected: 1, Skipped: 1}) {
		t.Errorf("summary = %+v", got)
	}
	if strings.Contains(out, "sk-live-0123456789abcdef") {
		t.Errorf("output leaks a secret parameter:\n%s", out)
	}
}

func TestReviewQuitSkipsRest(t *testing.T) {
	d := &fakeDecider{pending: pending("a", "b", "c")}
	g, _ := run(t, d, "a\nq\n")
	if got := g.Summary(); got != (Summary{Approved: 1, Skipped: 2}) {
		t.Errorf("summary = %+v", got)
	}
}

func TestReviewRefusedDecision(t *testing.T) {
	d := &fakeDecider{pending: pending("a"), refuse: map[string]bool{"a": true}}
	g, out := run(t, d, "a\n")
	if got := g.Summary(); got.Failed != 1 {
		t.Errorf("summary = %+v, want one failure", got)
	}
	if !strings.Contains(out, "Decision failed") {
		t.Errorf("output = %q", out)
	}
}

func TestReviewEmptyQueue(t *testing.T) {
	_, out := run(t, &fakeDecider{}, "")
	if !strings.Contains(out, "No pending requests.") {
		t.Errorf("output = %q", out)
	}
}

func TestReviewStopped(t *testing.T) {
	d := &fakeDecider{pending: pending("a", "b")}
	var out bytes.Buffer
	g := NewGateway(d, "alice", strings.NewReader("a\na\n"), &out, slog.New(slog.NewTextHandler(io.Discard, nil)))
	_ = g.Stop(context.Background())
	_ = g.Stop(context.Background())
	if err := g.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if len(d.decisions) != 0 {
		t.Errorf("decisions after Stop = %d, want 0", len(d.decisions))
	}
	if !strings.Contains(out.String(), "Shutting down.") {
		t.Errorf("output = %q", out.String())
	}
}
