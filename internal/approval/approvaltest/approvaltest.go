// Package approvaltest provides a behavioural test suite shared by every
// approval.StateStore implementation.
package approvaltest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
)

// NewRequest returns a valid pending record created at now.
func NewRequest(id string, now time.Time) *approval.Request {
	return &approval.Request{
		ID:         id,
		ActionType: "message_send",
		Domain:     "communication",
		Target:     "ops@example.com",
		ToolRef:    "mail",
		RiskLevel:  domain.RiskLow,
		Status:     approval.StatusPending,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
		Parameters: map[string]any{"subject": "hi", "password": "s3cret"},
	}
}

// Run exercises the StateStore contract against stores built by open.
func Run(t *testing.T, open func(t *testing.T) approval.StateStore) {
	t.Run("CreateGet", func(t *testing.T) { testCreateGet(t, open(t)) })
	t.Run("Duplicate", func(t *testing.T) { testDuplicate(t, open(t)) })
	t.Run("ListOrdered", func(t *testing.T) { testListOrdered(t, open(t)) })
	t.Run("TransitionCAS", func(t *testing.T) { testTransitionCAS(t, open(t)) })
	t.Run("IllegalTransition", func(t *testing.T) { testIllegalTransition(t, open(t)) })
	t.Run("TerminalImmutable", func(t *testing.T) { testTerminalImmutable(t, open(t)) })
	t.Run("ClaimExactlyOnce", func(t *testing.T) { testClaimExactlyOnce(t, open(t)) })
	t.Run("ClaimExpired", func(t *testing.T) { testClaimExpired(t, open(t)) })
	t.Run("ExpireVersusApprove", func(t *testing.T) { testExpireVersusApprove(t, open(t)) })
}

func testCreateGet(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	req := NewRequest("r-1", now)
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Get(ctx, "r-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != approval.StatusPending || got.ActionType != "message_send" || got.ToolRef != "mail" {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(now) || !got.ExpiresAt.Equal(now.Add(24*time.Hour)) {
		t.Errorf("timestamps = %v / %v", got.CreatedAt, got.ExpiresAt)
	}
	if got.Parameters["subject"] != "hi" {
		t.Errorf("parameters = %v", got.Parameters)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("Get(missing) err = %v, want ErrNotFound", err)
	}
}

func testDuplicate(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.Create(ctx, NewRequest("dup", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := s.Create(ctx, NewRequest("dup", now)); !errors.Is(err, approval.ErrDuplicate) {
		t.Errorf("second Create err = %v, want ErrDuplicate", err)
	}
}

func testListOrdered(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		if err := s.Create(ctx, NewRequest(id, base.Add(time.Duration(3-i)*time.Minute))); err != nil {
			t.Fatalf("Create %s: %v", id, err)
		}
	}
	got, err := s.List(ctx, approval.StatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	var ids []string
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if fmt.Sprint(ids) != "[b a c]" {
		t.Errorf("order = %v, want [b a c]", ids)
	}
	if done, _ := s.List(ctx, approval.StatusDone); len(done) != 0 {
		t.Errorf("done = %d records, want 0", len(done))
	}
}

func testTransitionCAS(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	now := time.Now().UTC()
	if err := s.Create(ctx, NewRequest("t-1", now)); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.Transition(ctx, "t-1", approval.StatusPending, approval.StatusApproved, approval.Change{
		DecidedBy: approval.DecidedByHuman,
		DecidedAt: now,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.Status != approval.StatusApproved || got.DecidedBy != approval.DecidedByHuman || got.DecidedAt == nil {
		t.Errorf("after transition: %+v", got)
	}

	_, err = s.Transition(ctx, "t-1", approval.StatusPending, approval.StatusRejected, approval.Change{})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("stale transition err = %v, want STATE_CONFLICT", err)
	}
	stored, _ := s.Get(ctx, "t-1")
	if stored.Status != approval.StatusApproved {
		t.Errorf("stored status = %s, want approved", stored.Status)
	}
}

func testIllegalTransition(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	if err := s.Create(ctx, NewRequest("i-1", time.Now().UTC())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, err := s.Transition(ctx, "i-1", approval.StatusPending, approval.StatusDone, approval.Change{})
	if !errors.Is(err, domain.ErrStateConflict) {
		t.Errorf("pending -> done err = %v, want STATE_CONFLICT", err)
	}
}

func testTerminalImmutable(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	if err := s.Create(ctx, NewRequest("x-1", time.Now().UTC())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(ctx, "x-1", approval.StatusPending, approval.StatusRejected, approval.Change{ErrorMessage: "no"}); err != nil {
		t.Fatalf("reject: %v", err)
	}
	for _, to := range []approval.Status{approval.StatusApproved, approval.StatusExecuting, approval.StatusPending} {
		if _, err := s.Transition(ctx, "x-1", approval.StatusRejected, to, approval.Change{}); !errors.Is(err, domain.ErrStateConflict) {
			t.Errorf("rejected -> %s err = %v, want STATE_CONFLICT", to, err)
		}
	}
	got, _ := s.Get(ctx, "x-1")
	if got.Status != approval.StatusRejected || got.ErrorMessage != "no" {
		t.Errorf("terminal record changed: %+v", got)
	}
}

func testClaimExactlyOnce(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	now := time.Now().UTC()
	req := NewRequest("claim-1", now)
	req.Status = approval.StatusApproved
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	const racers = 16
	var (
		wins int32
		wg   sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.Claim(ctx, "claim-1", now); err == nil {
				atomic.AddInt32(&wins, 1)
			} else if !errors.Is(err, domain.ErrStateConflict) {
				t.Errorf("losing claim err = %v, want STATE_CONFLICT", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if wins != 1 {
		t.Fatalf("claims won = %d, want exactly 1", wins)
	}
	got, _ := s.Get(ctx, "claim-1")
	if got.Status != approval.StatusExecuting {
		t.Errorf("status = %s, want executing", got.Status)
	}
}

func testClaimExpired(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	now := time.Now().UTC()
	req := NewRequest("old-1", now.Add(-2*time.Hour))
	req.ExpiresAt = now.Add(-time.Second)
	req.Status = approval.StatusApproved
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Claim(ctx, "old-1", now); !errors.Is(err, domain.ErrExpired) {
		t.Fatalf("Claim err = %v, want EXPIRED", err)
	}
	got, _ := s.Get(ctx, "old-1")
	if got.Status != approval.StatusApproved {
		t.Errorf("status = %s, want approved (left for the expiration path)", got.Status)
	}
}

func testExpireVersusApprove(t *testing.T, s approval.StateStore) {
	ctx := context.Background()
	if err := s.Create(ctx, NewRequest("race-1", time.Now().UTC())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	var (
		wg      sync.WaitGroup
		success int32
	)
	for _, to := range []approval.Status{approval.StatusApproved, approval.StatusExpired, approval.StatusRejected} {
		wg.Add(1)
		go func(to approval.Status) {
			defer wg.Done()
			if _, err := s.Transition(ctx, "race-1", approval.StatusPending, to, approval.Change{}); err == nil {
				atomic.AddInt32(&success, 1)
			}
		}(to)
	}
	wg.Wait()
	if success != 1 {
		t.Errorf("successful transitions = %d, want 1", success)
	}
}
