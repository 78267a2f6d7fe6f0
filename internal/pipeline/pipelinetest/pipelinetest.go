// Package pipelinetest provides a behavioural test suite shared by every
// pipeline.RetryQueue implementation.
package pipelinetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
)

// Entry returns a queue entry first failed at failed and due at next.
func Entry(id string, failed, next time.Time) pipeline.RetryableRequest {
	return pipeline.RetryableRequest{
		RequestID:     id,
		ToolRef:       "mail",
		Domain:        "communication",
		ActionType:    "message_send",
		Payload:       map[string]any{"subject": "hi", "password": "[REDACTED]"},
		Fingerprint:   "fp-" + id,
		AttemptCount:  3,
		NextRetryAt:   next,
		FirstFailedAt: failed,
		LastError:     "timeout",
		LastErrorCode: domain.CodeTransientToolError,
	}
}

// RunQueue exercises the RetryQueue contract against queues built by open.
func RunQueue(t *testing.T, open func(t *testing.T) pipeline.RetryQueue) {
	t.Run("PutGetReplace", func(t *testing.T) { testPutGet(t, open(t)) })
	t.Run("DueOrdered", func(t *testing.T) { testDue(t, open(t)) })
	t.Run("BumpAndDelete", func(t *testing.T) { testBumpDelete(t, open(t)) })
	t.Run("ArchiveOlderThan", func(t *testing.T) { testArchive(t, open(t)) })
}

var base = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func testPutGet(t *testing.T, q pipeline.RetryQueue) {
	ctx := context.Background()
	e := Entry("q-1", base, base.Add(time.Minute))
	if err := q.Put(ctx, e); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := q.Get(ctx, "q-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Fingerprint != "fp-q-1" || got.AttemptCount != 3 || !got.NextRetryAt.Equal(e.NextRetryAt) {
		t.Errorf("got %+v", got)
	}
	if got.Payload["password"] != "[REDACTED]" {
		t.Errorf("payload = %v", got.Payload)
	}

	e.AttemptCount = 7
	if err := q.Put(ctx, e); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	got, _ = q.Get(ctx, "q-1")
	if got.AttemptCount != 7 {
		t.Errorf("attempt_count = %d, want 7", got.AttemptCount)
	}
	if all, _ := q.List(ctx); len(all) != 1 {
		t.Errorf("List = %d entries, want 1", len(all))
	}
	if _, err := q.Get(ctx, "missing"); !errors.Is(err, pipeline.ErrNotQueued) {
		t.Errorf("Get missing err = %v", err)
	}
}

func testDue(t *testing.T, q pipeline.RetryQueue) {
	ctx := context.Background()
	for _, e := range []pipeline.RetryableRequest{
		Entry("late", base, base.Add(time.Hour)),
		Entry("second", base, base.Add(2*time.Minute)),
		Entry("first", base, base.Add(time.Minute)),
	} {
		if err := q.Put(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	due, err := q.Due(ctx, base.Add(5*time.Minute), 0)
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 2 || due[0].RequestID != "first" || due[1].RequestID != "second" {
		t.Fatalf("due = %+v", due)
	}
	if due, _ := q.Due(ctx, base.Add(5*time.Minute), 1); len(due) != 1 {
		t.Errorf("limit ignored: %d", len(due))
	}
	if due, _ := q.Due(ctx, base, 0); len(due) != 0 {
		t.Errorf("nothing should be due at base, got %d", len(due))
	}
}

func testBumpDelete(t *testing.T, q pipeline.RetryQueue) {
	ctx := context.Background()
	if err := q.Put(ctx, Entry("b-1", base, base)); err != nil {
		t.Fatal(err)
	}
	next := base.Add(10 * time.Minute)
	if err := q.Bump(ctx, "b-1", next, domain.CodeEndpointUnavailable, "token=abc123 refused"); err != nil {
		t.Fatalf("Bump: %v", err)
	}
	got, _ := q.Get(ctx, "b-1")
	if got.AttemptCount != 4 || !got.NextRetryAt.Equal(next) || got.LastErrorCode != domain.CodeEndpointUnavailable {
		t.Errorf("after bump = %+v", got)
	}
	if got.LastError == "token=abc123 refused" {
		t.Error("last_error stored unredacted")
	}
	if err := q.Bump(ctx, "missing", next, domain.CodeNone, ""); !errors.Is(err, pipeline.ErrNotQueued) {
		t.Errorf("Bump missing err = %v", err)
	}

	if err := q.Delete(ctx, "b-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := q.Get(ctx, "b-1"); !errors.Is(err, pipeline.ErrNotQueued) {
		t.Errorf("Get after delete err = %v", err)
	}
	if err := q.Delete(ctx, "b-1"); !errors.Is(err, pipeline.ErrNotQueued) {
		t.Errorf("second Delete err = %v", err)
	}
}

func testArchive(t *testing.T, q pipeline.RetryQueue) {
	ctx := context.Background()
	if err := q.Put(ctx, Entry("old", base.Add(-8*24*time.Hour), base)); err != nil {
		t.Fatal(err)
	}
	if err := q.Put(ctx, Entry("fresh", base.Add(-time.Hour), base)); err != nil {
		t.Fatal(err)
	}
	archived, err := q.ArchiveOlderThan(ctx, base.Add(-7*24*time.Hour))
	if err != nil {
		t.Fatalf("ArchiveOlderThan: %v", err)
	}
	if len(archived) != 1 || archived[0].RequestID != "old" || archived[0].ArchivedAt == nil {
		t.Fatalf("archived = %+v", archived)
	}
	all, _ := q.List(ctx)
	if len(all) != 1 || all[0].RequestID != "fresh" {
		t.Errorf("active = %+v", all)
	}
	if due, _ := q.Due(ctx, base.Add(time.Hour), 0); len(due) != 1 {
		t.Errorf("archived entry still due")
	}
}
