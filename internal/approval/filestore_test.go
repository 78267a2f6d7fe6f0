package approval_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/approval/approvaltest"
	"github.com/jkaninda/gatekeeper/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFileStore(t *testing.T) *approval.FileStore {
	t.Helper()
	s, err := approval.NewFileStore(filepath.Join(t.TempDir(), "records"), discard())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	return s
}

func TestFileStore_Contract(t *testing.T) {
	approvaltest.Run(t, func(t *testing.T) approval.StateStore { return newFileStore(t) })
}

func TestFileStore_DirectoryIsState(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	if err := s.Create(ctx, approvaltest.NewRequest("d-1", time.Now().UTC())); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := s.Transition(ctx, "d-1", approval.StatusPending, approval.StatusApproved, approval.Change{}); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.Root(), "pending", "d-1.md")); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("record still in pending: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.Root(), "approved", "d-1.md"))
	if err != nil {
		t.Fatalf("record not in approved: %v", err)
	}
	req, err := approval.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if req.Status != approval.StatusApproved {
		t.Errorf("header status = %s, want approved", req.Status)
	}
}

func TestFileStore_RecoversInterruptedMove(t *testing.T) {
	root := filepath.Join(t.TempDir(), "records")
	s, err := approval.NewFileStore(root, discard())
	if err != nil {
		t.Fatal(err)
	}
	req := approvaltest.NewRequest("crash-1", time.Now().UTC())
	req.Status = approval.StatusApproved
	data, err := approval.Encode(req)
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after the claim rename but before the final write.
	if err := os.WriteFile(filepath.Join(root, ".moving", "crash-1.executing"), data, 0600); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = approval.NewFileStore(root, discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	got, err := s.Get(context.Background(), "crash-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != approval.StatusExecuting {
		t.Errorf("status = %s, want executing", got.Status)
	}
	if entries, _ := os.ReadDir(filepath.Join(root, ".moving")); len(entries) != 0 {
		t.Errorf("claim dir not empty: %d entries", len(entries))
	}
}

func TestFileStore_CreateAcrossStatesIsExclusive(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	for i := range 20 {
		id := fmt.Sprintf("race-%d", i)
		statuses := []approval.Status{approval.StatusPending, approval.StatusApproved}
		errs := make(chan error, len(statuses))
		start := make(chan struct{})
		var wg sync.WaitGroup
		for _, st := range statuses {
			req := approvaltest.NewRequest(id, time.Now().UTC())
			req.Status = st
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				errs <- s.Create(ctx, req)
			}()
		}
		close(start)
		wg.Wait()
		close(errs)

		var created, dup int
		for err := range errs {
			switch {
			case err == nil:
				created++
			case errors.Is(err, approval.ErrDuplicate):
				dup++
			default:
				t.Fatalf("Create %s: %v", id, err)
			}
		}
		if created != 1 || dup != 1 {
			t.Fatalf("%s: created = %d, duplicates = %d, want 1 and 1", id, created, dup)
		}
		found := 0
		for _, st := range statuses {
			if _, err := os.Stat(filepath.Join(s.Root(), string(st), id+".md")); err == nil {
				found++
			}
		}
		if found != 1 {
			t.Errorf("%s present in %d state dirs, want 1", id, found)
		}
	}
}

func TestFileStore_StaleReservationClearedOnOpen(t *testing.T) {
	root := filepath.Join(t.TempDir(), "records")
	s, err := approval.NewFileStore(root, discard())
	if err != nil {
		t.Fatal(err)
	}
	// Simulate a crash after reserving the id but before linking the record.
	if err := os.WriteFile(filepath.Join(root, ".ids", "lost-1"), nil, 0600); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	s, err = approval.NewFileStore(root, discard())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if err := s.Create(context.Background(), approvaltest.NewRequest("lost-1", time.Now().UTC())); err != nil {
		t.Fatalf("Create after reopen: %v", err)
	}
	if err := s.Create(context.Background(), approvaltest.NewRequest("lost-1", time.Now().UTC())); !errors.Is(err, approval.ErrDuplicate) {
		t.Errorf("second Create error = %v, want ErrDuplicate", err)
	}
}

func TestFileStore_MalformedRecordsSurfaceForQuarantine(t *testing.T) {
	s := newFileStore(t)
	ctx := context.Background()
	if err := os.WriteFile(filepath.Join(s.Root(), "pending", "junk.md"), []byte("not a record"), 0600); err != nil {
		t.Fatal(err)
	}

	list, err := s.List(ctx, approval.StatusPending)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(list) != 1 || list[0].ID != "junk" || list[0].DecodeError == nil {
		t.Fatalf("list = %+v", list)
	}
	if err := approval.MustValidator().Validate(list[0]); !errors.Is(err, domain.ErrValidationFailed) {
		t.Errorf("Validate err = %v, want VALIDATION_FAILED", err)
	}

	got, err := s.Transition(ctx, "junk", approval.StatusPending, approval.StatusRejected, approval.Change{
		DecidedBy: approval.DecidedBySystem,
		ErrorCode: domain.CodeValidationFailed,
	})
	if err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if got.ErrorCode != domain.CodeValidationFailed {
		t.Errorf("error code = %s", got.ErrorCode)
	}
	raw, _ := os.ReadFile(filepath.Join(s.Root(), "rejected", "junk.md"))
	if !strings.Contains(string(raw), "not a record") {
		t.Error("original content not preserved in rejected record")
	}
}

func TestFileStore_RejectsUnsafeIDs(t *testing.T) {
	s := newFileStore(t)
	req := approvaltest.NewRequest("../escape", time.Now().UTC())
	if err := s.Create(context.Background(), req); !errors.Is(err, domain.ErrValidationFailed) {
		t.Errorf("Create err = %v, want VALIDATION_FAILED", err)
	}
}

func TestFileStore_WatchSignalsNewRecords(t *testing.T) {
	s := newFileStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := s.Watch(ctx)
	if err != nil {
		t.Fatalf("Watch: %v", err)
	}
	req := approvaltest.NewRequest("w-1", time.Now().UTC())
	req.Status = approval.StatusApproved
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		select {
		case st := <-ch:
			if st == approval.StatusApproved {
				return
			}
		case <-deadline:
			t.Fatal("no approved event")
		}
	}
}
