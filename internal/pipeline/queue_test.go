package pipeline_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/approval/approvaltest"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
	"github.com/jkaninda/gatekeeper/internal/pipeline/pipelinetest"
)

func TestFileQueueContract(t *testing.T) {
	pipelinetest.RunQueue(t, func(t *testing.T) pipeline.RetryQueue {
		q, err := pipeline.NewFileQueue(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
		if err != nil {
			t.Fatal(err)
		}
		return q
	})
}

func TestFileQueueSkipsCorruptEntries(t *testing.T) {
	dir := t.TempDir()
	q, err := pipeline.NewFileQueue(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now().UTC()
	if err := q.Put(context.Background(), pipelinetest.Entry("good", now, now)); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{"), 0600); err != nil {
		t.Fatal(err)
	}
	all, err := q.List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 || all[0].RequestID != "good" {
		t.Errorf("List = %+v", all)
	}
}

func TestFingerprintStable(t *testing.T) {
	now := time.Now()
	a := approvaltest.NewRequest("fp-1", now)
	b := approvaltest.NewRequest("fp-1", now.Add(time.Hour))
	b.Parameters = map[string]any{"password": "s3cret", "subject": "hi"}

	fa, err := pipeline.Fingerprint(a)
	if err != nil {
		t.Fatal(err)
	}
	fb, _ := pipeline.Fingerprint(b)
	if fa != fb {
		t.Errorf("fingerprint depends on map order or timestamps")
	}
	b.Target = "other@example.com"
	if fc, _ := pipeline.Fingerprint(b); fc == fa {
		t.Errorf("fingerprint ignores target")
	}
}
