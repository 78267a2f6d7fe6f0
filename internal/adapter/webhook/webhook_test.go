package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/config"
	"github.com/jkaninda/gatekeeper/internal/domain"
)

func newAdapter(t *testing.T, h http.HandlerFunc) *Adapter {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	t.Setenv("HOOK_TOKEN", "s3cr3t")
	a := New(config.WebhookAdapterConfig{
		Name:    "books",
		Domain:  "accounting",
		URL:     srv.URL,
		Headers: map[string]string{"Authorization": "Bearer ${HOOK_TOKEN}"},
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return a
}

func TestExecute_PostsCall(t *testing.T) {
	var got requestBody
	var auth, idem string
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		auth = r.Header.Get("Authorization")
		idem = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&got)
		w.Header().Set("X-RateLimit-Remaining", "9")
		w.Header().Set("X-RateLimit-Reset", "60")
		_, _ = w.Write([]byte(`{"invoice_id":"INV-7"}`))
	})

	out, err := a.Execute(context.Background(), adapter.Call{
		RequestID:  "r-1",
		Domain:     "accounting",
		ActionType: "invoice_create",
		Target:     "acme",
		Parameters: map[string]any{"amount": 10.0},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out.Payload["invoice_id"] != "INV-7" {
		t.Errorf("payload = %v", out.Payload)
	}
	if out.RateLimit == nil || out.RateLimit.Remaining != 9 {
		t.Errorf("rate limit = %+v", out.RateLimit)
	}
	if got.ActionType != "invoice_create" || got.Target != "acme" || got.Parameters["amount"] != 10.0 {
		t.Errorf("body = %+v", got)
	}
	if auth != "Bearer s3cr3t" || idem != "r-1" {
		t.Errorf("headers auth=%q idempotency=%q", auth, idem)
	}
}

func TestExecute_ClassifiesStatus(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusBadRequest, domain.ErrTerminalTool},
		{http.StatusNotFound, domain.ErrTerminalTool},
		{http.StatusRequestTimeout, domain.ErrTransientTool},
		{http.StatusBadGateway, domain.ErrTransientTool},
		{http.StatusServiceUnavailable, domain.ErrTransientTool},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			a := newAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			})
			if _, err := a.Execute(context.Background(), adapter.Call{RequestID: "r"}); !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestExecute_RateLimited(t *testing.T) {
	a := newAdapter(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "120")
		w.WriteHeader(http.StatusTooManyRequests)
	})
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	a.now = func() time.Time { return now }

	_, err := a.Execute(context.Background(), adapter.Call{RequestID: "r"})
	var rle *adapter.RateLimitError
	if !errors.As(err, &rle) {
		t.Fatalf("err = %v, want RateLimitError", err)
	}
	if !rle.Limit.ResetAt.Equal(now.Add(2 * time.Minute)) {
		t.Errorf("reset_at = %v", rle.Limit.ResetAt)
	}
	if !errors.Is(err, domain.ErrTransientTool) {
		t.Error("rate limit error is not transient")
	}
}

func TestExecute_UnreachableIsTransient(t *testing.T) {
	a := New(config.WebhookAdapterConfig{Name: "x", URL: "http://127.0.0.1:1"}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if _, err := a.Execute(context.Background(), adapter.Call{}); !errors.Is(err, domain.ErrTransientTool) {
		t.Errorf("err = %v, want transient", err)
	}
	if p := a.HealthCheck(context.Background()); p.Healthy {
		t.Error("unreachable endpoint reported healthy")
	}
}

func TestHealthCheck(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	a := newAdapter(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s", r.Method)
		}
		w.WriteHeader(int(status.Load()))
	})
	if p := a.HealthCheck(context.Background()); !p.Healthy {
		t.Errorf("probe = %+v", p)
	}
	status.Store(http.StatusMethodNotAllowed)
	if p := a.HealthCheck(context.Background()); !p.Healthy {
		t.Errorf("405 should count as reachable: %+v", p)
	}
	status.Store(http.StatusInternalServerError)
	if p := a.HealthCheck(context.Background()); p.Healthy {
		t.Error("500 reported healthy")
	}
}

func TestParseRateLimit(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	h := http.Header{}
	if parseRateLimit(h, now) != nil {
		t.Error("empty headers produced a rate limit")
	}
	h.Set("X-RateLimit-Remaining", "0")
	h.Set("X-RateLimit-Reset", "1700000300")
	rl := parseRateLimit(h, now)
	if rl == nil || rl.Remaining != 0 || !rl.ResetAt.Equal(time.Unix(1_700_000_300, 0)) {
		t.Fatalf("rl = %+v", rl)
	}
	if !rl.Exhausted(now) || rl.Exhausted(now.Add(time.Hour)) {
		t.Error("Exhausted window wrong")
	}
}
