package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/approval/approvaltest"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/health"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *clock { return &clock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// scripted returns errs in order, then succeeds (or repeats the last error
// when sticky is set).
type scripted struct {
	name, domain string

	mu     sync.Mutex
	errs   []error
	sticky bool
	calls  []adapter.Call
	rl     *adapter.RateLimit
}

func (s *scripted) Name() string   { return s.name }
func (s *scripted) Domain() string { return s.domain }

func (s *scripted) Execute(_ context.Context, c adapter.Call) (*adapter.Output, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, c)
	if len(s.errs) > 0 {
		err := s.errs[0]
		if !s.sticky || len(s.errs) > 1 {
			s.errs = s.errs[1:]
		}
		return nil, err
	}
	return &adapter.Output{Payload: map[string]any{"id": "msg-1"}, RateLimit: s.rl}, nil
}

func (s *scripted) HealthCheck(context.Context) adapter.Probe { return adapter.Probe{Healthy: true} }

func (s *scripted) set(sticky bool, errs ...error) {
	s.mu.Lock()
	s.errs, s.sticky = errs, sticky
	s.mu.Unlock()
}

func (s *scripted) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type fixture struct {
	clock   *clock
	mail    *scripted
	monitor *health.Monitor
	queue   *FileQueue
	store   *approval.FileStore
	p       *Pipeline
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	c := newClock()
	mail := &scripted{name: "mail", domain: "communication"}
	reg := adapter.NewRegistry()
	reg.Register(mail)
	mon := health.NewMonitor(reg, health.Thresholds{DegradedAfter: 2, DownAfter: 5, RecoverAfter: 1}, discard(), health.WithClock(c.Now))
	q, err := NewFileQueue(t.TempDir(), discard())
	if err != nil {
		t.Fatal(err)
	}
	store, err := approval.NewFileStore(t.TempDir(), discard())
	if err != nil {
		t.Fatal(err)
	}
	cfg := Config{
		Schedule:    []time.Duration{time.Millisecond, 2 * time.Millisecond, 4 * time.Millisecond},
		MaxAttempts: 3,
		CallTimeout: time.Second,
	}
	opts = append([]Option{WithClock(c.Now)}, opts...)
	return &fixture{clock: c, mail: mail, monitor: mon, queue: q, store: store, p: New(reg, mon, q, cfg, discard(), opts...)}
}

// executing creates a record and drives it to executing.
func (f *fixture) executing(t *testing.T, id string) *approval.Request {
	t.Helper()
	ctx := context.Background()
	if err := f.store.Create(ctx, approvaltest.NewRequest(id, f.clock.Now())); err != nil {
		t.Fatal(err)
	}
	if _, err := f.store.Transition(ctx, id, approval.StatusPending, approval.StatusApproved, approval.Change{
		DecidedBy: approval.DecidedByHuman,
		DecidedAt: f.clock.Now(),
	}); err != nil {
		t.Fatal(err)
	}
	req, err := f.store.Claim(ctx, id, f.clock.Now())
	if err != nil {
		t.Fatal(err)
	}
	return req
}

func transient(msg string) error { return adapter.Transient(errors.New(msg)) }

func TestInvokeSucceeds(t *testing.T) {
	f := newFixture(t)
	req := f.executing(t, "ok-1")

	res, err := f.p.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Outcome != Succeeded || res.Attempts != 1 || res.Payload["id"] != "msg-1" {
		t.Errorf("res = %+v", res)
	}
	if res.Domain != "communication" || res.ToolRef != "mail" {
		t.Errorf("domain/tool = %s/%s", res.Domain, res.ToolRef)
	}
	call := f.mail.calls[0]
	if call.RequestID != "ok-1" || call.Target != "ops@example.com" || call.Parameters["password"] != "s3cret" {
		t.Errorf("call = %+v", call)
	}
}

func TestInvokeRetriesTransientThenSucceeds(t *testing.T) {
	f := newFixture(t)
	f.mail.set(false, transient("timeout"), transient("timeout"))
	req := f.executing(t, "retry-1")

	res, err := f.p.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if res.Outcome != Succeeded || res.Attempts != 3 {
		t.Errorf("res = %+v, want succeeded after 3 attempts", res)
	}
	if st := f.monitor.Status("mail"); st != health.StatusHealthy {
		t.Errorf("health = %s, want healthy after success", st)
	}
	if all, _ := f.queue.List(context.Background()); len(all) != 0 {
		t.Errorf("queue = %d entries, want 0", len(all))
	}
}

func TestInvokeExhaustionQueues(t *testing.T) {
	f := newFixture(t)
	f.mail.set(true, transient("connection reset"))
	req := f.executing(t, "exh-1")

	res, err := f.p.Invoke(context.Background(), req)
	if err == nil {
		t.Fatal("expected error")
	}
	if res.Outcome != Queued || res.Attempts != 3 || res.Code != domain.CodeTransientToolError {
		t.Fatalf("res = %+v", res)
	}
	if want := f.clock.Now().Add(4 * time.Millisecond); !res.NextRetryAt.Equal(want) {
		t.Errorf("next_retry_at = %v, want %v", res.NextRetryAt, want)
	}
	if f.mail.count() != 3 {
		t.Errorf("calls = %d, want 3", f.mail.count())
	}

	e, err := f.queue.Get(context.Background(), "exh-1")
	if err != nil {
		t.Fatalf("queue Get: %v", err)
	}
	if e.AttemptCount != 3 || e.Payload["password"] != sanitize.Redacted || e.Payload["subject"] != "hi" {
		t.Errorf("entry = %+v", e)
	}
	fp, _ := Fingerprint(req)
	if e.Fingerprint != fp {
		t.Errorf("fingerprint = %s, want %s", e.Fingerprint, fp)
	}
	if st := f.monitor.Status("mail"); st != health.StatusDegraded {
		t.Errorf("health = %s, want degraded", st)
	}
}

func TestInvokeTerminalFailsImmediately(t *testing.T) {
	f := newFixture(t)
	f.mail.set(true, adapter.Terminal(errors.New("mailbox does not exist")))
	req := f.executing(t, "term-1")

	res, err := f.p.Invoke(context.Background(), req)
	if !errors.Is(err, domain.ErrTerminalTool) {
		t.Fatalf("err = %v, want TERMINAL_TOOL_ERROR", err)
	}
	if res.Outcome != Failed || res.Attempts != 1 {
		t.Errorf("res = %+v", res)
	}
	if st := f.monitor.Status("mail"); st != health.StatusHealthy {
		t.Errorf("terminal error changed health to %s", st)
	}
	if _, err := f.queue.Get(context.Background(), "term-1"); !errors.Is(err, ErrNotQueued) {
		t.Errorf("terminal failure was queued")
	}
}

func TestInvokeEndpointDownShortCircuits(t *testing.T) {
	f := newFixture(t)
	f.monitor.Force("mail", health.StatusDown)
	req := f.executing(t, "down-1")

	res, err := f.p.Invoke(context.Background(), req)
	if !errors.Is(err, domain.ErrEndpointUnavailable) {
		t.Fatalf("err = %v, want ENDPOINT_UNAVAILABLE", err)
	}
	if res.Outcome != Queued || res.Attempts != 0 {
		t.Errorf("res = %+v", res)
	}
	if f.mail.count() != 0 {
		t.Errorf("adapter called %d times while down", f.mail.count())
	}
	e, err := f.queue.Get(context.Background(), "down-1")
	if err != nil || e.LastErrorCode != domain.CodeEndpointUnavailable {
		t.Errorf("entry = %+v, err = %v", e, err)
	}
}

func TestInvokeRateLimitDefers(t *testing.T) {
	f := newFixture(t)
	reset := f.clock.Now().Add(time.Minute)
	f.mail.set(false, &adapter.RateLimitError{Limit: adapter.RateLimit{Remaining: 0, ResetAt: reset}})
	req := f.executing(t, "rl-1")

	res, _ := f.p.Invoke(context.Background(), req)
	if res.Outcome != Queued || res.Attempts != 1 || !res.NextRetryAt.Equal(reset) {
		t.Fatalf("res = %+v", res)
	}
	if until, ok := f.monitor.RateLimitedUntil("mail", f.clock.Now()); !ok || !until.Equal(reset) {
		t.Errorf("RateLimitedUntil = %v, %v", until, ok)
	}

	// A second request sees the exhausted quota and never reaches the adapter.
	other := f.executing(t, "rl-2")
	res, _ = f.p.Invoke(context.Background(), other)
	if res.Outcome != Queued || f.mail.count() != 1 {
		t.Errorf("res = %+v, calls = %d", res, f.mail.count())
	}
}

func TestInvokeDomainIsolation(t *testing.T) {
	f := newFixture(t)
	calendar := &scripted{name: "calendar", domain: "scheduling"}
	f.p.adapters.Register(calendar)
	f.monitor.Force("mail", health.StatusDown)

	req := f.executing(t, "iso-1")
	req.ToolRef, req.Domain = "calendar", "scheduling"
	res, err := f.p.Invoke(context.Background(), req)
	if err != nil || res.Outcome != Succeeded {
		t.Fatalf("calendar invoke = %+v, %v", res, err)
	}
	if f.monitor.Status("calendar") != health.StatusHealthy {
		t.Errorf("calendar health affected by mail outage")
	}
}

func TestInvokeUnknownToolRef(t *testing.T) {
	f := newFixture(t)
	req := f.executing(t, "unk-1")
	req.ToolRef = "fax"

	res, err := f.p.Invoke(context.Background(), req)
	if !errors.Is(err, domain.ErrTerminalTool) || res.Outcome != Failed {
		t.Errorf("res = %+v, err = %v", res, err)
	}
}

type fixedTagger string

func (f fixedTagger) Tag(*approval.Request) string { return string(f) }

type recordedInvocation struct {
	domain, toolRef, outcome string
}

type fakeMetrics struct{ got []recordedInvocation }

func (m *fakeMetrics) RecordInvocation(d, tool, outcome string, _ time.Duration) {
	m.got = append(m.got, recordedInvocation{d, tool, outcome})
}

func TestInvokeTagsDomainAndRecordsMetrics(t *testing.T) {
	m := &fakeMetrics{}
	f := newFixture(t, WithTagger(fixedTagger("communication")), WithMetrics(m))
	req := f.executing(t, "tag-1")
	req.Domain = ""

	res, err := f.p.Invoke(context.Background(), req)
	if err != nil {
		t.Fatal(err)
	}
	if res.Domain != "communication" || req.Domain != "communication" {
		t.Errorf("domain = %q", res.Domain)
	}
	if f.mail.calls[0].Domain != "communication" {
		t.Errorf("call domain = %q", f.mail.calls[0].Domain)
	}
	want := recordedInvocation{"communication", "mail", "succeeded"}
	if len(m.got) != 1 || m.got[0] != want {
		t.Errorf("metrics = %+v, want %+v", m.got, want)
	}
}

func TestScheduleBackOff(t *testing.T) {
	b := NewScheduleBackOff([]time.Duration{time.Second, 2 * time.Second, 4 * time.Second})
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second}
	for i, w := range want {
		if got := b.NextBackOff(); got != w {
			t.Errorf("step %d = %v, want %v", i, got, w)
		}
	}
	b.Reset()
	if got := b.NextBackOff(); got != time.Second {
		t.Errorf("after reset = %v, want 1s", got)
	}
	if got := NewScheduleBackOff(nil).NextBackOff(); got != 0 {
		t.Errorf("empty schedule = %v, want 0", got)
	}
}

func TestDelayAfter(t *testing.T) {
	s := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, time.Second},
		{1, time.Second},
		{3, 4 * time.Second},
		{9, 4 * time.Second},
	}
	for _, tt := range tests {
		if got := delayAfter(s, tt.n); got != tt.want {
			t.Errorf("delayAfter(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}
