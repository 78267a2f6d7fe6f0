// Package health tracks the reachability of registered tool endpoints.
//
// Each endpoint moves between healthy, degraded, and down on consecutive
// failure counts, and returns to healthy only after a run of consecutive
// successes. Outcomes come from periodic probes and from real invocations
// reported by the pipeline.
package health

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/gatekeeper/internal/adapter"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// Status is the coarse health of an endpoint.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

// EndpointStatus is the tracked state of one endpoint.
type EndpointStatus struct {
	Name                 string    `json:"name"`
	Domain               string    `json:"domain"`
	Status               Status    `json:"status"`
	LastSuccessAt        time.Time `json:"last_success_at,omitzero"`
	LastErrorAt          time.Time `json:"last_error_at,omitzero"`
	LastError            string    `json:"last_error,omitempty"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	RateLimitRemaining   int       `json:"rate_limit_remaining"` // -1 when unknown.
	RateLimitResetAt     time.Time `json:"rate_limit_reset_at,omitzero"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// StatusStore persists endpoint snapshots.
type StatusStore interface {
	SaveStatus(ctx context.Context, s EndpointStatus) error
	LoadStatuses(ctx context.Context) ([]EndpointStatus, error)
}

// Metrics receives endpoint status changes.
type Metrics interface {
	SetEndpointStatus(name, domain, status string)
}

// Thresholds control status flips.
type Thresholds struct {
	DegradedAfter int // Consecutive failures before degraded.
	DownAfter     int // Consecutive failures before down.
	RecoverAfter  int // Consecutive successes before healthy again.
}

func (t Thresholds) normalized() Thresholds {
	if t.DegradedAfter <= 0 {
		t.DegradedAfter = 2
	}
	if t.DownAfter <= t.DegradedAfter {
		t.DownAfter = t.DegradedAfter + 3
	}
	if t.RecoverAfter <= 0 {
		t.RecoverAfter = 1
	}
	return t
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithStore persists every status update.
func WithStore(s StatusStore) Option { return func(m *Monitor) { m.store = s } }

// WithMetrics reports status gauges.
func WithMetrics(mt Metrics) Option { return func(m *Monitor) { m.metrics = mt } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

// WithProbeTimeout bounds each health probe.
func WithProbeTimeout(d time.Duration) Option { return func(m *Monitor) { m.probeTimeout = d } }

// Monitor holds the status table. Safe for concurrent use.
type Monitor struct {
	adapters     *adapter.Registry
	thresholds   Thresholds
	probeTimeout time.Duration
	store        StatusStore
	metrics      Metrics
	now          func() time.Time
	logger       *slog.Logger

	mu        sync.Mutex
	endpoints map[string]*EndpointStatus
}

// NewMonitor creates a monitor over the adapters in reg.
func NewMonitor(reg *adapter.Registry, t Thresholds, logger *slog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		adapters:     reg,
		thresholds:   t.normalized(),
		probeTimeout: 10 * time.Second,
		now:          time.Now,
		logger:       logger,
		endpoints:    make(map[string]*EndpointStatus),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Restore loads persisted snapshots for registered endpoints.
func (m *Monitor) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	saved, err := m.store.LoadStatuses(ctx)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range saved {
		if _, ok := m.adapters.Get(s.Name); !ok {
			continue
		}
		cp := s
		m.endpoints[s.Name] = &cp
	}
	return nil
}

// Check probes one endpoint and records the outcome. Unknown endpoints
// report down.
func (m *Monitor) Check(ctx context.Context, name string) Status {
	a, ok := m.adapters.Get(name)
	if !ok {
		return StatusDown
	}
	pctx, cancel := context.WithTimeout(ctx, m.probeTimeout)
	probe := a.HealthCheck(pctx)
	cancel()

	if probe.RateLimit != nil {
		m.RecordRateLimit(name, *probe.RateLimit)
	}
	if probe.Healthy {
		return m.RecordSuccess(name)
	}
	err := probe.Err
	if err == nil {
		err = errors.New("probe reported unhealthy")
	}
	return m.RecordFailure(name, err)
}

// CheckAll probes every registered endpoint concurrently.
func (m *Monitor) CheckAll(ctx context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, a := range m.adapters.All() {
		name := a.Name()
		g.Go(func() error {
			m.Check(gctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

// Start probes all endpoints immediately and then every interval until the
// returned stop function is called or ctx ends. Stop waits for the loop.
func (m *Monitor) Start(ctx context.Context, interval time.Duration) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.CheckAll(ctx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// RecordSuccess resets the failure count and moves a degraded or down
// endpoint back to healthy after enough consecutive successes.
func (m *Monitor) RecordSuccess(name string) Status {
	return m.update(name, func(s *EndpointStatus, now time.Time) {
		s.ConsecutiveFailures = 0
		s.ConsecutiveSuccesses++
		s.LastSuccessAt = now
		if s.Status != StatusHealthy && s.ConsecutiveSuccesses >= m.thresholds.RecoverAfter {
			s.Status = StatusHealthy
		}
	})
}

// RecordFailure increments the failure count and flips the status when a
// threshold is crossed.
func (m *Monitor) RecordFailure(name string, err error) Status {
	return m.update(name, func(s *EndpointStatus, now time.Time) {
		s.ConsecutiveSuccesses = 0
		s.ConsecutiveFailures++
		s.LastErrorAt = now
		if err != nil {
			s.LastError = sanitize.Text(err.Error())
		}
		switch {
		case s.ConsecutiveFailures >= m.thresholds.DownAfter:
			s.Status = StatusDown
		case s.ConsecutiveFailures >= m.thresholds.DegradedAfter && s.Status == StatusHealthy:
			s.Status = StatusDegraded
		}
	})
}

// RecordRateLimit stores quota bookkeeping reported by the endpoint.
func (m *Monitor) RecordRateLimit(name string, rl adapter.RateLimit) {
	m.update(name, func(s *EndpointStatus, _ time.Time) {
		s.RateLimitRemaining = rl.Remaining
		s.RateLimitResetAt = rl.ResetAt
	})
}

// Force sets an endpoint's status directly, for operators and tests.
func (m *Monitor) Force(name string, st Status) {
	m.update(name, func(s *EndpointStatus, _ time.Time) {
		s.Status = st
		switch st {
		case StatusHealthy:
			s.ConsecutiveFailures = 0
		case StatusDegraded:
			s.ConsecutiveFailures = m.thresholds.DegradedAfter
		case StatusDown:
			s.ConsecutiveFailures = m.thresholds.DownAfter
		}
		s.ConsecutiveSuccesses = 0
	})
}

// Status returns the current status. Unknown endpoints are healthy until
// an outcome is recorded.
func (m *Monitor) Status(name string) Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.endpoints[name]; ok {
		return s.Status
	}
	return StatusHealthy
}

// IsDown reports whether invocations of name should short-circuit.
func (m *Monitor) IsDown(name string) bool { return m.Status(name) == StatusDown }

// RateLimitedUntil returns the reset time when the endpoint has no quota
// left at now.
func (m *Monitor) RateLimitedUntil(name string, now time.Time) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.endpoints[name]
	if !ok {
		return time.Time{}, false
	}
	rl := &adapter.RateLimit{Remaining: s.RateLimitRemaining, ResetAt: s.RateLimitResetAt}
	if rl.Exhausted(now) {
		return s.RateLimitResetAt, true
	}
	return time.Time{}, false
}

// Get returns a copy of one endpoint's status.
func (m *Monitor) Get(name string) (EndpointStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.endpoints[name]
	if !ok {
		return EndpointStatus{}, false
	}
	return *s, true
}

// Snapshot returns a copy of every tracked endpoint sorted by name.
// Registered endpoints without outcomes are included as healthy.
func (m *Monitor) Snapshot() []EndpointStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.adapters.All() {
		if _, ok := m.endpoints[a.Name()]; !ok {
			m.endpoints[a.Name()] = m.fresh(a.Name())
		}
	}
	out := make([]EndpointStatus, 0, len(m.endpoints))
	for _, s := range m.endpoints {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (m *Monitor) fresh(name string) *EndpointStatus {
	s := &EndpointStatus{Name: name, Status: StatusHealthy, RateLimitRemaining: -1}
	if a, ok := m.adapters.Get(name); ok {
		s.Domain = a.Domain()
	}
	return s
}

func (m *Monitor) update(name string, fn func(s *EndpointStatus, now time.Time)) Status {
	now := m.now().UTC()
	m.mu.Lock()
	s, ok := m.endpoints[name]
	if !ok {
		s = m.fresh(name)
		m.endpoints[name] = s
	}
	before := s.Status
	fn(s, now)
	s.UpdatedAt = now
	snap := *s
	m.mu.Unlock()

	if snap.Status != before {
		level := slog.LevelWarn
		if snap.Status == StatusHealthy {
			level = slog.LevelInfo
		}
		m.logger.Log(context.Background(), level, "endpoint status changed",
			slog.String("endpoint", name),
			slog.String("domain", snap.Domain),
			slog.String("from", string(before)),
			slog.String("to", string(snap.Status)),
			slog.Int("consecutive_failures", snap.ConsecutiveFailures),
		)
	}
	if m.metrics != nil {
		m.metrics.SetEndpointStatus(name, snap.Domain, string(snap.Status))
	}
	if m.store != nil {
		if err := m.store.SaveStatus(context.Background(), snap); err != nil {
			m.logger.Warn("persisting endpoint status",
				slog.String("endpoint", name),
				slog.String("error", err.Error()),
			)
		}
	}
	return snap.Status
}
