// Package orchestrator drives approved requests through execution.
//
// Three loops run against the shared state store: the approved-poller claims
// and executes approved records, the expiration-poller expires pending records
// whose decision window closed, and the quarantine-poller rejects records that
// fail validation. Every state change is preceded by its audit entry; when the
// audit write fails the record stays where it is and the change is retried on
// the next pass.
package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/events"
	"github.com/jkaninda/gatekeeper/internal/notification"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
)

// Invoker executes a claimed request.
type Invoker interface {
	Invoke(ctx context.Context, req *approval.Request) (*pipeline.Result, error)
}

// Notifier receives follow-up messages for failed executions.
type Notifier interface {
	Notify(ctx context.Context, msg *notification.Message) error
}

// RetryLookup reports whether a request is held by the replay queue.
type RetryLookup interface {
	Get(ctx context.Context, id string) (*pipeline.RetryableRequest, error)
}

// Metrics receives state transitions.
type Metrics interface {
	RecordTransition(from, to string)
}

// Config tunes the orchestrator.
type Config struct {
	Concurrency int    // Executions per approved pass. Default: 4.
	Actor       string // Actor recorded on audit entries. Default: "orchestrator".
}

func (c Config) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return 4
}

func (c Config) actor() string {
	if c.Actor != "" {
		return c.Actor
	}
	return "orchestrator"
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithNotifier sends a message for every failed execution.
func WithNotifier(n Notifier) Option { return func(o *Orchestrator) { o.notifier = n } }

// WithEvents publishes every transition.
func WithEvents(p events.Publisher) Option { return func(o *Orchestrator) { o.events = p } }

// WithMetrics counts transitions.
func WithMetrics(m Metrics) Option { return func(o *Orchestrator) { o.metrics = m } }

// WithRetryLookup lets startup recovery tell queued executions from
// interrupted ones.
func WithRetryLookup(q RetryLookup) Option { return func(o *Orchestrator) { o.retries = q } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// Orchestrator owns the pollers.
type Orchestrator struct {
	store     approval.StateStore
	invoker   Invoker
	audit     approval.AuditWriter
	validator *approval.Validator
	notifier  Notifier
	events    events.Publisher
	metrics   Metrics
	retries   RetryLookup
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger

	mu         sync.Mutex
	unfinished map[string]*finalization
}

// New creates an orchestrator.
func New(store approval.StateStore, invoker Invoker, aw approval.AuditWriter, v *approval.Validator, cfg Config, logger *slog.Logger, opts ...Option) *Orchestrator {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	o := &Orchestrator{
		store:      store,
		invoker:    invoker,
		audit:      aw,
		validator:  v,
		cfg:        cfg,
		now:        time.Now,
		logger:     logger,
		unfinished: make(map[string]*finalization),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Handle controls a running orchestrator.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	err    error
	once   sync.Once
}

// Stop ends the loops and waits for them. No new claims are issued after
// Stop is called; executions already in flight run to completion.
func (h *Handle) Stop() error {
	h.once.Do(h.cancel)
	<-h.done
	return h.err
}

// Done is closed once every loop has returned.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Start recovers interrupted executions and launches the pollers.
func (o *Orchestrator) Start(pollInterval time.Duration) *Handle {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.err = o.Run(ctx, pollInterval)
	}()
	return h
}

// Run blocks until ctx ends, running every loop at pollInterval.
func (o *Orchestrator) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if n, err := o.Recover(ctx); err != nil {
		o.logger.Error("startup recovery failed", slog.String("error", err.Error()))
	} else if n > 0 {
		o.logger.Warn("recovered interrupted executions", slog.Int("count", n))
	}

	wakeApproved := make(chan struct{}, 1)
	wakeQuarantine := make(chan struct{}, 1)
	o.watch(ctx, wakeApproved, wakeQuarantine)

	o.logger.Info("orchestrator started",
		slog.Duration("poll_interval", pollInterval),
		slog.Int("concurrency", o.cfg.concurrency()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return o.loop(gctx, "approved", pollInterval, wakeApproved, o.RunApproved) })
	g.Go(func() error { return o.loop(gctx, "expiration", pollInterval, nil, o.RunExpiration) })
	g.Go(func() error { return o.loop(gctx, "quarantine", pollInterval, wakeQuarantine, o.RunQuarantine) })
	err := g.Wait()

	o.logger.Info("orchestrator stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// loop runs pass immediately and then on every tick or wake until ctx ends.
// A failed pass is logged and never stops the loop.
func (o *Orchestrator) loop(ctx context.Context, name string, interval time.Duration, wake <-chan struct{}, pass func(context.Context) (int, error)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if n, err := pass(ctx); err != nil && ctx.Err() == nil {
			o.logger.Error("poller pass failed", slog.String("poller", name), slog.String("error", err.Error()))
		} else if n > 0 {
			o.logger.Debug("poller pass", slog.String("poller", name), slog.Int("processed", n))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// watch forwards store change notifications to the matching pollers when the
// store supports them.
func (o *Orchestrator) watch(ctx context.Context, approved, pending chan<- struct{}) {
	w, ok := o.store.(approval.Watcher)
	if !ok {
		return
	}
	ch, err := w.Watch(ctx)
	if err != nil {
		o.logger.Warn("store watch unavailable, polling only", slog.String("error", err.Error()))
		return
	}
	go func() {
		for st := range ch {
			var target chan<- struct{}
			switch st {
			case approval.StatusApproved:
				target = approved
			case approval.StatusPending:
				target = pending
			default:
				continue
			}
			select {
			case target <- struct{}{}:
			default:
			}
		}
	}()
}

func (o *Orchestrator) publish(r *approval.Request, from approval.Status, actor string) {
	if o.metrics != nil {
		o.metrics.RecordTransition(string(from), string(r.Status))
	}
	if o.events == nil {
		return
	}
	o.events.Publish(events.Event{
		Type:       "transition",
		ApprovalID: r.ID,
		From:       string(from),
		To:         string(r.Status),
		Domain:     r.Domain,
		ActionType: r.ActionType,
		Actor:      actor,
		ErrorCode:  string(r.ErrorCode),
		At:         o.now().UTC(),
	})
}
