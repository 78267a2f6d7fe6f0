package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/gatekeeper/internal/audit"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/events"
)

// AuditWriter is the audit log's write path.
type AuditWriter interface {
	Append(ctx context.Context, e audit.Entry) error
}

// Tagger assigns a domain to requests submitted without one.
type Tagger interface {
	Tag(r *Request) string
}

// SubmitInput is what a producer supplies. Everything else is assigned.
type SubmitInput struct {
	ID         string         `json:"id,omitempty"`
	ActionType string         `json:"action_type"`
	Domain     string         `json:"domain,omitempty"`
	Target     string         `json:"target"`
	ToolRef    string         `json:"tool_ref"`
	RiskLevel  string         `json:"risk_level"`
	Source     string         `json:"source,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty"`
	// ExpiresAt overrides the default TTL when set.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Manager is the producer and human-facing API over a StateStore.
type Manager struct {
	store     StateStore
	audit     AuditWriter
	validator *Validator
	policy    *PolicyApprover
	tagger    Tagger
	events    events.Publisher
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithPolicy enables auto-approval of submitted records.
func WithPolicy(p *PolicyApprover) ManagerOption {
	return func(m *Manager) { m.policy = p }
}

// WithTagger sets the domain classifier used for untagged submissions.
func WithTagger(t Tagger) ManagerOption {
	return func(m *Manager) { m.tagger = t }
}

// WithEvents publishes decisions on p.
func WithEvents(p events.Publisher) ManagerOption {
	return func(m *Manager) { m.events = p }
}

// WithManagerClock overrides the time source.
func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager.
func NewManager(store StateStore, aw AuditWriter, v *Validator, ttl time.Duration, logger *slog.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		audit:     aw,
		validator: v,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Submit validates and stores a new record. Records matching the auto-approval
// policy are stored directly as approved with decided_by=auto.
func (m *Manager) Submit(ctx context.Context, in SubmitInput) (*Request, error) {
	now := m.now().UTC()
	req := &Request{
		ID:         in.ID,
		ActionType: in.ActionType,
		Domain:     in.Domain,
		Target:     in.Target,
		ToolRef:    in.ToolRef,
		RiskLevel:  domain.ParseRiskLevel(in.RiskLevel),
		Status:     StatusPending,
		Source:     in.Source,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.ttl),
		Parameters: cloneMap(in.Parameters),
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if !in.ExpiresAt.IsZero() {
		req.ExpiresAt = in.ExpiresAt.UTC()
	}
	if req.Domain == "" && m.tagger != nil {
		req.Domain = m.tagger.Tag(req)
	}
	if err := m.validator.Validate(req); err != nil {
		return nil, err
	}

	if ok, rule := m.policy.Evaluate(req); ok {
		req.apply(StatusApproved, Change{DecidedBy: DecidedByAuto, DecidedAt: now})
		if err := m.audit.Append(ctx, decisionEntry(req, string(DecidedByAuto), "approve", "auto-approved by rule: "+rule, now)); err != nil {
			return nil, err
		}
	}

	if err := m.store.Create(ctx, req); err != nil {
		return nil, err
	}
	m.publish(req, "", string(req.DecidedBy))

	m.logger.InfoContext(ctx, "approval submitted",
		slog.String("approval_id", req.ID),
		slog.String("action_type", req.ActionType),
		slog.String("domain", req.Domain),
		slog.String("risk", string(req.RiskLevel)),
		slog.String("status", string(req.Status)),
	)
	return req.Clone(), nil
}

// Approve moves a pending record to approved on behalf of actor.
func (m *Manager) Approve(ctx context.Context, id, actor string) (*Request, error) {
	return m.Decide(ctx, id, true, actor, "")
}

// Reject moves a pending record to rejected on behalf of actor.
func (m *Manager) Reject(ctx context.Context, id, actor, reason string) (*Request, error) {
	return m.Decide(ctx, id, false, actor, reason)
}

// Decide records a human decision. A record past its expires_at is expired
// instead and EXPIRED is returned; the decision and the expiration-poller go
// through the same compare-and-swap, so only one of them lands.
func (m *Manager) Decide(ctx context.Context, id string, approve bool, actor, reason string) (*Request, error) {
	if actor == "" {
		actor = string(DecidedByHuman)
	}
	req, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to := StatusRejected
	event := "reject"
	if approve {
		to = StatusApproved
		event = "approve"
	}
	if req.Status != StatusPending {
		err := conflict(id, req.Status, to, "record is "+string(req.Status))
		m.logger.WarnContext(ctx, "decision refused",
			slog.String("approval_id", id),
			slog.String("status", string(req.Status)),
		)
		return nil, err
	}

	now := m.now().UTC()
	if req.Expired(now) {
		return nil, m.expire(ctx, req, now)
	}
	if approve {
		if err := m.validator.Validate(req); err != nil {
			return nil, err
		}
	}

	req.DecidedBy = DecidedByHuman
	if err := m.audit.Append(ctx, decisionEntry(req, actor, event, reason, now)); err != nil {
		return nil, err
	}
	updated, err := m.store.Transition(ctx, id, StatusPending, to, Change{
		DecidedBy:    DecidedByHuman,
		DecidedAt:    now,
		ErrorMessage: reason,
	})
	if err != nil {
		return nil, err
	}
	m.publish(updated, StatusPending, actor)

	m.logger.InfoContext(ctx, "approval decided",
		slog.String("approval_id", id),
		slog.String("actor", actor),
		slog.String("status", string(to)),
	)
	return updated, nil
}

func (m *Manager) expire(ctx context.Context, req *Request, now time.Time) error {
	msg := fmt.Sprintf("decision window closed at %s", req.ExpiresAt.Format(time.RFC3339))
	e := decisionEntry(req, string(DecidedBySystem), "expire", "", now)
	e.Result = audit.ResultFailure
	e.ErrorCode = domain.CodeExpired
	e.ErrorMessage = msg
	if err := m.audit.Append(ctx, e); err != nil {
		return err
	}
	updated, err := m.store.Transition(ctx, req.ID, StatusPending, StatusExpired, Change{
		DecidedBy:    DecidedBySystem,
		DecidedAt:    now,
		ErrorCode:    domain.CodeExpired,
		ErrorMessage: msg,
	})
	if err != nil {
		return errors.Join(domain.Errorf(domain.CodeExpired, "approval %s: %s", req.ID, msg), err)
	}
	m.publish(updated, StatusPending, string(DecidedBySystem))
	return domain.Errorf(domain.CodeExpired, "approval %s: %s", req.ID, msg)
}

// Get returns a record by id.
func (m *Manager) Get(ctx context.Context, id string) (*Request, error) {
	return m.store.Get(ctx, id)
}

// List returns the records in one state.
func (m *Manager) List(ctx context.Context, status Status) ([]*Request, error) {
	return m.store.List(ctx, status)
}

func (m *Manager) publish(r *Request, from Status, actor string) {
	if m.events == nil {
		return
	}
	m.events.Publish(events.Event{
		Type:       "transition",
		ApprovalID: r.ID,
		From:       string(from),
		To:         string(r.Status),
		Domain:     r.Domain,
		ActionType: r.ActionType,
		Actor:      actor,
		ErrorCode:  string(r.ErrorCode),
		At:         m.now().UTC(),
	})
}

func decisionEntry(r *Request, actor, event, message string, now time.Time) audit.Entry {
	return audit.Entry{
		Timestamp:           now,
		ActionType:          r.ActionType,
		Actor:               actor,
		Target:              r.Target,
		SanitizedParameters: r.Parameters,
		ApprovalRequestID:   r.ID,
		Result:              audit.ResultNote,
		ErrorMessage:        message,
		Domain:              r.Domain,
		ToolRef:             r.ToolRef,
		Event:               event,
	}
}
