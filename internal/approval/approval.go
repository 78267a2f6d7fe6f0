// Package approval holds the lifecycle of proposed external actions: the
// request type, its state machine, the durable state stores, and the two
// entry points that move records into the machine (Submit) and through the
// human gate (Decide).
package approval

import (
	"errors"
	"fmt"
	"time"

	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

var (
	ErrNotFound  = errors.New("approval not found")
	ErrDuplicate = errors.New("approval already exists")
)

// Status is a lifecycle state. Each state maps to a distinct durable location.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusExpired   Status = "expired"
	StatusExecuting Status = "executing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
)

// AllStatuses lists every state in lifecycle order.
var AllStatuses = []Status{
	StatusPending, StatusApproved, StatusRejected, StatusExpired,
	StatusExecuting, StatusDone, StatusFailed,
}

var transitions = map[Status][]Status{
	StatusPending:   {StatusApproved, StatusRejected, StatusExpired},
	StatusApproved:  {StatusExecuting, StatusRejected, StatusExpired},
	StatusExecuting: {StatusDone, StatusFailed},
}

// Valid reports whether s is a known state.
func (s Status) Valid() bool {
	for _, v := range AllStatuses {
		if v == s {
			return true
		}
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s.Valid() && len(transitions[s]) == 0
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseStatus converts a string to a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// DecidedBy names who moved a record out of pending.
type DecidedBy string

const (
	DecidedByHuman  DecidedBy = "human"
	DecidedByAuto   DecidedBy = "auto"
	DecidedBySystem DecidedBy = "system"
)

// Request is a proposed external action.
type Request struct {
	ID         string           `yaml:"id" json:"id"`
	ActionType string           `yaml:"action_type" json:"action_type"`
	Domain     string           `yaml:"domain,omitempty" json:"domain,omitempty"`
	Target     string           `yaml:"target" json:"target"`
	ToolRef    string           `yaml:"tool_ref" json:"tool_ref"`
	RiskLevel  domain.RiskLevel `yaml:"risk_level" json:"risk_level"`
	Status     Status           `yaml:"status" json:"status"`
	// Source identifies the producer. Used by the classifier allowlist.
	Source    string     `yaml:"source,omitempty" json:"source,omitempty"`
	CreatedAt time.Time  `yaml:"created_at" json:"created_at"`
	ExpiresAt time.Time  `yaml:"expires_at" json:"expires_at"`
	DecidedAt *time.Time `yaml:"decided_at,omitempty" json:"decided_at,omitempty"`
	DecidedBy DecidedBy  `yaml:"decided_by,omitempty" json:"decided_by,omitempty"`
	// Set on rejected, expired and failed records.
	ErrorCode    domain.Code `yaml:"error_code,omitempty" json:"error_code,omitempty"`
	ErrorMessage string      `yaml:"error_message,omitempty" json:"error_message,omitempty"`

	Parameters map[string]any `yaml:"-" json:"parameters,omitempty"`

	// DecodeError is set by stores that found a record they could not parse.
	// Such records only surface so they can be quarantined.
	DecodeError error `yaml:"-" json:"-"`
}

// Expired reports whether the decision window has elapsed at now.
func (r *Request) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a copy that shares no mutable state with r.
func (r *Request) Clone() *Request {
	c := *r
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	c.Parameters = cloneMap(r.Parameters)
	return &c
}

// Redacted returns a copy fit for display: parameters, target and error
// message pass through the sanitizer.
func (r *Request) Redacted() *Request {
	c := *r
	if r.DecidedAt != nil {
		t := *r.DecidedAt
		c.DecidedAt = &t
	}
	c.Target = sanitize.String(r.Target)
	c.ErrorMessage = sanitize.Text(r.ErrorMessage)
	c.Parameters = sanitize.Map(r.Parameters)
	return &c
}

// apply copies the non-empty fields of ch onto r and sets the new status.
func (r *Request) apply(to Status, ch Change) {
	r.Status = to
	if ch.DecidedBy != "" {
		r.DecidedBy = ch.DecidedBy
	}
	if !ch.DecidedAt.IsZero() {
		t := ch.DecidedAt.UTC()
		r.DecidedAt = &t
	}
	if ch.ErrorCode != "" {
		r.ErrorCode = ch.ErrorCode
	}
	if ch.ErrorMessage != "" {
		r.ErrorMessage = ch.ErrorMessage
	}
	if ch.Domain != "" {
		r.Domain = ch.Domain
	}
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// conflict builds the STATE_CONFLICT error for a refused transition.
func conflict(id string, from, to Status, reason string) error {
	return domain.Errorf(domain.CodeStateConflict, "approval %s: %s -> %s: %s", id, from, to, reason)
}
