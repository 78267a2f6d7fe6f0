package storage

import (
	"time"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/health"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
)

// ApprovalModel maps to the "approvals" table.
type ApprovalModel struct {
	ID           string `gorm:"primaryKey"`
	ActionType   string `gorm:"not null"`
	Domain       string `gorm:"index"`
	Target       string `gorm:"not null"`
	ToolRef      string `gorm:"not null"`
	RiskLevel    string `gorm:"not null"`
	Status       string `gorm:"not null;index"`
	Source       string
	Parameters   map[string]any `gorm:"serializer:json;type:text"`
	CreatedAt    time.Time      `gorm:"index"`
	ExpiresAt    time.Time      `gorm:"index"`
	DecidedAt    *time.Time
	DecidedBy    string
	ErrorCode    string
	ErrorMessage string
}

func (ApprovalModel) TableName() string { return "approvals" }

// RetryEntryModel maps to the "retry_queue" table.
type RetryEntryModel struct {
	RequestID     string `gorm:"primaryKey"`
	ToolRef       string `gorm:"not null;index"`
	Domain        string
	ActionType    string
	Payload       map[string]any `gorm:"serializer:json;type:text"`
	Fingerprint   string         `gorm:"not null"`
	AttemptCount  int
	NextRetryAt   time.Time `gorm:"index"`
	FirstFailedAt time.Time `gorm:"index"`
	LastError     string
	LastErrorCode string
	ArchivedAt    *time.Time `gorm:"index"`
}

func (RetryEntryModel) TableName() string { return "retry_queue" }

// EndpointStatusModel maps to the "endpoint_status" table.
type EndpointStatusModel struct {
	Name                 string `gorm:"primaryKey"`
	Domain               string
	Status               string `gorm:"not null"`
	LastSuccessAt        *time.Time
	LastErrorAt          *time.Time
	LastError            string
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	RateLimitRemaining   int
	RateLimitResetAt     *time.Time
	UpdatedAt            time.Time `gorm:"autoUpdateTime:false"`
}

func (EndpointStatusModel) TableName() string { return "endpoint_status" }

func toApprovalModel(r *approval.Request) ApprovalModel {
	m := ApprovalModel{
		ID:           r.ID,
		ActionType:   r.ActionType,
		Domain:       r.Domain,
		Target:       r.Target,
		ToolRef:      r.ToolRef,
		RiskLevel:    string(r.RiskLevel),
		Status:       string(r.Status),
		Source:       r.Source,
		Parameters:   r.Parameters,
		CreatedAt:    r.CreatedAt.UTC(),
		ExpiresAt:    r.ExpiresAt.UTC(),
		DecidedBy:    string(r.DecidedBy),
		ErrorCode:    string(r.ErrorCode),
		ErrorMessage: r.ErrorMessage,
	}
	if r.DecidedAt != nil {
		t := r.DecidedAt.UTC()
		m.DecidedAt = &t
	}
	return m
}

func toApprovalDomain(m *ApprovalModel) *approval.Request {
	r := &approval.Request{
		ID:           m.ID,
		ActionType:   m.ActionType,
		Domain:       m.Domain,
		Target:       m.Target,
		ToolRef:      m.ToolRef,
		RiskLevel:    domain.RiskLevel(m.RiskLevel),
		Status:       approval.Status(m.Status),
		Source:       m.Source,
		Parameters:   m.Parameters,
		CreatedAt:    m.CreatedAt.UTC(),
		ExpiresAt:    m.ExpiresAt.UTC(),
		DecidedBy:    approval.DecidedBy(m.DecidedBy),
		ErrorCode:    domain.Code(m.ErrorCode),
		ErrorMessage: m.ErrorMessage,
	}
	if m.DecidedAt != nil {
		t := m.DecidedAt.UTC()
		r.DecidedAt = &t
	}
	return r
}

func toRetryModel(r pipeline.RetryableRequest) RetryEntryModel {
	return RetryEntryModel{
		RequestID:     r.RequestID,
		ToolRef:       r.ToolRef,
		Domain:        r.Domain,
		ActionType:    r.ActionType,
		Payload:       r.Payload,
		Fingerprint:   r.Fingerprint,
		AttemptCount:  r.AttemptCount,
		NextRetryAt:   r.NextRetryAt.UTC(),
		FirstFailedAt: r.FirstFailedAt.UTC(),
		LastError:     r.LastError,
		LastErrorCode: string(r.LastErrorCode),
		ArchivedAt:    utcPtr(r.ArchivedAt),
	}
}

func toRetryDomain(m *RetryEntryModel) pipeline.RetryableRequest {
	return pipeline.RetryableRequest{
		RequestID:     m.RequestID,
		ToolRef:       m.ToolRef,
		Domain:        m.Domain,
		ActionType:    m.ActionType,
		Payload:       m.Payload,
		Fingerprint:   m.Fingerprint,
		AttemptCount:  m.AttemptCount,
		NextRetryAt:   m.NextRetryAt.UTC(),
		FirstFailedAt: m.FirstFailedAt.UTC(),
		LastError:     m.LastError,
		LastErrorCode: domain.Code(m.LastErrorCode),
		ArchivedAt:    utcPtr(m.ArchivedAt),
	}
}

func toStatusModel(s health.EndpointStatus) EndpointStatusModel {
	return EndpointStatusModel{
		Name:                 s.Name,
		Domain:               s.Domain,
		Status:               string(s.Status),
		LastSuccessAt:        nonZero(s.LastSuccessAt),
		LastErrorAt:          nonZero(s.LastErrorAt),
		LastError:            s.LastError,
		ConsecutiveFailures:  s.ConsecutiveFailures,
		ConsecutiveSuccesses: s.ConsecutiveSuccesses,
		RateLimitRemaining:   s.RateLimitRemaining,
		RateLimitResetAt:     nonZero(s.RateLimitResetAt),
		UpdatedAt:            s.UpdatedAt.UTC(),
	}
}

func toStatusDomain(m *EndpointStatusModel) health.EndpointStatus {
	return health.EndpointStatus{
		Name:                 m.Name,
		Domain:               m.Domain,
		Status:               health.Status(m.Status),
		LastSuccessAt:        deref(m.LastSuccessAt),
		LastErrorAt:          deref(m.LastErrorAt),
		LastError:            m.LastError,
		ConsecutiveFailures:  m.ConsecutiveFailures,
		ConsecutiveSuccesses: m.ConsecutiveSuccesses,
		RateLimitRemaining:   m.RateLimitRemaining,
		RateLimitResetAt:     deref(m.RateLimitResetAt),
		UpdatedAt:            m.UpdatedAt.UTC(),
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
