package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/gatekeeper/internal/approval"
	"github.com/jkaninda/gatekeeper/internal/domain"
)

// ApprovalStore implements approval.StateStore. Every transition is a single
// conditional UPDATE on the current status; the row count decides the race.
type ApprovalStore struct {
	db     *gorm.DB
	logger *slog.Logger
}

var _ approval.StateStore = (*ApprovalStore)(nil)

func (s *ApprovalStore) Create(ctx context.Context, req *approval.Request) error {
	if req.ID == "" {
		return domain.Errorf(domain.CodeValidationFailed, "record id is required")
	}
	if req.Status != approval.StatusPending && req.Status != approval.StatusApproved {
		return fmt.Errorf("creating %s: initial status must be pending or approved, got %q", req.ID, req.Status)
	}
	m := toApprovalModel(req)
	if err := s.db.WithContext(ctx).Create(&m).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s", approval.ErrDuplicate, req.ID)
		}
		return fmt.Errorf("creating approval: %w", err)
	}
	return nil
}

func (s *ApprovalStore) Get(ctx context.Context, id string) (*approval.Request, error) {
	return s.get(s.db.WithContext(ctx), id)
}

func (s *ApprovalStore) get(tx *gorm.DB, id string) (*approval.Request, error) {
	var m ApprovalModel
	if err := tx.First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: %s", approval.ErrNotFound, id)
		}
		return nil, fmt.Errorf("getting approval: %w", err)
	}
	return toApprovalDomain(&m), nil
}

func (s *ApprovalStore) List(ctx context.Context, status approval.Status) ([]*approval.Request, error) {
	var models []ApprovalModel
	if err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("created_at ASC, id ASC").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing %s approvals: %w", status, err)
	}
	out := make([]*approval.Request, 0, len(models))
	for i := range models {
		out = append(out, toApprovalDomain(&models[i]))
	}
	return out, nil
}

func (s *ApprovalStore) Transition(ctx context.Context, id string, from, to approval.Status, ch approval.Change) (*approval.Request, error) {
	if err := approval.CheckTransition(id, from, to); err != nil {
		return nil, err
	}
	var out *approval.Request
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if req.Status != from {
			return conflict(id, from, to, "record is "+string(req.Status))
		}
		approval.Apply(req, to, ch)
		if err := s.swap(tx, id, from, req); err != nil {
			return err
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Debug("record transitioned", slog.String("approval_id", id), slog.String("status", string(to)))
	return out, nil
}

func (s *ApprovalStore) Claim(ctx context.Context, id string, now time.Time) (*approval.Request, error) {
	var out *approval.Request
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if req.Status != approval.StatusApproved {
			return conflict(id, approval.StatusApproved, approval.StatusExecuting, "record is "+string(req.Status))
		}
		if req.Expired(now) {
			return domain.Errorf(domain.CodeExpired, "approval %s expired at %s", id, req.ExpiresAt.Format(time.RFC3339))
		}
		approval.Apply(req, approval.StatusExecuting, approval.Change{})
		res := tx.Model(&ApprovalModel{}).
			Where("id = ? AND status = ? AND expires_at > ?", id, string(approval.StatusApproved), now.UTC()).
			Update("status", string(approval.StatusExecuting))
		if res.Error != nil {
			return fmt.Errorf("claiming approval: %w", res.Error)
		}
		if res.RowsAffected != 1 {
			return conflict(id, approval.StatusApproved, approval.StatusExecuting, "lost the claim")
		}
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// swap writes req's mutable columns where the row is still in from.
func (s *ApprovalStore) swap(tx *gorm.DB, id string, from approval.Status, req *approval.Request) error {
	m := toApprovalModel(req)
	res := tx.Model(&ApprovalModel{}).
		Where("id = ? AND status = ?", id, string(from)).
		Updates(map[string]any{
			"status":        m.Status,
			"domain":        m.Domain,
			"decided_at":    m.DecidedAt,
			"decided_by":    m.DecidedBy,
			"error_code":    m.ErrorCode,
			"error_message": m.ErrorMessage,
		})
	if res.Error != nil {
		return fmt.Errorf("updating approval: %w", res.Error)
	}
	if res.RowsAffected != 1 {
		return conflict(id, from, req.Status, "record changed concurrently")
	}
	return nil
}

// Close is a no-op; the owning Store closes the connection.
func (s *ApprovalStore) Close() error { return nil }

func conflict(id string, from, to approval.Status, reason string) error {
	return domain.Errorf(domain.CodeStateConflict, "approval %s: %s -> %s: %s", id, from, to, reason)
}
