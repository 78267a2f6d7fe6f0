package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/gatekeeper/internal/domain"
	"github.com/jkaninda/gatekeeper/internal/pipeline"
	"github.com/jkaninda/gatekeeper/internal/sanitize"
)

// RetryQueue implements pipeline.RetryQueue. Archived rows stay in the table
// with archived_at set.
type RetryQueue struct {
	db *gorm.DB
}

var _ pipeline.RetryQueue = (*RetryQueue)(nil)

func active(tx *gorm.DB) *gorm.DB { return tx.Where("archived_at IS NULL") }

func (q *RetryQueue) Put(ctx context.Context, r pipeline.RetryableRequest) error {
	m := toRetryModel(r)
	m.ArchivedAt = nil
	err := q.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "request_id"}},
		UpdateAll: true,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("writing retry entry: %w", err)
	}
	return nil
}

func (q *RetryQueue) Get(ctx context.Context, id string) (*pipeline.RetryableRequest, error) {
	var m RetryEntryModel
	if err := active(q.db.WithContext(ctx)).First(&m, "request_id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pipeline.ErrNotQueued
		}
		return nil, fmt.Errorf("getting retry entry: %w", err)
	}
	r := toRetryDomain(&m)
	return &r, nil
}

func (q *RetryQueue) Due(ctx context.Context, now time.Time, limit int) ([]pipeline.RetryableRequest, error) {
	tx := active(q.db.WithContext(ctx)).Where("next_retry_at <= ?", now.UTC())
	if limit > 0 {
		tx = tx.Limit(limit)
	}
	return q.find(tx)
}

func (q *RetryQueue) List(ctx context.Context) ([]pipeline.RetryableRequest, error) {
	return q.find(active(q.db.WithContext(ctx)))
}

func (q *RetryQueue) find(tx *gorm.DB) ([]pipeline.RetryableRequest, error) {
	var models []RetryEntryModel
	if err := tx.Order("next_retry_at ASC, first_failed_at ASC, request_id ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing retry entries: %w", err)
	}
	out := make([]pipeline.RetryableRequest, 0, len(models))
	for i := range models {
		out = append(out, toRetryDomain(&models[i]))
	}
	return out, nil
}

func (q *RetryQueue) Delete(ctx context.Context, id string) error {
	res := active(q.db.WithContext(ctx)).Delete(&RetryEntryModel{}, "request_id = ?", id)
	if res.Error != nil {
		return fmt.Errorf("deleting retry entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return pipeline.ErrNotQueued
	}
	return nil
}

func (q *RetryQueue) Bump(ctx context.Context, id string, next time.Time, code domain.Code, lastErr string) error {
	res := active(q.db.WithContext(ctx).Model(&RetryEntryModel{})).
		Where("request_id = ?", id).
		Updates(map[string]any{
			"attempt_count":   gorm.Expr("attempt_count + 1"),
			"next_retry_at":   next.UTC(),
			"last_error_code": string(code),
			"last_error":      sanitize.Text(lastErr),
		})
	if res.Error != nil {
		return fmt.Errorf("updating retry entry: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return pipeline.ErrNotQueued
	}
	return nil
}

func (q *RetryQueue) ArchiveOlderThan(ctx context.Context, cutoff time.Time) ([]pipeline.RetryableRequest, error) {
	var archived []pipeline.RetryableRequest
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []RetryEntryModel
		if err := active(tx).Where("first_failed_at < ?", cutoff.UTC()).
			Order("first_failed_at ASC, request_id ASC").Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		now := time.Now().UTC()
		ids := make([]string, 0, len(models))
		for i := range models {
			models[i].ArchivedAt = &now
			ids = append(ids, models[i].RequestID)
			archived = append(archived, toRetryDomain(&models[i]))
		}
		return active(tx.Model(&RetryEntryModel{})).Where("request_id IN ?", ids).Update("archived_at", now).Error
	})
	if err != nil {
		return nil, fmt.Errorf("archiving retry entries: %w", err)
	}
	return archived, nil
}
