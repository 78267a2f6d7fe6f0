package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/jkaninda/gatekeeper/internal/health"
)

// StatusStore implements health.StatusStore.
type StatusStore struct {
	db *gorm.DB
}

var _ health.StatusStore = (*StatusStore)(nil)

func (s *StatusStore) SaveStatus(ctx context.Context, st health.EndpointStatus) error {
	m := toStatusModel(st)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "name"}},
		UpdateAll: true,
	}).Create(&m).Error
	if err != nil {
		return fmt.Errorf("saving endpoint status: %w", err)
	}
	return nil
}

func (s *StatusStore) LoadStatuses(ctx context.Context) ([]health.EndpointStatus, error) {
	var models []EndpointStatusModel
	if err := s.db.WithContext(ctx).Order("name ASC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("loading endpoint statuses: %w", err)
	}
	out := make([]health.EndpointStatus, 0, len(models))
	for i := range models {
		out = append(out, toStatusDomain(&models[i]))
	}
	return out, nil
}
