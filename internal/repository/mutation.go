package repository

import (
	"context"
	"errors"
	"time"

	"feedsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// MutationRepository stores the optimistic like overlay, one row per item.
type MutationRepository interface {
	Get(ctx context.Context, itemID string) (*models.PendingMutation, error)
	ListByItemIDs(ctx context.Context, itemIDs []string) (map[string]*models.PendingMutation, error)
	Put(ctx context.Context, m *models.PendingMutation) error
	DeleteIfVersion(ctx context.Context, itemID string, version int64) (bool, error)
	Delete(ctx context.Context, itemID string) error
}

type mutationRepository struct {
	db *gorm.DB
}

// NewMutationRepository creates a new overlay repository
func NewMutationRepository(db *gorm.DB) MutationRepository {
	return &mutationRepository{db: db}
}

// Get returns the overlay for itemID, or nil when none is pending.
func (r *mutationRepository) Get(ctx context.Context, itemID string) (*models.PendingMutation, error) {
	var m models.PendingMutation
	err := r.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *mutationRepository) ListByItemIDs(ctx context.Context, itemIDs []string) (map[string]*models.PendingMutation, error) {
	out := make(map[string]*models.PendingMutation, len(itemIDs))
	if len(itemIDs) == 0 {
		return out, nil
	}
	var rows []*models.PendingMutation
	if err := r.db.WithContext(ctx).Where("item_id IN ?", itemIDs).Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, m := range rows {
		out[m.ItemID] = m
	}
	return out, nil
}

// Put inserts or replaces the overlay row.
func (r *mutationRepository) Put(ctx context.Context, m *models.PendingMutation) error {
	m.UpdatedAt = time.Now().UTC()
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"kind", "prev_liked", "prev_like_count", "liked", "like_count", "version", "updated_at",
		}),
	}).Create(m).Error
}

// DeleteIfVersion removes the overlay only if it still carries version. It reports
// whether a row was removed.
func (r *mutationRepository) DeleteIfVersion(ctx context.Context, itemID string, version int64) (bool, error) {
	res := r.db.WithContext(ctx).
		Where("item_id = ? AND version = ?", itemID, version).
		Delete(&models.PendingMutation{})
	return res.RowsAffected > 0, res.Error
}

func (r *mutationRepository) Delete(ctx context.Context, itemID string) error {
	return r.db.WithContext(ctx).Where("item_id = ?", itemID).Delete(&models.PendingMutation{}).Error
}
