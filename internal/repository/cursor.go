package repository

import (
	"context"
	"errors"

	"feedsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CursorRepository stores the page boundaries recorded for each fetched item.
type CursorRepository interface {
	Get(ctx context.Context, itemID string) (*models.PaginationCursor, error)
	Last(ctx context.Context) (*models.PaginationCursor, error)
	InsertAll(ctx context.Context, cursors []*models.PaginationCursor) error
	ClearAll(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

type cursorRepository struct {
	db *gorm.DB
}

// NewCursorRepository creates a new cursor repository
func NewCursorRepository(db *gorm.DB) CursorRepository {
	return &cursorRepository{db: db}
}

// Get returns the cursor recorded for itemID, or nil when none exists.
func (r *cursorRepository) Get(ctx context.Context, itemID string) (*models.PaginationCursor, error) {
	var cursor models.PaginationCursor
	err := r.db.WithContext(ctx).Where("item_id = ?", itemID).Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

// Last returns the cursor of the oldest cached item that has one, or nil.
func (r *cursorRepository) Last(ctx context.Context) (*models.PaginationCursor, error) {
	var cursor models.PaginationCursor
	err := r.db.WithContext(ctx).
		Model(&models.PaginationCursor{}).
		Select("pagination_cursors.*").
		Joins("JOIN feed_items ON feed_items.id = pagination_cursors.item_id").
		Order("feed_items.created_at ASC").
		Order("feed_items.id ASC").
		Take(&cursor).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cursor, nil
}

func (r *cursorRepository) InsertAll(ctx context.Context, cursors []*models.PaginationCursor) error {
	if len(cursors) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "item_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"prev_key", "next_key"}),
	}).Create(&cursors).Error
}

func (r *cursorRepository) ClearAll(ctx context.Context) error {
	return r.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&models.PaginationCursor{}).Error
}

func (r *cursorRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.PaginationCursor{}).Count(&n).Error
	return n, err
}
