package repository

import (
	"context"

	"feedsync/internal/models"
	"feedsync/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// confirmedColumns are the columns a fetched page replaces on an existing row.
var confirmedColumns = []string{
	"author_id",
	"author_name",
	"author_avatar_url",
	"text",
	"media_urls",
	"like_count",
	"comment_count",
	"liked_by_me",
	"created_at",
	"group_id",
	"group_name",
	"group_avatar_url",
	"approval_status",
	"is_pinned",
	"is_hidden",
	"sync_pending",
}

// FeedItemRepository defines the interface for cached feed row operations
type FeedItemRepository interface {
	Create(ctx context.Context, item *models.FeedItem) error
	UpsertAll(ctx context.Context, items []*models.FeedItem) error
	GetByID(ctx context.Context, id string) (*models.FeedItem, error)
	List(ctx context.Context, offset, limit int) ([]*models.FeedItem, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
	Save(ctx context.Context, item *models.FeedItem) error
	Delete(ctx context.Context, id string) error
	ClearConfirmed(ctx context.Context) (int64, error)
	UpdateAuthorInfo(ctx context.Context, authorID, name, avatarURL string) (int64, error)
}

type feedItemRepository struct {
	db *gorm.DB
}

// NewFeedItemRepository creates a new feed item repository
func NewFeedItemRepository(db *gorm.DB) FeedItemRepository {
	return &feedItemRepository{db: db}
}

func (r *feedItemRepository) Create(ctx context.Context, item *models.FeedItem) error {
	return r.db.WithContext(ctx).Create(item).Error
}

// UpsertAll inserts the items or replaces their confirmed columns. Rows awaiting upload
// confirmation are left untouched.
func (r *feedItemRepository) UpsertAll(ctx context.Context, items []*models.FeedItem) error {
	if len(items) == 0 {
		return nil
	}
	defer observability.TrackQuery("upsert_items")()

	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(confirmedColumns),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Expr{SQL: "feed_items.sync_pending = ?", Vars: []interface{}{false}},
		}},
	}).Create(&items).Error
}

func (r *feedItemRepository) GetByID(ctx context.Context, id string) (*models.FeedItem, error) {
	var item models.FeedItem
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// List returns visible rows in feed order: newest first, ties broken by id descending.
func (r *feedItemRepository) List(ctx context.Context, offset, limit int) ([]*models.FeedItem, error) {
	defer observability.TrackQuery("list_items")()

	var items []*models.FeedItem
	err := r.db.WithContext(ctx).
		Where("is_hidden = ?", false).
		Order("created_at DESC").
		Order("id DESC").
		Offset(offset).
		Limit(limit).
		Find(&items).Error
	return items, err
}

// Update sets columns on one row and reports gorm.ErrRecordNotFound when it is absent.
func (r *feedItemRepository) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	res := r.db.WithContext(ctx).Model(&models.FeedItem{}).Where("id = ?", id).Updates(fields)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// Save writes every column of item, inserting it when absent.
func (r *feedItemRepository) Save(ctx context.Context, item *models.FeedItem) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns(confirmedColumns),
	}).Create(item).Error
}

func (r *feedItemRepository) Delete(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.FeedItem{}).Error
}

// ClearConfirmed deletes every row not awaiting upload confirmation.
func (r *feedItemRepository) ClearConfirmed(ctx context.Context) (int64, error) {
	res := r.db.WithContext(ctx).Where("sync_pending = ?", false).Delete(&models.FeedItem{})
	return res.RowsAffected, res.Error
}

func (r *feedItemRepository) UpdateAuthorInfo(ctx context.Context, authorID, name, avatarURL string) (int64, error) {
	res := r.db.WithContext(ctx).Model(&models.FeedItem{}).
		Where("author_id = ?", authorID).
		Updates(map[string]interface{}{
			"author_name":       name,
			"author_avatar_url": avatarURL,
		})
	return res.RowsAffected, res.Error
}
