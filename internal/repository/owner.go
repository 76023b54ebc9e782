package repository

import (
	"context"
	"errors"
	"time"

	"feedsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const ownerRowID = 1

// OwnerRepository records which user the cache belongs to.
type OwnerRepository interface {
	Claim(ctx context.Context, userID string) (string, error)
	Get(ctx context.Context) (string, error)
}

type ownerRepository struct {
	db *gorm.DB
}

// NewOwnerRepository returns a repository implementation for the cache owner.
func NewOwnerRepository(db *gorm.DB) OwnerRepository {
	return &ownerRepository{db: db}
}

// Claim makes userID the owner of an unclaimed cache and returns the owner, which is
// the earlier claimant when the cache is already taken.
func (r *ownerRepository) Claim(ctx context.Context, userID string) (string, error) {
	if userID == "" {
		return "", errors.New("user id is required")
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoNothing: true,
	}).Create(&models.CacheOwner{
		ID:        ownerRowID,
		UserID:    userID,
		ClaimedAt: time.Now().UTC(),
	}).Error
	if err != nil {
		return "", err
	}
	return r.Get(ctx)
}

// Get returns the owner, or "" when the cache is unclaimed.
func (r *ownerRepository) Get(ctx context.Context) (string, error) {
	var owner models.CacheOwner
	err := r.db.WithContext(ctx).First(&owner, ownerRowID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return owner.UserID, nil
}
