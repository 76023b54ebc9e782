// Package repository provides the local cache store: cached feed rows, pagination
// cursors, the optimistic like overlay, the durable upload job queue and the owner the
// cache is bound to.
package repository

import (
	"context"

	"feedsync/internal/models"
	"feedsync/internal/observability"

	"gorm.io/gorm"
)

// Store groups the cache repositories sharing one database handle.
type Store struct {
	db        *gorm.DB
	Items     FeedItemRepository
	Cursors   CursorRepository
	Mutations MutationRepository
	Jobs      UploadJobRepository
	Owner     OwnerRepository
}

// NewStore creates the cache repositories on db.
func NewStore(db *gorm.DB) *Store {
	return &Store{
		db:        db,
		Items:     NewFeedItemRepository(db),
		Cursors:   NewCursorRepository(db),
		Mutations: NewMutationRepository(db),
		Jobs:      NewUploadJobRepository(db),
		Owner:     NewOwnerRepository(db),
	}
}

// Transaction runs fn with repositories bound to a single transaction. The cache holds
// one connection, so fn must only use the store it is handed.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(NewStore(tx))
	})
}

// WritePage stores a fetched page and its cursors atomically. A refresh first clears
// every cursor so only the new page's cursors remain.
func (s *Store) WritePage(ctx context.Context, refresh bool, items []*models.FeedItem, cursors []*models.PaginationCursor) error {
	defer observability.TrackQuery("write_page")()

	return s.Transaction(ctx, func(tx *Store) error {
		if refresh {
			if err := tx.Cursors.ClearAll(ctx); err != nil {
				return err
			}
		}
		if err := tx.Cursors.InsertAll(ctx, cursors); err != nil {
			return err
		}
		return tx.Items.UpsertAll(ctx, items)
	})
}

// ClearCache removes confirmed rows and all cursors. Pending rows survive.
func (s *Store) ClearCache(ctx context.Context) error {
	return s.Transaction(ctx, func(tx *Store) error {
		if _, err := tx.Items.ClearConfirmed(ctx); err != nil {
			return err
		}
		return tx.Cursors.ClearAll(ctx)
	})
}
