package repository

import (
	"fmt"
	"testing"
	"time"

	"feedsync/internal/database"
	"feedsync/internal/models"

	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func setupStore(t *testing.T) *Store {
	t.Helper()
	db, err := database.OpenCache(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewStore(db)
}

// item builds a confirmed row; higher n is newer.
func item(n int) *models.FeedItem {
	return &models.FeedItem{
		ID:             fmt.Sprintf("p%02d", n),
		AuthorID:       "author-1",
		AuthorName:     "Ada",
		Text:           fmt.Sprintf("post %d", n),
		LikeCount:      n,
		CreatedAt:      baseTime.Add(time.Duration(n) * time.Minute),
		ApprovalStatus: models.ApprovalApproved,
	}
}

func cursorsFor(items []*models.FeedItem, prev, next string) []*models.PaginationCursor {
	out := make([]*models.PaginationCursor, 0, len(items))
	for _, it := range items {
		out = append(out, &models.PaginationCursor{ItemID: it.ID, PrevKey: prev, NextKey: next})
	}
	return out
}
