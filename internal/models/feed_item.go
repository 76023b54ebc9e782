// Package models contains the cached feed rows and their domain forms.
package models

import (
	"strings"
	"time"
)

// mediaURLSeparator delimits media URLs in the cache column. URLs never contain a raw newline.
const mediaURLSeparator = "\n"

// FeedItem is a cached post row. Rows written from a fetched page are remote-authoritative;
// rows composed locally carry SyncPending until the upload worker confirms them.
type FeedItem struct {
	ID              string         `gorm:"primaryKey;size:64" json:"id"`
	AuthorID        string         `gorm:"size:64;not null;index" json:"author_id"`
	AuthorName      string         `json:"author_name"`
	AuthorAvatarURL string         `json:"author_avatar_url"`
	Text            string         `gorm:"type:text" json:"text"`
	MediaURLs       string         `gorm:"type:text" json:"-"`
	LikeCount       int            `gorm:"not null;default:0" json:"like_count"`
	CommentCount    int            `gorm:"not null;default:0" json:"comment_count"`
	LikedByMe       bool           `gorm:"not null;default:false" json:"liked_by_me"`
	CreatedAt       time.Time      `gorm:"autoCreateTime:false;index:idx_feed_items_order,priority:1,sort:desc" json:"created_at"`
	GroupID         string         `gorm:"size:64;index" json:"group_id,omitempty"`
	GroupName       string         `json:"group_name,omitempty"`
	GroupAvatarURL  string         `json:"group_avatar_url,omitempty"`
	ApprovalStatus  ApprovalStatus `gorm:"size:16;not null;default:'APPROVED'" json:"approval_status"`
	IsPinned        bool           `gorm:"not null;default:false" json:"is_pinned"`
	IsHidden        bool           `gorm:"not null;default:false" json:"is_hidden"`
	SyncPending     bool           `gorm:"not null;default:false;index" json:"sync_pending"`
}

// TableName specifies the table name for GORM.
func (FeedItem) TableName() string {
	return "feed_items"
}

// Post is the domain form of a feed item.
type Post struct {
	ID              string         `json:"id"`
	AuthorID        string         `json:"author_id"`
	AuthorName      string         `json:"author_name"`
	AuthorAvatarURL string         `json:"author_avatar_url,omitempty"`
	Text            string         `json:"text"`
	MediaURLs       []string       `json:"media_urls"`
	LikeCount       int            `json:"like_count"`
	CommentCount    int            `json:"comment_count"`
	LikedByMe       bool           `json:"liked_by_me"`
	CreatedAt       time.Time      `json:"created_at"`
	GroupID         string         `json:"group_id,omitempty"`
	GroupName       string         `json:"group_name,omitempty"`
	GroupAvatarURL  string         `json:"group_avatar_url,omitempty"`
	ApprovalStatus  ApprovalStatus `json:"approval_status"`
	IsPinned        bool           `json:"is_pinned"`
	IsHidden        bool           `json:"is_hidden"`
	SyncPending     bool           `json:"sync_pending"`
}

// ToPost converts a cache row to its domain form.
func (f *FeedItem) ToPost() *Post {
	return &Post{
		ID:              f.ID,
		AuthorID:        f.AuthorID,
		AuthorName:      f.AuthorName,
		AuthorAvatarURL: f.AuthorAvatarURL,
		Text:            f.Text,
		MediaURLs:       SplitMediaURLs(f.MediaURLs),
		LikeCount:       f.LikeCount,
		CommentCount:    f.CommentCount,
		LikedByMe:       f.LikedByMe,
		CreatedAt:       f.CreatedAt,
		GroupID:         f.GroupID,
		GroupName:       f.GroupName,
		GroupAvatarURL:  f.GroupAvatarURL,
		ApprovalStatus:  f.ApprovalStatus,
		IsPinned:        f.IsPinned,
		IsHidden:        f.IsHidden,
		SyncPending:     f.SyncPending,
	}
}

// FeedItemFromPost converts a domain post to a cache row.
func FeedItemFromPost(p *Post) *FeedItem {
	status := p.ApprovalStatus
	if status == "" {
		status = ApprovalApproved
	}
	return &FeedItem{
		ID:              p.ID,
		AuthorID:        p.AuthorID,
		AuthorName:      p.AuthorName,
		AuthorAvatarURL: p.AuthorAvatarURL,
		Text:            p.Text,
		MediaURLs:       JoinMediaURLs(p.MediaURLs),
		LikeCount:       p.LikeCount,
		CommentCount:    p.CommentCount,
		LikedByMe:       p.LikedByMe,
		CreatedAt:       p.CreatedAt,
		GroupID:         p.GroupID,
		GroupName:       p.GroupName,
		GroupAvatarURL:  p.GroupAvatarURL,
		ApprovalStatus:  status,
		IsPinned:        p.IsPinned,
		IsHidden:        p.IsHidden,
		SyncPending:     p.SyncPending,
	}
}

// JoinMediaURLs encodes an ordered URL list for the cache column.
func JoinMediaURLs(urls []string) string {
	kept := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			kept = append(kept, u)
		}
	}
	return strings.Join(kept, mediaURLSeparator)
}

// SplitMediaURLs decodes the cache column back into an ordered list, dropping blanks.
func SplitMediaURLs(raw string) []string {
	out := []string{}
	for _, u := range strings.Split(raw, mediaURLSeparator) {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}
