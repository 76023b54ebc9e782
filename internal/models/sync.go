package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// PaginationCursor records the page boundaries that were valid when an item was fetched.
type PaginationCursor struct {
	ItemID  string `gorm:"primaryKey;size:64" json:"item_id"`
	PrevKey string `gorm:"size:64" json:"prev_key,omitempty"`
	NextKey string `gorm:"size:64" json:"next_key,omitempty"`
}

// TableName specifies the table name for GORM.
func (PaginationCursor) TableName() string {
	return "pagination_cursors"
}

// PendingMutation is the optimistic overlay for an item with an unconfirmed like toggle.
// Prev* hold the confirmed values to fall back to; Liked/LikeCount are what readers see.
type PendingMutation struct {
	ItemID        string       `gorm:"primaryKey;size:64" json:"item_id"`
	Kind          MutationKind `gorm:"size:16;not null" json:"kind"`
	PrevLiked     bool         `json:"prev_liked"`
	PrevLikeCount int          `json:"prev_like_count"`
	Liked         bool         `json:"liked"`
	LikeCount     int          `json:"like_count"`
	Version       int64        `gorm:"not null" json:"version"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// Apply overlays the optimistic like state on a domain post.
func (m *PendingMutation) Apply(p *Post) {
	if m == nil || p == nil || m.ItemID != p.ID {
		return
	}
	p.LikedByMe = m.Liked
	p.LikeCount = m.LikeCount
}

// UploadJob is a durable background job that uploads a composed post's media and writes
// the remote post document.
type UploadJob struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	PostID     string     `gorm:"size:64;not null;uniqueIndex" json:"post_id"`
	UserID     string     `gorm:"size:64;not null" json:"user_id"`
	FilePaths  string     `gorm:"type:text" json:"-"`
	Status     JobStatus  `gorm:"size:16;not null;index" json:"status"`
	Attempts   int        `gorm:"not null;default:0" json:"attempts"`
	NextRunAt  time.Time  `gorm:"index" json:"next_run_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	LastError  string     `gorm:"type:text" json:"last_error,omitempty"`
	ResultURLs string     `gorm:"type:text" json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
}

// TableName specifies the table name for GORM.
func (UploadJob) TableName() string {
	return "upload_jobs"
}

// Paths decodes the job's cached file paths.
func (j *UploadJob) Paths() ([]string, error) {
	var paths []string
	if j.FilePaths == "" {
		return paths, nil
	}
	if err := json.Unmarshal([]byte(j.FilePaths), &paths); err != nil {
		return nil, fmt.Errorf("decode file paths of job %d: %w", j.ID, err)
	}
	return paths, nil
}

// SetPaths encodes the job's cached file paths.
func (j *UploadJob) SetPaths(paths []string) {
	if len(paths) == 0 {
		j.FilePaths = ""
		return
	}
	b, _ := json.Marshal(paths)
	j.FilePaths = string(b)
}

// CacheOwner records the single user whose feed the cache holds. The cache is scoped to
// one device account; other users are refused until the cache file is replaced.
type CacheOwner struct {
	ID        uint      `gorm:"primaryKey;autoIncrement:false" json:"-"`
	UserID    string    `gorm:"size:64;not null" json:"user_id"`
	ClaimedAt time.Time `json:"claimed_at"`
}

// TableName specifies the table name for GORM.
func (CacheOwner) TableName() string {
	return "cache_owner"
}
