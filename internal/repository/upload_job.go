package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"feedsync/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const maxJobErrorLen = 4000

// ErrJobInactive is returned by state writes on a job that was cancelled or finished
// while the caller held it.
var ErrJobInactive = errors.New("upload job is no longer active")

var activeJobStatuses = []models.JobStatus{models.JobEnqueued, models.JobRetry, models.JobRunning}

// UploadJobRepository is the durable queue behind the background upload worker.
type UploadJobRepository interface {
	Enqueue(ctx context.Context, job *models.UploadJob) (bool, error)
	GetByID(ctx context.Context, id uint) (*models.UploadJob, error)
	GetByPostID(ctx context.Context, postID string) (*models.UploadJob, error)
	ClaimNextDue(ctx context.Context, now time.Time) (*models.UploadJob, error)
	MarkSucceeded(ctx context.Context, id uint, urls []string) error
	MarkRetry(ctx context.Context, id uint, errMsg string, nextRunAt time.Time) error
	MarkFailed(ctx context.Context, id uint, errMsg string) error
	Release(ctx context.Context, id uint) error
	CancelForPost(ctx context.Context, postID, reason string) (*models.UploadJob, error)
	Reopen(ctx context.Context, postID string) error
	RequeueStale(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, []models.UploadJob, error)
}

type uploadJobRepository struct {
	db *gorm.DB
}

// NewUploadJobRepository returns a repository implementation for upload jobs.
func NewUploadJobRepository(db *gorm.DB) UploadJobRepository {
	return &uploadJobRepository{db: db}
}

// Enqueue stores a new job for its post. A second job for the same post is ignored and
// Enqueue reports false.
func (r *uploadJobRepository) Enqueue(ctx context.Context, job *models.UploadJob) (bool, error) {
	if job.Status == "" {
		job.Status = models.JobEnqueued
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "post_id"}},
		DoNothing: true,
	}).Create(job)
	return res.RowsAffected > 0, res.Error
}

func (r *uploadJobRepository) GetByID(ctx context.Context, id uint) (*models.UploadJob, error) {
	var job models.UploadJob
	if err := r.db.WithContext(ctx).First(&job, id).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *uploadJobRepository) GetByPostID(ctx context.Context, postID string) (*models.UploadJob, error) {
	var job models.UploadJob
	if err := r.db.WithContext(ctx).Where("post_id = ?", postID).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNextDue moves the oldest due job to running and counts the attempt. It returns
// gorm.ErrRecordNotFound when nothing is due.
func (r *uploadJobRepository) ClaimNextDue(ctx context.Context, now time.Time) (*models.UploadJob, error) {
	var claimed models.UploadJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.
			Where("status IN ? AND next_run_at <= ?", []models.JobStatus{models.JobEnqueued, models.JobRetry}, now.UTC()).
			Order("next_run_at ASC").
			Order("id ASC").
			First(&claimed).Error
		if err != nil {
			return err
		}
		res := tx.Model(&models.UploadJob{}).
			Where("id = ? AND status = ?", claimed.ID, claimed.Status).
			Updates(map[string]interface{}{
				"status":     models.JobRunning,
				"started_at": now.UTC(),
				"attempts":   gorm.Expr("attempts + 1"),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.First(&claimed, claimed.ID).Error
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (r *uploadJobRepository) MarkSucceeded(ctx context.Context, id uint, urls []string) error {
	encoded, err := json.Marshal(urls)
	if err != nil {
		return err
	}
	res := r.db.WithContext(ctx).Model(&models.UploadJob{}).
		Where("id = ? AND status = ?", id, models.JobRunning).
		Updates(map[string]interface{}{
			"status":      models.JobSucceeded,
			"result_urls": string(encoded),
			"last_error":  "",
			"started_at":  nil,
		})
	return affectedOrInactive(res)
}

func (r *uploadJobRepository) MarkRetry(ctx context.Context, id uint, errMsg string, nextRunAt time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.UploadJob{}).
		Where("id = ? AND status = ?", id, models.JobRunning).
		Updates(map[string]interface{}{
			"status":      models.JobRetry,
			"last_error":  truncateError(errMsg),
			"next_run_at": nextRunAt.UTC(),
			"started_at":  nil,
		})
	return affectedOrInactive(res)
}

// MarkFailed gives up on a job that is still queued or running.
func (r *uploadJobRepository) MarkFailed(ctx context.Context, id uint, errMsg string) error {
	res := r.db.WithContext(ctx).Model(&models.UploadJob{}).
		Where("id = ? AND status IN ?", id, activeJobStatuses).
		Updates(map[string]interface{}{
			"status":     models.JobFailed,
			"last_error": truncateError(errMsg),
			"started_at": nil,
		})
	return affectedOrInactive(res)
}

// Release hands a running job back to the queue without counting the attempt. It is
// used when the worker is stopped mid-upload.
func (r *uploadJobRepository) Release(ctx context.Context, id uint) error {
	res := r.db.WithContext(ctx).Model(&models.UploadJob{}).
		Where("id = ? AND status = ?", id, models.JobRunning).
		Updates(map[string]interface{}{
			"status":      models.JobRetry,
			"attempts":    gorm.Expr("CASE WHEN attempts > 0 THEN attempts - 1 ELSE 0 END"),
			"next_run_at": time.Now().UTC(),
			"started_at":  nil,
		})
	return affectedOrInactive(res)
}

// CancelForPost stops the active job of a post. It returns the job as it was before
// cancelling, or nil when the post has no active job.
func (r *uploadJobRepository) CancelForPost(ctx context.Context, postID, reason string) (*models.UploadJob, error) {
	var job models.UploadJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("post_id = ? AND status IN ?", postID, activeJobStatuses).First(&job).Error; err != nil {
			return err
		}
		return tx.Model(&models.UploadJob{}).
			Where("id = ? AND status = ?", job.ID, job.Status).
			Updates(map[string]interface{}{
				"status":     models.JobCancelled,
				"last_error": truncateError(reason),
				"started_at": nil,
			}).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// Reopen queues a cancelled job again, keeping its attempt count.
func (r *uploadJobRepository) Reopen(ctx context.Context, postID string) error {
	return r.db.WithContext(ctx).Model(&models.UploadJob{}).
		Where("post_id = ? AND status = ?", postID, models.JobCancelled).
		Updates(map[string]interface{}{
			"status":      models.JobRetry,
			"last_error":  "",
			"next_run_at": time.Now().UTC(),
		}).Error
}

// RequeueStale returns jobs stuck in running for longer than olderThan to the queue.
// A stale job that already used its last attempt is failed instead and returned so the
// caller can report it.
func (r *uploadJobRepository) RequeueStale(ctx context.Context, olderThan time.Duration, maxAttempts int) (int64, []models.UploadJob, error) {
	if olderThan <= 0 {
		return 0, nil, errors.New("olderThan must be > 0")
	}
	if maxAttempts < 1 {
		return 0, nil, errors.New("maxAttempts must be >= 1")
	}
	now := time.Now().UTC()
	cutoff := now.Add(-olderThan)

	var requeued int64
	var exhausted []models.UploadJob
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.
			Where("status = ? AND started_at IS NOT NULL AND started_at < ? AND attempts >= ?", models.JobRunning, cutoff, maxAttempts).
			Find(&exhausted).Error; err != nil {
			return err
		}
		if len(exhausted) > 0 {
			ids := make([]uint, len(exhausted))
			for i := range exhausted {
				ids[i] = exhausted[i].ID
			}
			if err := tx.Model(&models.UploadJob{}).Where("id IN ?", ids).
				Updates(map[string]interface{}{
					"status":     models.JobFailed,
					"last_error": "abandoned during final attempt",
					"started_at": nil,
				}).Error; err != nil {
				return err
			}
		}

		res := tx.Model(&models.UploadJob{}).
			Where("status = ? AND started_at IS NOT NULL AND started_at < ?", models.JobRunning, cutoff).
			Updates(map[string]interface{}{
				"status":      models.JobRetry,
				"next_run_at": now,
				"started_at":  nil,
			})
		requeued = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, nil, err
	}
	return requeued, exhausted, nil
}

func affectedOrInactive(res *gorm.DB) error {
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrJobInactive
	}
	return nil
}

func truncateError(msg string) string {
	if len(msg) > maxJobErrorLen {
		return msg[:maxJobErrorLen]
	}
	return msg
}
