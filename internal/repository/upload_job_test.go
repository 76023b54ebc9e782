package repository

import (
	"context"
	"strings"
	"testing"
	"time"

	"feedsync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newJob(postID string) *models.UploadJob {
	job := &models.UploadJob{PostID: postID, UserID: "u1"}
	job.SetPaths([]string{"/cache/" + postID + "-0.jpg"})
	return job
}

func TestUploadJobRepository_EnqueueIsIdempotent(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	created, err := s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)
	assert.False(t, created)

	job, err := s.Jobs.GetByPostID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobEnqueued, job.Status)
	paths, err := job.Paths()
	require.NoError(t, err)
	assert.Equal(t, []string{"/cache/p1-0.jpg"}, paths)
}

func TestUploadJobRepository_ClaimLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := s.Jobs.ClaimNextDue(ctx, now)
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	_, err = s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)

	job, err := s.Jobs.ClaimNextDue(ctx, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.JobRunning, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.StartedAt)

	_, err = s.Jobs.ClaimNextDue(ctx, now.Add(time.Second))
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "running jobs are not claimed twice")

	retryAt := now.Add(time.Minute)
	require.NoError(t, s.Jobs.MarkRetry(ctx, job.ID, "network down", retryAt))

	_, err = s.Jobs.ClaimNextDue(ctx, now.Add(time.Second))
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "retry waits for its backoff")

	job, err = s.Jobs.ClaimNextDue(ctx, retryAt.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, job.Attempts)

	require.NoError(t, s.Jobs.MarkSucceeded(ctx, job.ID, []string{"http://cdn/a.jpg"}))
	job, err = s.Jobs.GetByPostID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobSucceeded, job.Status)
	assert.Equal(t, `["http://cdn/a.jpg"]`, job.ResultURLs)
	assert.Nil(t, job.StartedAt)
}

func TestUploadJobRepository_MarkFailedTruncates(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, err := s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)
	job, err := s.Jobs.GetByPostID(ctx, "p1")
	require.NoError(t, err)

	require.NoError(t, s.Jobs.MarkFailed(ctx, job.ID, strings.Repeat("x", 5000)))
	job, err = s.Jobs.GetByPostID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Len(t, job.LastError, 4000)
}

func TestUploadJobRepository_RequeueStale(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	_, _, err := s.Jobs.RequeueStale(ctx, 0, 3)
	assert.Error(t, err)

	_, err = s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)
	_, err = s.Jobs.ClaimNextDue(ctx, time.Now().UTC().Add(-time.Hour))
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound)

	job, err := s.Jobs.ClaimNextDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	markStale(t, s, job.ID)

	n, exhausted, err := s.Jobs.RequeueStale(ctx, 10*time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Empty(t, exhausted)

	job, err = s.Jobs.GetByPostID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobRetry, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func TestUploadJobRepository_RequeueStaleFailsFinalAttempt(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, err := s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)

	// Two failed attempts, then the process dies during the third.
	for attempt := 1; attempt <= 2; attempt++ {
		job, err := s.Jobs.ClaimNextDue(ctx, time.Now().UTC().Add(time.Duration(attempt)*time.Hour))
		require.NoError(t, err)
		require.NoError(t, s.Jobs.MarkRetry(ctx, job.ID, "offline", time.Now().UTC()))
	}
	job, err := s.Jobs.ClaimNextDue(ctx, time.Now().UTC().Add(3*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, job.Attempts)
	markStale(t, s, job.ID)

	n, exhausted, err := s.Jobs.RequeueStale(ctx, 10*time.Minute, 3)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, exhausted, 1)
	assert.Equal(t, "p1", exhausted[0].PostID)

	job, err = s.Jobs.GetByPostID(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)

	_, err = s.Jobs.ClaimNextDue(ctx, time.Now().UTC().Add(24*time.Hour))
	assert.ErrorIs(t, err, gorm.ErrRecordNotFound, "no fourth attempt")
}

func TestUploadJobRepository_Release(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	_, err := s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)

	job, err := s.Jobs.ClaimNextDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)
	require.NoError(t, s.Jobs.Release(ctx, job.ID))

	job, err = s.Jobs.GetByID(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetry, job.Status)
	assert.Zero(t, job.Attempts, "a released attempt is not counted")
	assert.Nil(t, job.StartedAt)

	assert.ErrorIs(t, s.Jobs.Release(ctx, job.ID), ErrJobInactive)
}

func TestUploadJobRepository_CancelForPost(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()

	prev, err := s.Jobs.CancelForPost(ctx, "p1", "post deleted")
	require.NoError(t, err)
	assert.Nil(t, prev, "no job to cancel")

	_, err = s.Jobs.Enqueue(ctx, newJob("p1"))
	require.NoError(t, err)
	claimed, err := s.Jobs.ClaimNextDue(ctx, time.Now().UTC().Add(time.Second))
	require.NoError(t, err)

	prev, err = s.Jobs.CancelForPost(ctx, "p1", "post deleted")
	require.NoError(t, err)
	require.NotNil(t, prev)
	assert.Equal(t, models.JobRunning, prev.Status)

	job, err := s.Jobs.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, job.Status)
	assert.Equal(t, "post deleted", job.LastError)

	assert.ErrorIs(t, s.Jobs.MarkSucceeded(ctx, claimed.ID, []string{"http://cdn/a.jpg"}), ErrJobInactive)
	assert.ErrorIs(t, s.Jobs.MarkRetry(ctx, claimed.ID, "x", time.Now()), ErrJobInactive)
	assert.ErrorIs(t, s.Jobs.MarkFailed(ctx, claimed.ID, "x"), ErrJobInactive)

	require.NoError(t, s.Jobs.Reopen(ctx, "p1"))
	job, err = s.Jobs.GetByID(ctx, claimed.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobRetry, job.Status)
	assert.Equal(t, 1, job.Attempts)
}

func markStale(t *testing.T, s *Store, id uint) {
	t.Helper()
	require.NoError(t, s.db.Model(&models.UploadJob{}).Where("id = ?", id).
		Update("started_at", time.Now().UTC().Add(-time.Hour)).Error)
}
