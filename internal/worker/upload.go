// Package worker runs the durable background upload of media attached to posts composed
// on this device.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"feedsync/internal/feed"
	"feedsync/internal/media"
	"feedsync/internal/models"
	"feedsync/internal/notifications"
	"feedsync/internal/observability"
	"feedsync/internal/remote"
	"feedsync/internal/repository"
)

// Defaults used when Config leaves a value unset.
const (
	DefaultMaxAttempts  = 3
	DefaultBackoffBase  = 10 * time.Second
	DefaultPollInterval = 750 * time.Millisecond
	DefaultStaleAfter   = 10 * time.Minute
)

// objectPrefix is the object storage folder post media is uploaded under.
const objectPrefix = "posts"

// PostConfirmer marks a cached post as synced once its media is uploaded.
type PostConfirmer interface {
	ConfirmPostSynced(ctx context.Context, itemID string, urls []string) error
}

// Config tunes the upload worker.
type Config struct {
	MaxAttempts  int
	BackoffBase  time.Duration
	PollInterval time.Duration
	StaleAfter   time.Duration
}

// UploadWorker claims due upload jobs, uploads their files and writes the remote post.
type UploadWorker struct {
	store     *repository.Store
	docs      remote.DocumentStore
	storage   remote.ObjectStorage
	confirmer PostConfirmer
	notifier  *notifications.Notifier
	cfg       Config
	now       func() time.Time
	logger    *slog.Logger
}

// NewUploadWorker creates an UploadWorker. notifier may be nil.
func NewUploadWorker(store *repository.Store, docs remote.DocumentStore, storage remote.ObjectStorage, confirmer PostConfirmer, notifier *notifications.Notifier, cfg Config) *UploadWorker {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = DefaultBackoffBase
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &UploadWorker{
		store:     store,
		docs:      docs,
		storage:   storage,
		confirmer: confirmer,
		notifier:  notifier,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    observability.Component("upload_worker"),
	}
}

// Run processes due jobs until ctx is cancelled. Jobs left running by a previous process
// are re-queued at start and periodically.
func (w *UploadWorker) Run(ctx context.Context) {
	w.logger.Info("Upload worker started", slog.Duration("poll_interval", w.cfg.PollInterval))
	w.requeueStale(ctx)
	w.drain(ctx)

	poll := time.NewTicker(w.cfg.PollInterval)
	defer poll.Stop()
	stale := time.NewTicker(w.cfg.StaleAfter)
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Upload worker stopped")
			return
		case <-stale.C:
			w.requeueStale(ctx)
		case <-poll.C:
			w.drain(ctx)
		}
	}
}

func (w *UploadWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.ErrorContext(ctx, "Upload job processing failed", slog.String("error", err.Error()))
			return
		}
		if !processed {
			return
		}
	}
}

func (w *UploadWorker) requeueStale(ctx context.Context) {
	n, exhausted, err := w.store.Jobs.RequeueStale(ctx, w.cfg.StaleAfter, w.cfg.MaxAttempts)
	if err != nil {
		w.logger.ErrorContext(ctx, "Failed to re-queue stale upload jobs", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		w.logger.WarnContext(ctx, "Re-queued stale upload jobs", slog.Int64("jobs", n))
	}
	for i := range exhausted {
		job := &exhausted[i]
		if paths, err := job.Paths(); err == nil {
			media.Cleanup(paths)
		}
		observability.UploadAttempts.WithLabelValues("failure").Inc()
		w.logger.WarnContext(ctx, "Upload abandoned during final attempt",
			slog.String("post_id", job.PostID),
			slog.Int("attempt", job.Attempts),
		)
		w.publish(ctx, notifications.Event{
			Type:   notifications.EventPostSyncFailed,
			PostID: job.PostID,
			UserID: job.UserID,
			Error:  "upload abandoned during final attempt",
		})
	}
}

// RunOnce claims and processes one due job. It reports whether a job was processed.
// Upload failures are recorded on the job; only bookkeeping failures are returned.
func (w *UploadWorker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.Jobs.ClaimNextDue(ctx, w.now())
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, w.process(ctx, job)
}

func (w *UploadWorker) process(ctx context.Context, job *models.UploadJob) error {
	span, ctx := observability.StartSpan(ctx, "worker.upload_job",
		attribute.String("post_id", job.PostID),
		attribute.Int("attempt", job.Attempts),
	)
	defer span.End()

	logger := w.logger.With(
		slog.String("post_id", job.PostID),
		slog.Int("attempt", job.Attempts),
	)
	// Job state is written even while the worker is being stopped.
	bookCtx := context.WithoutCancel(ctx)

	paths, err := job.Paths()
	if err != nil {
		span.SetError(err)
		return w.giveUp(bookCtx, logger, job, nil, models.NewUploadError(err))
	}

	row, err := w.store.Items.GetByID(ctx, job.PostID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		logger.InfoContext(ctx, "Post deleted before upload, dropping job")
		media.Cleanup(paths)
		return inactiveOK(w.store.Jobs.MarkFailed(bookCtx, job.ID, "post deleted before upload"))
	}
	if err != nil {
		if ctx.Err() != nil {
			return inactiveOK(w.store.Jobs.Release(bookCtx, job.ID))
		}
		return err
	}

	urls, err := w.uploadAll(ctx, job, paths)
	if err == nil {
		var active bool
		if active, err = w.stillActive(bookCtx, job); err != nil {
			return err
		}
		if !active {
			logger.InfoContext(ctx, "Post deleted during upload, dropping job")
			media.Cleanup(paths)
			return inactiveOK(w.store.Jobs.MarkFailed(bookCtx, job.ID, "post deleted during upload"))
		}
		post := row.ToPost()
		post.MediaURLs = urls
		err = w.docs.Set(ctx, feed.CollectionPosts, post.ID, feed.PostDocument(post), true)
	}
	if err != nil {
		if ctx.Err() != nil {
			logger.InfoContext(bookCtx, "Upload interrupted, releasing job")
			return inactiveOK(w.store.Jobs.Release(bookCtx, job.ID))
		}
		span.SetError(err)
		return w.fail(bookCtx, logger, job, paths, models.NewUploadError(err))
	}

	if err := w.confirmer.ConfirmPostSynced(bookCtx, job.PostID, urls); err != nil {
		if models.IsCode(err, models.CodeNotFound) {
			return w.retract(bookCtx, logger, job, paths)
		}
		logger.WarnContext(ctx, "Uploaded post could not be confirmed locally", slog.String("error", err.Error()))
	}
	media.Cleanup(paths)
	if err := w.store.Jobs.MarkSucceeded(bookCtx, job.ID, urls); err != nil {
		if errors.Is(err, repository.ErrJobInactive) {
			// Deleted after confirmation; the delete removed the remote post.
			logger.InfoContext(ctx, "Post deleted after sync")
			return nil
		}
		return err
	}

	observability.UploadAttempts.WithLabelValues("success").Inc()
	w.publish(ctx, notifications.Event{
		Type:      notifications.EventPostSynced,
		PostID:    job.PostID,
		UserID:    job.UserID,
		MediaURLs: urls,
	})
	logger.InfoContext(ctx, "Post synced", slog.Int("files", len(urls)))
	return nil
}

// stillActive reports whether the job is still running and its post still cached.
func (w *UploadWorker) stillActive(ctx context.Context, job *models.UploadJob) (bool, error) {
	current, err := w.store.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		return false, err
	}
	if current.Status != models.JobRunning {
		return false, nil
	}
	_, err = w.store.Items.GetByID(ctx, job.PostID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	return err == nil, err
}

// retract removes a remote post that was written after its cached post was deleted.
func (w *UploadWorker) retract(ctx context.Context, logger *slog.Logger, job *models.UploadJob, paths []string) error {
	media.Cleanup(paths)
	reason := "post deleted during upload"
	if err := w.docs.Delete(ctx, feed.CollectionPosts, job.PostID); err != nil && !errors.Is(err, remote.ErrDocumentNotFound) {
		logger.ErrorContext(ctx, "Failed to remove remote post of deleted post", slog.String("error", err.Error()))
		reason += "; remote post left: " + err.Error()
	} else {
		logger.InfoContext(ctx, "Post deleted during upload, remote post removed")
	}
	return inactiveOK(w.store.Jobs.MarkFailed(ctx, job.ID, reason))
}

// uploadAll uploads every file concurrently and returns the URLs in file order. Every
// upload runs to completion; any failure fails the whole batch. Object names are fixed
// per post and file index so a retry overwrites what an earlier attempt stored.
func (w *UploadWorker) uploadAll(ctx context.Context, job *models.UploadJob, paths []string) ([]string, error) {
	urls := make([]string, len(paths))
	var g errgroup.Group
	for i, local := range paths {
		g.Go(func() error {
			url, err := w.uploadOne(ctx, objectPath(job, i, local), local)
			if err != nil {
				return fmt.Errorf("upload %s: %w", filepath.Base(local), err)
			}
			urls[i] = url
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func objectPath(job *models.UploadJob, index int, local string) string {
	ext := strings.ToLower(filepath.Ext(local))
	if ext == "" {
		ext = ".jpg"
	}
	return path.Join(objectPrefix, job.UserID, fmt.Sprintf("%s-%d%s", job.PostID, index, ext))
}

func (w *UploadWorker) uploadOne(ctx context.Context, objectPath, local string) (string, error) {
	f, err := os.Open(local)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	return w.storage.Upload(ctx, objectPath, f)
}

// fail schedules a retry, or gives up once the attempt ceiling is reached. A failed post
// stays in the cache with sync pending.
func (w *UploadWorker) fail(ctx context.Context, logger *slog.Logger, job *models.UploadJob, paths []string, cause error) error {
	if job.Attempts < w.cfg.MaxAttempts {
		next := w.now().Add(w.backoff(job.Attempts))
		observability.UploadAttempts.WithLabelValues("retry").Inc()
		logger.WarnContext(ctx, "Upload failed, retrying",
			slog.Time("next_run_at", next),
			slog.String("error", cause.Error()),
		)
		return inactiveOK(w.store.Jobs.MarkRetry(ctx, job.ID, cause.Error(), next))
	}
	return w.giveUp(ctx, logger, job, paths, cause)
}

// giveUp fails the job for good. Cached files are removed only once the failure is
// recorded, so a job that is re-queued still has them.
func (w *UploadWorker) giveUp(ctx context.Context, logger *slog.Logger, job *models.UploadJob, paths []string, cause error) error {
	if err := w.store.Jobs.MarkFailed(ctx, job.ID, cause.Error()); err != nil {
		return inactiveOK(err)
	}
	media.Cleanup(paths)
	observability.UploadAttempts.WithLabelValues("failure").Inc()
	logger.WarnContext(ctx, "Upload failed permanently", slog.String("error", cause.Error()))
	w.publish(ctx, notifications.Event{
		Type:   notifications.EventPostSyncFailed,
		PostID: job.PostID,
		UserID: job.UserID,
		Error:  cause.Error(),
	})
	return nil
}

// inactiveOK drops ErrJobInactive: the job was cancelled by a delete while held.
func inactiveOK(err error) error {
	if errors.Is(err, repository.ErrJobInactive) {
		return nil
	}
	return err
}

// backoff doubles the delay after every failed attempt.
func (w *UploadWorker) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return w.cfg.BackoffBase << (attempt - 1)
}

func (w *UploadWorker) publish(ctx context.Context, ev notifications.Event) {
	if err := w.notifier.Publish(ctx, ev); err != nil {
		w.logger.WarnContext(ctx, "Failed to publish feed event",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}
