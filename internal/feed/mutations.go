package feed

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"feedsync/internal/media"
	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/remote"
	"feedsync/internal/repository"
)

const unknownAuthorName = "Unknown"

// MediaPreparer turns uploaded images into cached local files.
type MediaPreparer interface {
	Prepare(ctx context.Context, inputs []media.Input) ([]string, error)
}

// ItemFetcher loads a single post from the remote store.
type ItemFetcher interface {
	FetchItem(ctx context.Context, id string, currentUserID *string) (*models.Post, error)
}

// CreatePostInput is a post composed on this device.
type CreatePostInput struct {
	Text   string
	Images []media.Input
}

// PostService applies optimistic post mutations to the cache and confirms them against
// the remote store. It also serves cached reads with pending like state applied.
type PostService struct {
	store    *repository.Store
	docs     remote.DocumentStore
	fetcher  ItemFetcher
	auth     remote.Authenticator
	preparer MediaPreparer
	logger   *slog.Logger
}

// NewPostService creates a PostService. preparer may be nil when posts with images are
// not accepted.
func NewPostService(store *repository.Store, docs remote.DocumentStore, fetcher ItemFetcher, auth remote.Authenticator, preparer MediaPreparer) *PostService {
	return &PostService{
		store:    store,
		docs:     docs,
		fetcher:  fetcher,
		auth:     auth,
		preparer: preparer,
		logger:   observability.Component("posts"),
	}
}

// Feed returns cached posts in feed order with pending like state applied.
func (s *PostService) Feed(ctx context.Context, offset, limit int) ([]*models.Post, error) {
	rows, err := s.store.Items.List(ctx, offset, limit)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r.ID
	}
	overlay, err := s.store.Mutations.ListByItemIDs(ctx, ids)
	if err != nil {
		return nil, models.NewInternalError(err)
	}

	posts := make([]*models.Post, len(rows))
	for i, r := range rows {
		posts[i] = r.ToPost()
		overlay[r.ID].Apply(posts[i])
	}
	return posts, nil
}

// Get returns one cached post with pending like state applied.
func (s *PostService) Get(ctx context.Context, id string) (*models.Post, error) {
	row, err := s.store.Items.GetByID(ctx, id)
	if err != nil {
		return nil, s.lookupError(id, err)
	}
	m, err := s.store.Mutations.Get(ctx, id)
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	p := row.ToPost()
	m.Apply(p)
	return p, nil
}

// ToggleLike flips the current user's like on a post. The new state is visible at once
// and reverted if the remote write fails.
func (s *PostService) ToggleLike(ctx context.Context, itemID string) (bool, error) {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		return false, models.NewUnauthorizedError("User not authenticated")
	}

	span, ctx := observability.StartSpan(ctx, "feed.toggle_like", attribute.String("item_id", itemID))
	defer span.End()

	var pending *models.PendingMutation
	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		row, err := tx.Items.GetByID(ctx, itemID)
		if err != nil {
			return err
		}
		current, err := tx.Mutations.Get(ctx, itemID)
		if err != nil {
			return err
		}
		pending = nextLikeState(row, current)
		return tx.Mutations.Put(ctx, pending)
	})
	if err != nil {
		span.SetError(err)
		return false, s.lookupError(itemID, err)
	}

	// Resolution must happen even if the caller goes away mid-flight.
	resolveCtx := context.WithoutCancel(ctx)

	confirmedCount, err := s.writeLike(ctx, uid, itemID, pending.Liked)
	if err != nil {
		if _, delErr := s.store.Mutations.DeleteIfVersion(resolveCtx, itemID, pending.Version); delErr != nil {
			s.logger.ErrorContext(ctx, "Failed to revert like overlay",
				slog.String("item_id", itemID),
				slog.String("error", delErr.Error()),
			)
		}
		observability.Mutations.WithLabelValues(string(models.MutationLike), "error").Inc()
		span.SetError(err)
		return false, models.NewMutationError("toggle like", err)
	}

	err = s.store.Transaction(resolveCtx, func(tx *repository.Store) error {
		if err := tx.Items.Update(resolveCtx, itemID, map[string]interface{}{
			"liked_by_me": pending.Liked,
			"like_count":  confirmedCount,
		}); err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		_, err := tx.Mutations.DeleteIfVersion(resolveCtx, itemID, pending.Version)
		return err
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "Failed to record confirmed like",
			slog.String("item_id", itemID),
			slog.String("error", err.Error()),
		)
	}

	observability.Mutations.WithLabelValues(string(models.MutationLike), "success").Inc()
	return pending.Liked, nil
}

// nextLikeState flips the visible like state. Previous values are kept from the first
// toggle still in flight.
func nextLikeState(row *models.FeedItem, current *models.PendingMutation) *models.PendingMutation {
	next := &models.PendingMutation{
		ItemID:        row.ID,
		Kind:          models.MutationLike,
		PrevLiked:     row.LikedByMe,
		PrevLikeCount: row.LikeCount,
		Version:       1,
	}
	liked, count := row.LikedByMe, row.LikeCount
	if current != nil {
		next.PrevLiked = current.PrevLiked
		next.PrevLikeCount = current.PrevLikeCount
		next.Version = current.Version + 1
		liked, count = current.Liked, current.LikeCount
	}

	next.Liked = !liked
	if next.Liked {
		next.LikeCount = count + 1
	} else {
		next.LikeCount = max(count-1, 0)
	}
	return next
}

// writeLike records the like remotely and returns the resulting like count.
func (s *PostService) writeLike(ctx context.Context, uid, itemID string, liked bool) (int, error) {
	var count int
	err := s.docs.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		post, err := tx.Get(ctx, CollectionPosts, itemID)
		if err != nil {
			return err
		}
		if post == nil {
			return remote.ErrDocumentNotFound
		}
		likeID := LikeID(uid, itemID)
		like, err := tx.Get(ctx, CollectionLikes, likeID)
		if err != nil {
			return err
		}

		count = post.Int(FieldLikeCount)
		switch {
		case liked && like == nil:
			if err := tx.Set(ctx, CollectionLikes, likeID, map[string]any{
				FieldUserID:    uid,
				FieldPostID:    itemID,
				FieldCreatedAt: time.Now().UTC(),
			}, false); err != nil {
				return err
			}
			count++
		case !liked && like != nil:
			if err := tx.Delete(ctx, CollectionLikes, likeID); err != nil {
				return err
			}
			if count > 0 {
				count--
			}
		default:
			return nil
		}
		return tx.Update(ctx, CollectionPosts, itemID, map[string]any{FieldLikeCount: count})
	})
	return count, err
}

// EditText replaces a post's text. The cached row is restored if the remote write fails.
func (s *PostService) EditText(ctx context.Context, itemID, text string) (*models.Post, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.NewValidationError("Post text cannot be empty")
	}
	return s.edit(ctx, "edit post", itemID,
		map[string]interface{}{"text": text},
		map[string]any{FieldText: text},
	)
}

// EditMediaURLs replaces a post's media list. The cached row is restored if the remote
// write fails.
func (s *PostService) EditMediaURLs(ctx context.Context, itemID string, urls []string) (*models.Post, error) {
	joined := models.JoinMediaURLs(urls)
	return s.edit(ctx, "edit post media", itemID,
		map[string]interface{}{"media_urls": joined},
		map[string]any{FieldMediaURLs: models.SplitMediaURLs(joined)},
	)
}

func (s *PostService) edit(ctx context.Context, op, itemID string, local map[string]interface{}, fields map[string]any) (*models.Post, error) {
	prev, err := s.ownedRow(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if prev.SyncPending {
		return nil, models.NewValidationError("Post is still syncing")
	}

	if err := s.store.Items.Update(ctx, itemID, local); err != nil {
		return nil, s.lookupError(itemID, err)
	}

	if err := s.docs.Update(ctx, CollectionPosts, itemID, fields); err != nil {
		s.restore(ctx, prev)
		observability.Mutations.WithLabelValues("edit", "error").Inc()
		return nil, models.NewMutationError(op, err)
	}

	observability.Mutations.WithLabelValues("edit", "success").Inc()
	return s.Get(ctx, itemID)
}

// Delete removes a post and its likes, cancelling the upload of a post still syncing.
// The cached row is restored if the remote delete fails.
func (s *PostService) Delete(ctx context.Context, itemID string) error {
	prev, err := s.ownedRow(ctx, itemID)
	if err != nil {
		return err
	}

	// A post still syncing loses its upload job with the row, so the worker cannot
	// write it remotely after the delete.
	var job *models.UploadJob
	err = s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Mutations.Delete(ctx, itemID); err != nil {
			return err
		}
		if prev.SyncPending {
			var err error
			if job, err = tx.Jobs.CancelForPost(ctx, itemID, "post deleted"); err != nil {
				return err
			}
		}
		return tx.Items.Delete(ctx, itemID)
	})
	if err != nil {
		return models.NewInternalError(err)
	}

	if err := s.deleteRemote(ctx, prev); err != nil {
		s.restore(ctx, prev)
		if job != nil {
			if rerr := s.store.Jobs.Reopen(context.WithoutCancel(ctx), itemID); rerr != nil {
				s.logger.ErrorContext(ctx, "Failed to reopen upload job after remote failure",
					slog.String("item_id", itemID),
					slog.String("error", rerr.Error()),
				)
			}
		}
		observability.Mutations.WithLabelValues("delete", "error").Inc()
		var appErr *models.AppError
		if errors.As(err, &appErr) {
			return err
		}
		return models.NewMutationError("delete post", err)
	}

	if job != nil {
		if paths, err := job.Paths(); err == nil {
			media.Cleanup(paths)
		}
	}
	observability.Mutations.WithLabelValues("delete", "success").Inc()
	return nil
}

func (s *PostService) deleteRemote(ctx context.Context, row *models.FeedItem) error {
	likes, err := s.docs.Query(ctx, remote.Query{
		Collection: CollectionLikes,
		Where:      []remote.Filter{{Field: FieldPostID, Value: row.ID}},
	})
	if err != nil {
		return err
	}

	return s.docs.RunTransaction(ctx, func(ctx context.Context, tx remote.Tx) error {
		post, err := tx.Get(ctx, CollectionPosts, row.ID)
		if err != nil {
			return err
		}
		if post == nil {
			if row.SyncPending {
				return nil
			}
			return remote.ErrDocumentNotFound
		}
		if post.String(FieldAuthorID) != row.AuthorID {
			return models.NewUnauthorizedError("Not authorized to delete this post")
		}
		for i := range likes {
			if err := tx.Delete(ctx, CollectionLikes, likes[i].ID); err != nil {
				return err
			}
		}
		return tx.Delete(ctx, CollectionPosts, row.ID)
	})
}

// ownedRow loads a cached post that the current user authored.
func (s *PostService) ownedRow(ctx context.Context, itemID string) (*models.FeedItem, error) {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		return nil, models.NewUnauthorizedError("User not authenticated")
	}
	row, err := s.store.Items.GetByID(ctx, itemID)
	if err != nil {
		return nil, s.lookupError(itemID, err)
	}
	if row.AuthorID != uid {
		return nil, models.NewUnauthorizedError("Not authorized to modify this post")
	}
	return row, nil
}

func (s *PostService) restore(ctx context.Context, prev *models.FeedItem) {
	if err := s.store.Items.Save(context.WithoutCancel(ctx), prev); err != nil {
		s.logger.ErrorContext(ctx, "Failed to restore post after remote failure",
			slog.String("item_id", prev.ID),
			slog.String("error", err.Error()),
		)
	}
}

// CreatePost stores a composed post locally and queues its media upload. The post shows
// in the feed at once with sync pending.
func (s *PostService) CreatePost(ctx context.Context, in CreatePostInput) (*models.Post, error) {
	uid, ok := s.auth.CurrentUserID(ctx)
	if !ok {
		return nil, models.NewUnauthorizedError("User not authenticated")
	}
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.Images) == 0 {
		return nil, models.NewValidationError("Post must have text or images")
	}

	span, ctx := observability.StartSpan(ctx, "feed.create_post", attribute.Int("images", len(in.Images)))
	defer span.End()

	var paths []string
	if len(in.Images) > 0 {
		if s.preparer == nil {
			return nil, models.NewValidationError("Image uploads are not enabled")
		}
		var err error
		paths, err = s.preparer.Prepare(ctx, in.Images)
		if err != nil {
			span.SetError(err)
			return nil, err
		}
	}

	name, avatar := s.authorInfo(ctx, uid)
	post := &models.Post{
		ID:              uuid.NewString(),
		AuthorID:        uid,
		AuthorName:      name,
		AuthorAvatarURL: avatar,
		Text:            text,
		MediaURLs:       paths,
		CreatedAt:       time.Now().UTC(),
		ApprovalStatus:  models.ApprovalApproved,
		SyncPending:     true,
	}

	job := &models.UploadJob{PostID: post.ID, UserID: uid}
	job.SetPaths(paths)

	err := s.store.Transaction(ctx, func(tx *repository.Store) error {
		if err := tx.Items.Create(ctx, models.FeedItemFromPost(post)); err != nil {
			return err
		}
		_, err := tx.Jobs.Enqueue(ctx, job)
		return err
	})
	if err != nil {
		media.Cleanup(paths)
		span.SetError(err)
		return nil, models.NewInternalError(err)
	}

	s.logger.InfoContext(ctx, "Post created, upload queued",
		slog.String("post_id", post.ID),
		slog.Int("images", len(paths)),
	)
	return post, nil
}

// authorInfo reads the author's display fields, falling back when the profile is
// unavailable.
func (s *PostService) authorInfo(ctx context.Context, uid string) (string, string) {
	doc, err := s.docs.Get(ctx, CollectionUsers, uid)
	if err != nil {
		s.logger.WarnContext(ctx, "Failed to load author profile", slog.String("error", err.Error()))
		return unknownAuthorName, ""
	}
	if doc == nil {
		return unknownAuthorName, ""
	}
	name := doc.String(FieldName)
	if name == "" {
		name = unknownAuthorName
	}
	return name, doc.String(FieldAvatarURL)
}

// ConfirmPostSynced replaces local file paths with uploaded URLs and clears sync pending.
func (s *PostService) ConfirmPostSynced(ctx context.Context, itemID string, urls []string) error {
	err := s.store.Items.Update(ctx, itemID, map[string]interface{}{
		"media_urls":   models.JoinMediaURLs(urls),
		"sync_pending": false,
	})
	if err != nil {
		return s.lookupError(itemID, err)
	}
	return nil
}

// Resync replaces a cached post with its current remote state. A post that is gone or no
// longer visible is removed and nil is returned. Posts still syncing are left alone.
func (s *PostService) Resync(ctx context.Context, itemID string) (*models.Post, error) {
	row, err := s.store.Items.GetByID(ctx, itemID)
	switch {
	case err == nil && row.SyncPending:
		return s.Get(ctx, itemID)
	case err != nil && !errors.Is(err, gorm.ErrRecordNotFound):
		return nil, models.NewInternalError(err)
	}

	var uid *string
	if id, ok := s.auth.CurrentUserID(ctx); ok {
		uid = &id
	}

	post, err := s.fetcher.FetchItem(ctx, itemID, uid)
	if err != nil {
		return nil, err
	}

	if post == nil {
		err = s.store.Transaction(ctx, func(tx *repository.Store) error {
			if err := tx.Mutations.Delete(ctx, itemID); err != nil {
				return err
			}
			return tx.Items.Delete(ctx, itemID)
		})
		if err != nil {
			return nil, models.NewInternalError(err)
		}
		return nil, nil
	}

	if err := s.store.Items.Save(ctx, models.FeedItemFromPost(post)); err != nil {
		return nil, models.NewInternalError(err)
	}
	return s.Get(ctx, itemID)
}

// RefreshAuthorInfo updates the denormalized author fields on every cached post by
// authorID and returns the number of rows changed.
func (s *PostService) RefreshAuthorInfo(ctx context.Context, authorID, name, avatarURL string) (int64, error) {
	if authorID == "" {
		return 0, models.NewValidationError("Author id is required")
	}
	n, err := s.store.Items.UpdateAuthorInfo(ctx, authorID, name, avatarURL)
	if err != nil {
		return 0, models.NewInternalError(err)
	}
	return n, nil
}

// ClearCache drops confirmed posts and cursors. Posts still syncing are kept.
func (s *PostService) ClearCache(ctx context.Context) error {
	if err := s.store.ClearCache(ctx); err != nil {
		return models.NewInternalError(err)
	}
	return nil
}

func (s *PostService) lookupError(id string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.NewNotFoundError("Post", id)
	}
	return models.NewInternalError(err)
}
