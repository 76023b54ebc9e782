package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"feedsync/internal/cache"
	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/remote"
)

// ErrAnchorGone is returned by FetchPage when the cursor document no longer exists remotely.
var ErrAnchorGone = errors.New("cursor document no longer exists")

const defaultLikeWorkers = 8

// Page is one page of visible posts returned by the fetcher.
type Page struct {
	Items []*models.Post
	// NextCursor is the id of the last raw document, empty at end of pagination.
	NextCursor      string
	EndOfPagination bool
	// RawCount is the number of documents returned by the query before filtering.
	RawCount int
}

// FetcherConfig tunes a Fetcher.
type FetcherConfig struct {
	GroupCacheTTL time.Duration
	StrictParsing bool
	LikeWorkers   int
}

// Fetcher loads feed pages from the remote document store and enriches them with
// visibility and liked state for the current user.
type Fetcher struct {
	store    remote.DocumentStore
	cache    *cache.Cache
	groupTTL time.Duration
	strict   bool
	workers  int
	logger   *slog.Logger
}

// NewFetcher creates a Fetcher. cache may be nil.
func NewFetcher(store remote.DocumentStore, c *cache.Cache, cfg FetcherConfig) *Fetcher {
	workers := cfg.LikeWorkers
	if workers <= 0 {
		workers = defaultLikeWorkers
	}
	ttl := cfg.GroupCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Fetcher{
		store:    store,
		cache:    c,
		groupTTL: ttl,
		strict:   cfg.StrictParsing,
		workers:  workers,
		logger:   observability.Component("fetcher"),
	}
}

// FetchPage returns the page of posts following afterCursor, or the first page when
// afterCursor is nil. It returns ErrAnchorGone, wrapped in a fetch error, when the cursor
// document was deleted remotely.
func (f *Fetcher) FetchPage(ctx context.Context, afterCursor *string, pageSize int, currentUserID *string) (*Page, error) {
	var anchor *remote.Anchor
	if afterCursor != nil {
		doc, err := f.store.Get(ctx, CollectionPosts, *afterCursor)
		if err != nil {
			return nil, models.NewFetchError(err)
		}
		if doc == nil {
			return nil, models.NewFetchError(fmt.Errorf("%w: %s", ErrAnchorGone, *afterCursor))
		}
		anchor = &remote.Anchor{CreatedAt: doc.Time(FieldCreatedAt), ID: doc.ID}
	}
	return f.FetchPageFrom(ctx, anchor, pageSize, currentUserID)
}

// FetchPageFrom returns the page of posts strictly after anchor in feed order.
func (f *Fetcher) FetchPageFrom(ctx context.Context, anchor *remote.Anchor, pageSize int, currentUserID *string) (*Page, error) {
	span, ctx := observability.StartSpan(ctx, "feed.fetch_page",
		attribute.Int("page_size", pageSize),
		attribute.Bool("has_anchor", anchor != nil),
	)
	defer span.End()

	start := time.Now()
	page, err := f.fetchPage(ctx, anchor, pageSize, currentUserID)
	observability.FetchLatency.WithLabelValues(observability.Result(err)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	span.AddAttributes(
		attribute.Int("raw_count", page.RawCount),
		attribute.Int("visible_count", len(page.Items)),
		attribute.Bool("end_of_pagination", page.EndOfPagination),
	)
	return page, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, anchor *remote.Anchor, pageSize int, currentUserID *string) (*Page, error) {
	if pageSize <= 0 {
		return nil, models.NewValidationError("page size must be positive")
	}

	docs, err := f.store.Query(ctx, remote.Query{
		Collection: CollectionPosts,
		After:      anchor,
		Limit:      pageSize,
	})
	if err != nil {
		return nil, models.NewFetchError(err)
	}

	page := &Page{
		RawCount:        len(docs),
		EndOfPagination: len(docs) == 0 || len(docs) < pageSize,
	}
	if !page.EndOfPagination {
		page.NextCursor = docs[len(docs)-1].ID
	}

	posts, err := f.convert(ctx, docs)
	if err != nil {
		return nil, err
	}
	posts, err = f.filterPrivate(ctx, posts, currentUserID)
	if err != nil {
		return nil, err
	}
	f.resolveLiked(ctx, posts, currentUserID)

	// Enrichment degrades on errors, but a cancelled caller must not get a page.
	if err := ctx.Err(); err != nil {
		return nil, models.NewFetchError(err)
	}

	page.Items = posts
	return page, nil
}

// FetchItem returns a single visible post, or nil when the post no longer exists or is
// no longer visible to currentUserID.
func (f *Fetcher) FetchItem(ctx context.Context, id string, currentUserID *string) (*models.Post, error) {
	span, ctx := observability.StartSpan(ctx, "feed.fetch_item", attribute.String("item_id", id))
	defer span.End()

	doc, err := f.store.Get(ctx, CollectionPosts, id)
	if err != nil {
		span.SetError(err)
		return nil, models.NewFetchError(err)
	}
	if doc == nil {
		return nil, nil
	}

	posts, err := f.convert(ctx, []remote.Document{*doc})
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	posts, err = f.filterPrivate(ctx, posts, currentUserID)
	if err != nil {
		span.SetError(err)
		return nil, err
	}
	if len(posts) == 0 {
		return nil, nil
	}
	f.resolveLiked(ctx, posts, currentUserID)
	if err := ctx.Err(); err != nil {
		return nil, models.NewFetchError(err)
	}
	return posts[0], nil
}

// convert turns raw documents into approved posts.
func (f *Fetcher) convert(ctx context.Context, docs []remote.Document) ([]*models.Post, error) {
	posts := make([]*models.Post, 0, len(docs))
	for i := range docs {
		p, rawStatus, err := postFromDocument(&docs[i])
		if err != nil {
			f.logger.WarnContext(ctx, "Skipping malformed post document",
				slog.String("post_id", docs[i].ID),
				slog.String("error", err.Error()),
			)
			observability.FilteredItems.WithLabelValues("malformed").Inc()
			continue
		}

		status, err := models.ParseApprovalStatus(rawStatus)
		if err != nil {
			if perr := f.parseFailure(ctx, p.ID, err); perr != nil {
				return nil, perr
			}
		}
		p.ApprovalStatus = status
		if status != models.ApprovalApproved {
			observability.FilteredItems.WithLabelValues("not_approved").Inc()
			continue
		}
		posts = append(posts, p)
	}
	return posts, nil
}

// parseFailure returns the error to fail with in strict mode, or logs and returns nil.
func (f *Fetcher) parseFailure(ctx context.Context, id string, err error) error {
	var parseErr *models.ParseError
	if !errors.As(err, &parseErr) {
		return models.NewInternalError(err)
	}
	if f.strict {
		return models.NewParseAppError(parseErr)
	}
	f.logger.WarnContext(ctx, "Unknown stored value, using fallback",
		slog.String("document_id", id),
		slog.String("kind", parseErr.Kind),
		slog.String("value", parseErr.Value),
	)
	return nil
}

// filterPrivate drops posts of private groups the user is not a member of.
func (f *Fetcher) filterPrivate(ctx context.Context, posts []*models.Post, currentUserID *string) ([]*models.Post, error) {
	groupIDs := distinctGroupIDs(posts)
	if len(groupIDs) == 0 {
		return posts, nil
	}

	private, err := f.privateGroups(ctx, groupIDs)
	if err != nil {
		return nil, err
	}
	if len(private) == 0 {
		return posts, nil
	}

	members := map[string]bool{}
	if currentUserID != nil && *currentUserID != "" {
		members = f.memberships(ctx, private, *currentUserID)
	}

	kept := posts[:0]
	for _, p := range posts {
		if p.GroupID != "" && private[p.GroupID] && !members[p.GroupID] {
			observability.FilteredItems.WithLabelValues("private_group").Inc()
			continue
		}
		kept = append(kept, p)
	}
	return kept, nil
}

// privateGroups resolves which of groupIDs are private, reading Redis first. A failed
// lookup treats the affected groups as public. Only a strict parse failure is returned.
func (f *Fetcher) privateGroups(ctx context.Context, groupIDs []string) (map[string]bool, error) {
	private := make(map[string]bool, len(groupIDs))

	keys := make([]string, len(groupIDs))
	for i, id := range groupIDs {
		keys[i] = cache.GroupPrivacyKey(id)
	}
	cached, err := f.cache.Lookup(ctx, keys)
	if err != nil {
		f.logger.WarnContext(ctx, "Group privacy cache lookup failed", slog.String("error", err.Error()))
	}

	var missing []string
	for i, id := range groupIDs {
		raw, ok := cached[keys[i]]
		if !ok {
			missing = append(missing, id)
			continue
		}
		private[id] = models.GroupPrivacy(raw) == models.GroupPrivate
	}
	if len(missing) == 0 {
		return keepTrue(private), nil
	}

	resolved := make(map[string]string, len(missing))
	for _, ids := range chunk(missing, remote.MaxBatchValues) {
		docs, err := f.store.BatchGet(ctx, CollectionGroups, remote.DocumentID, ids)
		if err != nil {
			f.logger.WarnContext(ctx, "Group privacy lookup failed",
				slog.Int("groups", len(ids)),
				slog.String("error", err.Error()),
			)
			continue
		}
		found := make(map[string]bool, len(docs))
		for i := range docs {
			found[docs[i].ID] = true
			privacy, err := models.ParseGroupPrivacy(docs[i].String(FieldPrivacy))
			if err != nil {
				if perr := f.parseFailure(ctx, docs[i].ID, err); perr != nil {
					return nil, perr
				}
			}
			private[docs[i].ID] = privacy == models.GroupPrivate
			resolved[cache.GroupPrivacyKey(docs[i].ID)] = string(privacy)
		}
		for _, id := range ids {
			if !found[id] {
				resolved[cache.GroupPrivacyKey(id)] = string(models.GroupPublic)
			}
		}
	}

	if err := f.cache.StoreAll(ctx, resolved, f.groupTTL); err != nil {
		f.logger.WarnContext(ctx, "Failed to cache group privacy", slog.String("error", err.Error()))
	}
	return keepTrue(private), nil
}

// memberships returns the private groups userID belongs to. A failed lookup treats the
// user as a non-member of the affected groups.
func (f *Fetcher) memberships(ctx context.Context, private map[string]bool, userID string) map[string]bool {
	ids := make([]string, 0, len(private))
	groupByMembership := make(map[string]string, len(private))
	for groupID := range private {
		mid := MembershipID(groupID, userID)
		ids = append(ids, mid)
		groupByMembership[mid] = groupID
	}

	members := make(map[string]bool, len(ids))
	for _, batch := range chunk(ids, remote.MaxBatchValues) {
		docs, err := f.store.BatchGet(ctx, CollectionGroupMembers, remote.DocumentID, batch)
		if err != nil {
			f.logger.WarnContext(ctx, "Group membership lookup failed",
				slog.Int("groups", len(batch)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for i := range docs {
			if groupID, ok := groupByMembership[docs[i].ID]; ok {
				members[groupID] = true
			}
		}
	}
	return members
}

// resolveLiked sets LikedByMe on every post with a bounded number of concurrent lookups.
// A failed lookup leaves the post unliked.
func (f *Fetcher) resolveLiked(ctx context.Context, posts []*models.Post, currentUserID *string) {
	if currentUserID == nil || *currentUserID == "" {
		for _, p := range posts {
			p.LikedByMe = false
		}
		return
	}
	uid := *currentUserID

	var g errgroup.Group
	g.SetLimit(f.workers)
	for _, p := range posts {
		g.Go(func() error {
			doc, err := f.store.Get(ctx, CollectionLikes, LikeID(uid, p.ID))
			if err != nil {
				f.logger.WarnContext(ctx, "Liked lookup failed",
					slog.String("post_id", p.ID),
					slog.String("error", err.Error()),
				)
				p.LikedByMe = false
				return nil
			}
			p.LikedByMe = doc != nil
			return nil
		})
	}
	_ = g.Wait()
}

func distinctGroupIDs(posts []*models.Post) []string {
	seen := map[string]bool{}
	var ids []string
	for _, p := range posts {
		if p.GroupID != "" && !seen[p.GroupID] {
			seen[p.GroupID] = true
			ids = append(ids, p.GroupID)
		}
	}
	return ids
}

func keepTrue(m map[string]bool) map[string]bool {
	for k, v := range m {
		if !v {
			delete(m, k)
		}
	}
	return m
}
