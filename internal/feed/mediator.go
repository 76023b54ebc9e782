package feed

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"gorm.io/gorm"

	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/remote"
	"feedsync/internal/repository"
)

// maxEmptyPages bounds how many fully filtered pages an APPEND skips over before it
// reports end of pagination.
const maxEmptyPages = 5

// PageFetcher loads remote feed pages.
type PageFetcher interface {
	FetchPage(ctx context.Context, afterCursor *string, pageSize int, currentUserID *string) (*Page, error)
	FetchPageFrom(ctx context.Context, anchor *remote.Anchor, pageSize int, currentUserID *string) (*Page, error)
}

// PagingState describes what the paging layer has loaded so far.
type PagingState struct {
	// LastItemID is the id of the last item currently displayed, empty when unknown.
	LastItemID string
	PageSize   int
}

// MediatorResult is the outcome of a successful load.
type MediatorResult struct {
	EndOfPagination bool
	Loaded          int
}

// Mediator bridges remote pages into the local cache. It is not safe for concurrent
// use; callers serialize loads.
type Mediator struct {
	store    *repository.Store
	fetcher  PageFetcher
	auth     remote.Authenticator
	pageSize int
	logger   *slog.Logger
}

// NewMediator creates a Mediator. pageSize is used when the paging state carries none.
func NewMediator(store *repository.Store, fetcher PageFetcher, auth remote.Authenticator, pageSize int) *Mediator {
	return &Mediator{
		store:    store,
		fetcher:  fetcher,
		auth:     auth,
		pageSize: pageSize,
		logger:   observability.Component("mediator"),
	}
}

// Load performs one paging load and writes the resulting page into the cache.
func (m *Mediator) Load(ctx context.Context, loadType models.LoadType, state PagingState) (MediatorResult, error) {
	span, ctx := observability.StartSpan(ctx, "feed.load", attribute.String("load_type", string(loadType)))
	defer span.End()

	res, err := m.load(ctx, loadType, state)
	observability.FeedLoads.WithLabelValues(string(loadType), observability.Result(err)).Inc()
	if err != nil {
		span.SetError(err)
		return MediatorResult{}, err
	}
	span.AddAttributes(
		attribute.Int("loaded", res.Loaded),
		attribute.Bool("end_of_pagination", res.EndOfPagination),
	)
	return res, nil
}

func (m *Mediator) load(ctx context.Context, loadType models.LoadType, state PagingState) (MediatorResult, error) {
	if err := ctx.Err(); err != nil {
		return MediatorResult{}, err
	}

	pageSize := state.PageSize
	if pageSize <= 0 {
		pageSize = m.pageSize
	}
	var uid *string
	if id, ok := m.auth.CurrentUserID(ctx); ok {
		uid = &id
	}

	switch loadType {
	case models.LoadPrepend:
		return MediatorResult{EndOfPagination: true}, nil
	case models.LoadRefresh:
		page, err := m.fetcher.FetchPage(ctx, nil, pageSize, uid)
		if err != nil {
			return MediatorResult{}, m.fetchFailure(ctx, err)
		}
		page, err = m.skipEmpty(ctx, page, pageSize, uid)
		if err != nil {
			return MediatorResult{}, m.fetchFailure(ctx, err)
		}
		return m.write(ctx, true, false, page)
	case models.LoadAppend:
		return m.append(ctx, state, pageSize, uid)
	default:
		return MediatorResult{}, models.NewValidationError("unknown load type: " + string(loadType))
	}
}

func (m *Mediator) append(ctx context.Context, state PagingState, pageSize int, uid *string) (MediatorResult, error) {
	var (
		cursor *models.PaginationCursor
		err    error
	)
	if state.LastItemID != "" {
		cursor, err = m.store.Cursors.Get(ctx, state.LastItemID)
	} else {
		cursor, err = m.store.Cursors.Last(ctx)
	}
	if err != nil {
		return MediatorResult{}, models.NewInternalError(err)
	}
	if cursor == nil || cursor.NextKey == "" {
		return MediatorResult{EndOfPagination: true}, nil
	}

	next := cursor.NextKey
	page, err := m.fetcher.FetchPage(ctx, &next, pageSize, uid)
	if err != nil && errors.Is(err, ErrAnchorGone) {
		page, err = m.fetchFromCachedAnchor(ctx, next, pageSize, uid)
		if err == nil && page == nil {
			return MediatorResult{EndOfPagination: true}, nil
		}
	}
	if err != nil {
		return MediatorResult{}, m.fetchFailure(ctx, err)
	}
	page, err = m.skipEmpty(ctx, page, pageSize, uid)
	if err != nil {
		return MediatorResult{}, m.fetchFailure(ctx, err)
	}
	return m.write(ctx, false, true, page)
}

// fetchFromCachedAnchor continues paging from the cached copy of a cursor item that was
// deleted remotely. It returns a nil page when the item is not cached either.
func (m *Mediator) fetchFromCachedAnchor(ctx context.Context, id string, pageSize int, uid *string) (*Page, error) {
	row, err := m.store.Items.GetByID(ctx, id)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		m.logger.WarnContext(ctx, "Cursor item gone remotely and locally, ending pagination", slog.String("item_id", id))
		return nil, nil
	}
	if err != nil {
		return nil, models.NewInternalError(err)
	}
	m.logger.InfoContext(ctx, "Cursor item gone remotely, using cached anchor", slog.String("item_id", id))
	return m.fetcher.FetchPageFrom(ctx, &remote.Anchor{CreatedAt: row.CreatedAt, ID: row.ID}, pageSize, uid)
}

// skipEmpty moves past pages whose items were all filtered out, since a page without
// items cannot carry a cursor row.
func (m *Mediator) skipEmpty(ctx context.Context, page *Page, pageSize int, uid *string) (*Page, error) {
	for i := 0; len(page.Items) == 0 && !page.EndOfPagination; i++ {
		if i == maxEmptyPages {
			m.logger.WarnContext(ctx, "Too many fully filtered pages, ending pagination", slog.Int("skipped", i))
			return &Page{EndOfPagination: true}, nil
		}
		next := page.NextCursor
		var err error
		page, err = m.fetcher.FetchPage(ctx, &next, pageSize, uid)
		if err != nil {
			return nil, err
		}
	}
	return page, nil
}

func (m *Mediator) write(ctx context.Context, refresh, withCursor bool, page *Page) (MediatorResult, error) {
	if err := ctx.Err(); err != nil {
		return MediatorResult{}, err
	}

	var prevKey string
	if withCursor && len(page.Items) > 0 {
		prevKey = page.Items[0].ID
	}
	nextKey := page.NextCursor
	if page.EndOfPagination {
		nextKey = ""
	}

	items := make([]*models.FeedItem, len(page.Items))
	cursors := make([]*models.PaginationCursor, len(page.Items))
	for i, p := range page.Items {
		items[i] = models.FeedItemFromPost(p)
		cursors[i] = &models.PaginationCursor{ItemID: p.ID, PrevKey: prevKey, NextKey: nextKey}
	}

	// The write must commit or roll back as a whole even if the caller goes away.
	if err := m.store.WritePage(context.WithoutCancel(ctx), refresh, items, cursors); err != nil {
		return MediatorResult{}, models.NewTransactionError(err)
	}

	m.logger.DebugContext(ctx, "Feed page written",
		slog.Bool("refresh", refresh),
		slog.Int("items", len(items)),
		slog.Bool("end_of_pagination", page.EndOfPagination),
	)
	return MediatorResult{EndOfPagination: page.EndOfPagination, Loaded: len(items)}, nil
}

// fetchFailure reports cancellation as the bare context error and everything else as a
// fetch error.
func (m *Mediator) fetchFailure(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	var appErr *models.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return models.NewFetchError(err)
}
