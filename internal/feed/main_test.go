package feed

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"feedsync/internal/database"
	"feedsync/internal/media"
	"feedsync/internal/models"
	"feedsync/internal/remote"
	"feedsync/internal/repository"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

const testUser = "u1"

// stubStore wraps a working document store and lets tests inject failures and count
// calls.
type stubStore struct {
	remote.DocumentStore

	mu        sync.Mutex
	queries   int
	batchGets map[string]int
	queryErr  error
	batchErr  error
	getErr    func(collection, id string) error
	updateErr error
	txHook    func(ctx context.Context) error
}

func newStubStore() *stubStore {
	return &stubStore{DocumentStore: remote.NewMemoryStore(), batchGets: map[string]int{}}
}

func (s *stubStore) Query(ctx context.Context, q remote.Query) ([]remote.Document, error) {
	s.mu.Lock()
	s.queries++
	err := s.queryErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.DocumentStore.Query(ctx, q)
}

func (s *stubStore) queryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queries
}

func (s *stubStore) Get(ctx context.Context, collection, id string) (*remote.Document, error) {
	s.mu.Lock()
	fn := s.getErr
	s.mu.Unlock()
	if fn != nil {
		if err := fn(collection, id); err != nil {
			return nil, err
		}
	}
	return s.DocumentStore.Get(ctx, collection, id)
}

func (s *stubStore) BatchGet(ctx context.Context, collection, field string, values []string) ([]remote.Document, error) {
	s.mu.Lock()
	s.batchGets[collection]++
	err := s.batchErr
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return s.DocumentStore.BatchGet(ctx, collection, field, values)
}

func (s *stubStore) Update(ctx context.Context, collection, id string, fields map[string]any) error {
	if s.updateErr != nil {
		return s.updateErr
	}
	return s.DocumentStore.Update(ctx, collection, id, fields)
}

func (s *stubStore) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx remote.Tx) error) error {
	if s.txHook != nil {
		if err := s.txHook(ctx); err != nil {
			return err
		}
	}
	return s.DocumentStore.RunTransaction(ctx, fn)
}

type fakePreparer struct {
	paths []string
	err   error
	calls int
}

func (p *fakePreparer) Prepare(_ context.Context, inputs []media.Input) ([]string, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return p.paths[:len(inputs)], nil
}

type env struct {
	db       *gorm.DB
	store    *repository.Store
	remote   *stubStore
	fetcher  *Fetcher
	mediator *Mediator
	posts    *PostService
	preparer *fakePreparer
}

func setupEnv(t *testing.T, userID string) *env {
	t.Helper()
	db, err := database.OpenCache(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})

	store := repository.NewStore(db)
	docs := newStubStore()
	auth := remote.StaticAuth{UserID: userID}
	fetcher := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true, LikeWorkers: 4})
	preparer := &fakePreparer{paths: []string{"/tmp/cache/a.jpg", "/tmp/cache/b.jpg", "/tmp/cache/c.jpg"}}

	return &env{
		db:       db,
		store:    store,
		remote:   docs,
		fetcher:  fetcher,
		mediator: NewMediator(store, fetcher, auth, 10),
		posts:    NewPostService(store, docs, fetcher, auth, preparer),
		preparer: preparer,
	}
}

func postID(n int) string {
	return fmt.Sprintf("p%02d", n)
}

// seedPost writes a remote post; higher n is newer.
func seedPost(t *testing.T, docs remote.DocumentStore, n int, extra map[string]any) {
	t.Helper()
	fields := map[string]any{
		FieldAuthorID:   "author-1",
		FieldAuthorName: "Ada",
		FieldText:       fmt.Sprintf("post %d", n),
		FieldLikeCount:  n,
		FieldCreatedAt:  baseTime.Add(time.Duration(n) * time.Minute),
		FieldMediaURLs:  []string{},
	}
	for k, v := range extra {
		if v == nil {
			delete(fields, k)
			continue
		}
		fields[k] = v
	}
	require.NoError(t, docs.Set(context.Background(), CollectionPosts, postID(n), fields, false))
}

func seedPosts(t *testing.T, docs remote.DocumentStore, count int) {
	t.Helper()
	for n := 1; n <= count; n++ {
		seedPost(t, docs, n, nil)
	}
}

func ids(posts []*models.Post) []string {
	out := make([]string, len(posts))
	for i, p := range posts {
		out[i] = p.ID
	}
	return out
}

func strPtr(s string) *string {
	return &s
}
