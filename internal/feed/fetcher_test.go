package feed

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"feedsync/internal/cache"
	"feedsync/internal/models"
	"feedsync/internal/remote"
)

func TestFetchPage_OrderAndEndOfPagination(t *testing.T) {
	tests := []struct {
		name      string
		posts     int
		pages     [][]string
		endOnLast bool
	}{
		{
			name:  "short last page",
			posts: 5,
			pages: [][]string{{"p05", "p04", "p03"}, {"p02", "p01"}},
		},
		{
			name:  "exact multiple needs an empty page",
			posts: 6,
			pages: [][]string{{"p06", "p05", "p04"}, {"p03", "p02", "p01"}, {}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := remote.NewMemoryStore()
			seedPosts(t, docs, tt.posts)
			f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})

			var cursor *string
			for i, want := range tt.pages {
				page, err := f.FetchPage(context.Background(), cursor, 3, nil)
				require.NoError(t, err)
				assert.Equal(t, want, ids(page.Items), "page %d", i)

				last := i == len(tt.pages)-1
				assert.Equal(t, last, page.EndOfPagination, "page %d", i)
				if last {
					assert.Empty(t, page.NextCursor)
				} else {
					assert.Equal(t, want[len(want)-1], page.NextCursor)
				}
				cursor = strPtr(page.NextCursor)
			}
		})
	}
}

func TestFetchPage_TiesBrokenByID(t *testing.T) {
	docs := remote.NewMemoryStore()
	seedPost(t, docs, 1, nil)
	seedPost(t, docs, 2, map[string]any{FieldCreatedAt: baseTime.Add(time.Minute)})
	seedPost(t, docs, 3, map[string]any{FieldCreatedAt: baseTime.Add(time.Minute)})

	f := NewFetcher(docs, nil, FetcherConfig{})
	page, err := f.FetchPage(context.Background(), nil, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p03", "p02", "p01"}, ids(page.Items))
}

func TestFetchPage_DropsUnapprovedButKeepsCursor(t *testing.T) {
	docs := remote.NewMemoryStore()
	seedPost(t, docs, 1, nil)
	seedPost(t, docs, 2, map[string]any{FieldApprovalStatus: "PENDING"})
	seedPost(t, docs, 3, map[string]any{FieldApprovalStatus: "APPROVED"})
	seedPost(t, docs, 4, map[string]any{FieldApprovalStatus: "REJECTED"})
	seedPost(t, docs, 5, nil)

	f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})
	page, err := f.FetchPage(context.Background(), nil, 4, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"p05", "p03"}, ids(page.Items))
	assert.Equal(t, 4, page.RawCount)
	assert.False(t, page.EndOfPagination)
	assert.Equal(t, "p02", page.NextCursor)
	for _, p := range page.Items {
		assert.Equal(t, models.ApprovalApproved, p.ApprovalStatus)
	}
}

func TestFetchPage_UnknownApprovalStatus(t *testing.T) {
	docs := remote.NewMemoryStore()
	seedPost(t, docs, 1, nil)
	seedPost(t, docs, 2, map[string]any{FieldApprovalStatus: "SHADOWBANNED"})

	t.Run("strict fails the page", func(t *testing.T) {
		f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})
		_, err := f.FetchPage(context.Background(), nil, 10, nil)
		require.Error(t, err)
		assert.True(t, models.IsCode(err, models.CodeParse))

		var parseErr *models.ParseError
		require.ErrorAs(t, err, &parseErr)
		assert.Equal(t, "SHADOWBANNED", parseErr.Value)
	})

	t.Run("lenient treats it as pending", func(t *testing.T) {
		f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: false})
		page, err := f.FetchPage(context.Background(), nil, 10, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"p01"}, ids(page.Items))
	})
}

func TestFetchPage_SkipsDocumentsWithoutAuthor(t *testing.T) {
	docs := remote.NewMemoryStore()
	seedPost(t, docs, 1, nil)
	seedPost(t, docs, 2, map[string]any{FieldAuthorID: nil})

	f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})
	page, err := f.FetchPage(context.Background(), nil, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"p01"}, ids(page.Items))
	assert.Equal(t, 2, page.RawCount)
}

func seedGroups(t *testing.T, docs remote.DocumentStore) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, docs.Set(ctx, CollectionGroups, "g-open", map[string]any{FieldPrivacy: "PUBLIC"}, false))
	require.NoError(t, docs.Set(ctx, CollectionGroups, "g-secret", map[string]any{FieldPrivacy: "PRIVATE"}, false))
	require.NoError(t, docs.Set(ctx, CollectionGroups, "g-club", map[string]any{FieldPrivacy: "PRIVATE"}, false))
	require.NoError(t, docs.Set(ctx, CollectionGroupMembers, MembershipID("g-club", testUser), map[string]any{
		FieldGroupID: "g-club",
		FieldUserID:  testUser,
	}, false))

	seedPost(t, docs, 1, nil)
	seedPost(t, docs, 2, map[string]any{FieldGroupID: "g-open"})
	seedPost(t, docs, 3, map[string]any{FieldGroupID: "g-secret"})
	seedPost(t, docs, 4, map[string]any{FieldGroupID: "g-club"})
	seedPost(t, docs, 5, map[string]any{FieldGroupID: "g-deleted"})
}

func TestFetchPage_PrivateGroupFiltering(t *testing.T) {
	tests := []struct {
		name string
		user *string
		want []string
	}{
		{"signed out sees no private groups", nil, []string{"p05", "p02", "p01"}},
		{"member sees own private group", strPtr(testUser), []string{"p05", "p04", "p02", "p01"}},
		{"non-member sees no private groups", strPtr("u2"), []string{"p05", "p02", "p01"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := remote.NewMemoryStore()
			seedGroups(t, docs)
			f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})

			page, err := f.FetchPage(context.Background(), nil, 10, tt.user)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ids(page.Items))
			assert.True(t, page.EndOfPagination)
		})
	}
}

func TestFetchPage_GroupLookupsAreChunked(t *testing.T) {
	docs := newStubStore()
	for n := 1; n <= 12; n++ {
		gid := fmt.Sprintf("g%02d", n)
		require.NoError(t, docs.Set(context.Background(), CollectionGroups, gid, map[string]any{FieldPrivacy: "PRIVATE"}, false))
		seedPost(t, docs, n, map[string]any{FieldGroupID: gid})
	}
	require.NoError(t, docs.Set(context.Background(), CollectionGroupMembers, MembershipID("g07", testUser), map[string]any{}, false))

	f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})
	page, err := f.FetchPage(context.Background(), nil, 20, strPtr(testUser))
	require.NoError(t, err)

	assert.Equal(t, []string{"p07"}, ids(page.Items))
	assert.Equal(t, 2, docs.batchGets[CollectionGroups])
	assert.Equal(t, 2, docs.batchGets[CollectionGroupMembers])
}

func TestFetchPage_GroupPrivacyIsCached(t *testing.T) {
	mr := miniredis.RunT(t)
	c := cache.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	docs := newStubStore()
	seedGroups(t, docs)
	f := NewFetcher(docs, c, FetcherConfig{StrictParsing: true, GroupCacheTTL: time.Minute})

	_, err := f.FetchPage(context.Background(), nil, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, docs.batchGets[CollectionGroups])

	got, err := mr.Get(cache.GroupPrivacyKey("g-secret"))
	require.NoError(t, err)
	assert.Equal(t, "PRIVATE", got)
	got, err = mr.Get(cache.GroupPrivacyKey("g-deleted"))
	require.NoError(t, err)
	assert.Equal(t, "PUBLIC", got)
	assert.Equal(t, time.Minute, mr.TTL(cache.GroupPrivacyKey("g-secret")))

	page, err := f.FetchPage(context.Background(), nil, 10, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, docs.batchGets[CollectionGroups], "second page should be served from redis")
	assert.Equal(t, []string{"p05", "p02", "p01"}, ids(page.Items))
}

func TestFetchPage_EnrichmentFailuresDegrade(t *testing.T) {
	docs := newStubStore()
	seedGroups(t, docs)
	require.NoError(t, docs.Set(context.Background(), CollectionLikes, LikeID(testUser, "p01"), map[string]any{}, false))

	docs.batchErr = errors.New("backend unavailable")
	docs.getErr = func(collection, _ string) error {
		if collection == CollectionLikes {
			return errors.New("backend unavailable")
		}
		return nil
	}

	f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})
	page, err := f.FetchPage(context.Background(), nil, 10, strPtr(testUser))
	require.NoError(t, err)

	assert.Len(t, page.Items, 5, "failed privacy lookups treat groups as public")
	for _, p := range page.Items {
		assert.False(t, p.LikedByMe)
	}
}

func TestFetchPage_LikedResolution(t *testing.T) {
	docs := remote.NewMemoryStore()
	seedPosts(t, docs, 4)
	require.NoError(t, docs.Set(context.Background(), CollectionLikes, LikeID(testUser, "p02"), map[string]any{
		FieldUserID: testUser,
		FieldPostID: "p02",
	}, false))
	require.NoError(t, docs.Set(context.Background(), CollectionLikes, LikeID("u2", "p03"), map[string]any{}, false))

	f := NewFetcher(docs, nil, FetcherConfig{LikeWorkers: 2})

	page, err := f.FetchPage(context.Background(), nil, 10, strPtr(testUser))
	require.NoError(t, err)
	liked := map[string]bool{}
	for _, p := range page.Items {
		liked[p.ID] = p.LikedByMe
	}
	assert.Equal(t, map[string]bool{"p01": false, "p02": true, "p03": false, "p04": false}, liked)

	page, err = f.FetchPage(context.Background(), nil, 10, nil)
	require.NoError(t, err)
	for _, p := range page.Items {
		assert.False(t, p.LikedByMe)
	}
}

func TestFetchPage_Errors(t *testing.T) {
	t.Run("query failure", func(t *testing.T) {
		docs := newStubStore()
		docs.queryErr = errors.New("connection reset")
		f := NewFetcher(docs, nil, FetcherConfig{})

		_, err := f.FetchPage(context.Background(), nil, 10, nil)
		assert.True(t, models.IsCode(err, models.CodeFetch))
	})

	t.Run("anchor gone", func(t *testing.T) {
		docs := newStubStore()
		seedPosts(t, docs, 2)
		f := NewFetcher(docs, nil, FetcherConfig{})

		_, err := f.FetchPage(context.Background(), strPtr("missing"), 10, nil)
		assert.True(t, models.IsCode(err, models.CodeFetch))
		assert.ErrorIs(t, err, ErrAnchorGone)
	})

	t.Run("cancelled context", func(t *testing.T) {
		docs := newStubStore()
		seedPosts(t, docs, 2)
		f := NewFetcher(docs, nil, FetcherConfig{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := f.FetchPage(ctx, nil, 10, nil)
		assert.ErrorIs(t, err, context.Canceled)
	})

	t.Run("invalid page size", func(t *testing.T) {
		f := NewFetcher(newStubStore(), nil, FetcherConfig{})
		_, err := f.FetchPage(context.Background(), nil, 0, nil)
		assert.True(t, models.IsCode(err, models.CodeValidation))
	})
}

func TestFetchItem(t *testing.T) {
	docs := remote.NewMemoryStore()
	seedGroups(t, docs)
	f := NewFetcher(docs, nil, FetcherConfig{StrictParsing: true})
	ctx := context.Background()

	p, err := f.FetchItem(ctx, "p02", nil)
	require.NoError(t, err)
	require.NotNil(t, p)
	assert.Equal(t, "g-open", p.GroupID)

	p, err = f.FetchItem(ctx, "nope", nil)
	require.NoError(t, err)
	assert.Nil(t, p)

	p, err = f.FetchItem(ctx, "p04", strPtr("u2"))
	require.NoError(t, err)
	assert.Nil(t, p, "private group post is not visible to non-members")

	p, err = f.FetchItem(ctx, "p04", strPtr(testUser))
	require.NoError(t, err)
	assert.NotNil(t, p)
}
