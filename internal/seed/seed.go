// Package seed provides helpers to populate the remote document store with demo
// data. These helpers are intended for development and testing only.
package seed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"feedsync/internal/feed"
	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/remote"

	"gopkg.in/yaml.v3"
)

// User is a profile document.
type User struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	AvatarURL string `yaml:"avatar_url"`
}

// Group is a group document together with its members.
type Group struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name"`
	AvatarURL string   `yaml:"avatar_url"`
	Privacy   string   `yaml:"privacy"`
	Members   []string `yaml:"members"`
}

// Post is a feed post. Its like count is derived from the likes that reference it.
type Post struct {
	ID             string   `yaml:"id"`
	AuthorID       string   `yaml:"author_id"`
	Text           string   `yaml:"text"`
	MediaURLs      []string `yaml:"media_urls"`
	GroupID        string   `yaml:"group_id"`
	ApprovalStatus string   `yaml:"approval_status"`
	Pinned         bool     `yaml:"pinned"`
	CommentCount   int      `yaml:"comment_count"`
	MinutesAgo     int      `yaml:"minutes_ago"`
}

// Like records that a user liked a post.
type Like struct {
	UserID string `yaml:"user_id"`
	PostID string `yaml:"post_id"`
}

// Fixtures is a complete data set written by Seeder.Apply.
type Fixtures struct {
	Users  []User  `yaml:"users"`
	Groups []Group `yaml:"groups"`
	Posts  []Post  `yaml:"posts"`
	Likes  []Like  `yaml:"likes"`
}

// LoadFixtures decodes YAML fixtures.
func LoadFixtures(r io.Reader) (*Fixtures, error) {
	var f Fixtures
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return nil, fmt.Errorf("decode fixtures: %w", err)
	}
	return &f, nil
}

// LoadFixturesFile decodes the YAML fixtures at path.
func LoadFixturesFile(path string) (*Fixtures, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return LoadFixtures(file)
}

// Seeder writes fixtures into a document store.
type Seeder struct {
	docs remote.DocumentStore
	now  func() time.Time
}

// NewSeeder creates a Seeder bound to docs.
func NewSeeder(docs remote.DocumentStore) *Seeder {
	return &Seeder{docs: docs, now: func() time.Time { return time.Now().UTC() }}
}

// Apply writes every document of f. Documents that already exist are replaced.
func (s *Seeder) Apply(ctx context.Context, f *Fixtures) error {
	if err := f.Validate(); err != nil {
		return err
	}

	users := make(map[string]User, len(f.Users))
	for _, u := range f.Users {
		users[u.ID] = u
		if err := s.docs.Set(ctx, feed.CollectionUsers, u.ID, map[string]any{
			feed.FieldName:      u.Name,
			feed.FieldAvatarURL: u.AvatarURL,
		}, false); err != nil {
			return fmt.Errorf("seed user %s: %w", u.ID, err)
		}
	}

	groups := make(map[string]Group, len(f.Groups))
	for _, g := range f.Groups {
		groups[g.ID] = g
		if err := s.docs.Set(ctx, feed.CollectionGroups, g.ID, map[string]any{
			feed.FieldName:      g.Name,
			feed.FieldAvatarURL: g.AvatarURL,
			feed.FieldPrivacy:   g.Privacy,
		}, false); err != nil {
			return fmt.Errorf("seed group %s: %w", g.ID, err)
		}
		for _, uid := range g.Members {
			if err := s.docs.Set(ctx, feed.CollectionGroupMembers, feed.MembershipID(g.ID, uid), map[string]any{
				feed.FieldGroupID: g.ID,
				feed.FieldUserID:  uid,
			}, false); err != nil {
				return fmt.Errorf("seed membership %s/%s: %w", g.ID, uid, err)
			}
		}
	}

	likeCounts := make(map[string]int, len(f.Posts))
	for _, l := range f.Likes {
		likeCounts[l.PostID]++
	}

	now := s.now()
	created := make(map[string]time.Time, len(f.Posts))
	for _, p := range f.Posts {
		author := users[p.AuthorID]
		post := &models.Post{
			ID:              p.ID,
			AuthorID:        p.AuthorID,
			AuthorName:      author.Name,
			AuthorAvatarURL: author.AvatarURL,
			Text:            p.Text,
			MediaURLs:       p.MediaURLs,
			LikeCount:       likeCounts[p.ID],
			CommentCount:    p.CommentCount,
			CreatedAt:       now.Add(-time.Duration(p.MinutesAgo) * time.Minute),
			ApprovalStatus:  models.ApprovalStatus(p.ApprovalStatus),
			IsPinned:        p.Pinned,
		}
		if g, ok := groups[p.GroupID]; ok {
			post.GroupID = g.ID
			post.GroupName = g.Name
			post.GroupAvatarURL = g.AvatarURL
		}
		created[p.ID] = post.CreatedAt
		if err := s.docs.Set(ctx, feed.CollectionPosts, p.ID, feed.PostDocument(post), false); err != nil {
			return fmt.Errorf("seed post %s: %w", p.ID, err)
		}
	}

	for _, l := range f.Likes {
		if err := s.docs.Set(ctx, feed.CollectionLikes, feed.LikeID(l.UserID, l.PostID), map[string]any{
			feed.FieldUserID:    l.UserID,
			feed.FieldPostID:    l.PostID,
			feed.FieldCreatedAt: created[l.PostID],
		}, false); err != nil {
			return fmt.Errorf("seed like %s/%s: %w", l.UserID, l.PostID, err)
		}
	}

	observability.Component("seed").InfoContext(ctx, "Seeded document store",
		slog.Int("users", len(f.Users)),
		slog.Int("groups", len(f.Groups)),
		slog.Int("posts", len(f.Posts)),
		slog.Int("likes", len(f.Likes)),
	)
	return nil
}

// Validate checks that every reference in f resolves.
func (f *Fixtures) Validate() error {
	users := make(map[string]bool, len(f.Users))
	for _, u := range f.Users {
		if u.ID == "" {
			return fmt.Errorf("user without id")
		}
		users[u.ID] = true
	}
	groups := make(map[string]bool, len(f.Groups))
	for _, g := range f.Groups {
		if g.ID == "" {
			return fmt.Errorf("group without id")
		}
		if _, err := models.ParseGroupPrivacy(g.Privacy); err != nil {
			return fmt.Errorf("group %s: %w", g.ID, err)
		}
		groups[g.ID] = true
	}
	posts := make(map[string]bool, len(f.Posts))
	for _, p := range f.Posts {
		if p.ID == "" {
			return fmt.Errorf("post without id")
		}
		if !users[p.AuthorID] {
			return fmt.Errorf("post %s: unknown author %q", p.ID, p.AuthorID)
		}
		if p.GroupID != "" && !groups[p.GroupID] {
			return fmt.Errorf("post %s: unknown group %q", p.ID, p.GroupID)
		}
		if _, err := models.ParseApprovalStatus(p.ApprovalStatus); err != nil {
			return fmt.Errorf("post %s: %w", p.ID, err)
		}
		posts[p.ID] = true
	}
	for _, l := range f.Likes {
		if !posts[l.PostID] {
			return fmt.Errorf("like by %s: unknown post %q", l.UserID, l.PostID)
		}
	}
	return nil
}
