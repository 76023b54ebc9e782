package seed

import (
	"fmt"

	"feedsync/internal/models"

	"github.com/brianvoe/gofakeit/v6"
)

// Options sizes a generated data set.
type Options struct {
	NumUsers  int
	NumGroups int
	NumPosts  int
	// Seed makes generation reproducible. Zero picks a random seed.
	Seed int64
}

// Generate builds a random but referentially consistent data set. Every third group is
// private and a small share of group posts is still awaiting moderation.
func Generate(opts Options) *Fixtures {
	if opts.NumUsers <= 0 {
		opts.NumUsers = 20
	}
	if opts.NumPosts < 0 {
		opts.NumPosts = 0
	}
	faker := gofakeit.New(opts.Seed)

	f := &Fixtures{}
	for i := 0; i < opts.NumUsers; i++ {
		id := fmt.Sprintf("user-%03d", i+1)
		f.Users = append(f.Users, User{
			ID:        id,
			Name:      faker.Name(),
			AvatarURL: fmt.Sprintf("https://i.pravatar.cc/150?u=%s", id),
		})
	}

	for i := 0; i < opts.NumGroups; i++ {
		id := fmt.Sprintf("group-%03d", i+1)
		privacy := models.GroupPublic
		if i%3 == 2 {
			privacy = models.GroupPrivate
		}
		g := Group{
			ID:        id,
			Name:      faker.Company(),
			AvatarURL: fmt.Sprintf("https://picsum.photos/seed/%s/200/200", id),
			Privacy:   string(privacy),
		}
		for _, u := range f.Users {
			if faker.Number(1, 4) == 1 {
				g.Members = append(g.Members, u.ID)
			}
		}
		f.Groups = append(f.Groups, g)
	}

	for i := 0; i < opts.NumPosts; i++ {
		author := f.Users[faker.Number(0, len(f.Users)-1)]
		p := Post{
			ID:           fmt.Sprintf("post-%04d", i+1),
			AuthorID:     author.ID,
			Text:         faker.Sentence(faker.Number(4, 20)),
			CommentCount: faker.Number(0, 40),
			MinutesAgo:   (opts.NumPosts - i) * faker.Number(5, 90),
		}
		if faker.Number(1, 4) == 1 {
			p.MediaURLs = []string{fmt.Sprintf("https://picsum.photos/seed/%s/800/800", faker.UUID())}
		}
		if len(f.Groups) > 0 && faker.Bool() {
			p.GroupID = f.Groups[faker.Number(0, len(f.Groups)-1)].ID
			if faker.Number(1, 10) == 1 {
				p.ApprovalStatus = string(models.ApprovalPending)
			}
		}
		f.Posts = append(f.Posts, p)

		for _, u := range f.Users {
			if faker.Number(1, 5) == 1 {
				f.Likes = append(f.Likes, Like{UserID: u.ID, PostID: p.ID})
			}
		}
	}

	return f
}
