// Command main seeds the remote document store with demo feed data.
package main

import (
	"context"
	"flag"
	"log"
	"time"

	"feedsync/internal/config"
	"feedsync/internal/database"
	"feedsync/internal/middleware"
	"feedsync/internal/remote"
	"feedsync/internal/seed"
)

func main() {
	fixturesPath := flag.String("fixtures", "", "YAML fixtures file (overrides generation flags)")
	numUsers := flag.Int("users", 20, "Number of users to generate")
	numGroups := flag.Int("groups", 5, "Number of groups to generate")
	numPosts := flag.Int("posts", 200, "Number of posts to generate")
	randSeed := flag.Int64("seed", 0, "Generator seed (0 = random)")
	tokenFor := flag.String("token-for", "", "Print a development access token for this user id")
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if cfg.RemoteStore == "memory" {
		log.Fatal("REMOTE_STORE=memory does not persist; seed a sqlite or postgres remote instead")
	}

	db, err := database.ConnectRemote(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to remote store: %v", err)
	}

	var fixtures *seed.Fixtures
	if *fixturesPath != "" {
		log.Printf("Loading fixtures from %s", *fixturesPath)
		fixtures, err = seed.LoadFixturesFile(*fixturesPath)
		if err != nil {
			log.Fatalf("Failed to load fixtures: %v", err)
		}
	} else {
		log.Printf("Generating %d users, %d groups, %d posts", *numUsers, *numGroups, *numPosts)
		fixtures = seed.Generate(seed.Options{
			NumUsers:  *numUsers,
			NumGroups: *numGroups,
			NumPosts:  *numPosts,
			Seed:      *randSeed,
		})
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	if err := seed.NewSeeder(remote.NewGormStore(db)).Apply(ctx, fixtures); err != nil {
		log.Fatalf("Seeding failed: %v", err)
	}
	log.Println("Seeding complete")

	if *tokenFor != "" {
		token, err := middleware.IssueToken(cfg.JWTSecret, *tokenFor, 24*time.Hour)
		if err != nil {
			log.Fatalf("Failed to issue token: %v", err)
		}
		log.Printf("Access token for %s (24h): %s", *tokenFor, token)
	}
}
