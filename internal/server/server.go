// Package server exposes the feed sync engine over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"feedsync/internal/cache"
	"feedsync/internal/config"
	"feedsync/internal/database"
	"feedsync/internal/feed"
	"feedsync/internal/media"
	"feedsync/internal/middleware"
	"feedsync/internal/models"
	"feedsync/internal/notifications"
	"feedsync/internal/observability"
	"feedsync/internal/remote"
	"feedsync/internal/repository"
	"feedsync/internal/worker"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"gorm.io/gorm"
)

// Deps are the already-initialized backends a Server is built from.
type Deps struct {
	CacheDB  *gorm.DB
	RemoteDB *gorm.DB // nil for the in-memory document store
	Docs     remote.DocumentStore
	Cache    *cache.Cache
	Storage  remote.ObjectStorage
	Preparer feed.MediaPreparer
}

// Server holds all dependencies and provides handlers
type Server struct {
	config         *config.Config
	deps           Deps
	app            *fiber.App
	promMiddleware *fiberprometheus.FiberPrometheus
	shutdownCtx    context.Context
	shutdownFn     context.CancelFunc
	workerDone     chan struct{}

	store    *repository.Store
	fetcher  *feed.Fetcher
	mediator *feed.Mediator
	posts    *feed.PostService
	worker   *worker.UploadWorker
	notifier *notifications.Notifier

	// loads of the single feed stream are serialized
	loadMu sync.Mutex
}

// NewServer connects every backend named by cfg and creates a server instance.
func NewServer(cfg *config.Config) (*Server, error) {
	cacheDB, err := database.ConnectCache(cfg)
	if err != nil {
		return nil, fmt.Errorf("cache connection failed: %w", err)
	}

	remoteDB, err := database.ConnectRemote(cfg)
	if err != nil {
		return nil, fmt.Errorf("remote connection failed: %w", err)
	}
	var docs remote.DocumentStore
	if remoteDB == nil {
		docs = remote.NewMemoryStore()
	} else {
		docs = remote.NewGormStore(remoteDB)
	}

	return NewServerWithDeps(cfg, Deps{
		CacheDB:  cacheDB,
		RemoteDB: remoteDB,
		Docs:     docs,
		Cache:    cache.Connect(context.Background(), cfg.RedisURL),
		Storage:  remote.NewDiskStorage(cfg.ObjectStorageDir, cfg.ObjectStorageBaseURL),
		Preparer: media.NewPreparer(cfg),
	})
}

// NewServerWithDeps creates a Server using already-initialized dependencies.
// Use this in tests or when a bootstrap layer establishes the backends itself.
func NewServerWithDeps(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.CacheDB == nil || deps.Docs == nil {
		return nil, fmt.Errorf("cache database and document store are required")
	}
	if deps.Cache == nil {
		deps.Cache = cache.New(nil)
	}

	auth := remote.ContextAuth{}
	store := repository.NewStore(deps.CacheDB)
	fetcher := feed.NewFetcher(deps.Docs, deps.Cache, feed.FetcherConfig{
		GroupCacheTTL: cfg.GroupCacheTTL(),
		StrictParsing: cfg.StrictParsing,
	})
	posts := feed.NewPostService(store, deps.Docs, fetcher, auth, deps.Preparer)
	notifier := notifications.NewNotifier(deps.Cache.Client())

	s := &Server{
		config:         cfg,
		deps:           deps,
		promMiddleware: middleware.InitMetrics("feedsync-api"),
		store:          store,
		fetcher:        fetcher,
		mediator:       feed.NewMediator(store, fetcher, auth, cfg.FeedPageSize),
		posts:          posts,
		notifier:       notifier,
	}
	if deps.Storage != nil {
		s.worker = worker.NewUploadWorker(store, deps.Docs, deps.Storage, posts, notifier, worker.Config{
			MaxAttempts:  cfg.UploadMaxAttempts,
			BackoffBase:  cfg.UploadBackoffBase(),
			PollInterval: cfg.WorkerPollInterval(),
		})
	}
	return s, nil
}

// SetupMiddleware configures middleware for the Fiber app
func (s *Server) SetupMiddleware(app *fiber.App) {
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(middleware.ContextMiddleware())
	app.Use(middleware.TracingMiddleware())

	if s.promMiddleware != nil {
		app.Use(middleware.MetricsMiddleware(s.promMiddleware))
	}

	app.Use(middleware.StructuredLogger())
}

// SetupRoutes configures all routes for the application
func (s *Server) SetupRoutes(app *fiber.App) {
	app.Get("/health", s.ReadinessCheck)

	if s.promMiddleware != nil {
		s.promMiddleware.RegisterAt(app, "/metrics")
	}

	if s.config.ObjectStorageDir != "" {
		app.Static("/media", s.config.ObjectStorageDir)
	}

	api := app.Group("/api",
		middleware.AuthRequired(s.config.JWTSecret),
		middleware.DeviceUserOnly(s.store.Owner, s.config.DeviceUserID),
	)

	feedRoutes := api.Group("/feed")
	feedRoutes.Post("/load", s.LoadFeed)
	feedRoutes.Get("/", s.GetFeed)
	feedRoutes.Delete("/cache", s.ClearFeedCache)

	posts := api.Group("/posts")
	posts.Post("/", middleware.RateLimit(
		s.deps.Cache.Client(), 10, 5*time.Minute, "create_post"), s.CreatePost)
	// Specific /:id/:resource routes before the generic /:id routes
	posts.Post("/:id/like", middleware.RateLimit(
		s.deps.Cache.Client(), 60, time.Minute, "toggle_like"), s.ToggleLike)
	posts.Put("/:id/media", s.UpdatePostMedia)
	posts.Post("/:id/resync", s.ResyncPost)
	posts.Get("/:id", s.GetPost)
	posts.Patch("/:id", s.UpdatePostText)
	posts.Delete("/:id", s.DeletePost)

	api.Put("/authors/:id", s.UpdateAuthor)
}

// ReadinessCheck handles readiness probe requests
func (s *Server) ReadinessCheck(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 5*time.Second)
	defer cancel()

	cacheStatus := pingStatus(ctx, s.deps.CacheDB)
	remoteStatus := "healthy"
	if s.deps.RemoteDB != nil {
		remoteStatus = pingStatus(ctx, s.deps.RemoteDB)
	}

	redisStatus := "unavailable"
	if s.deps.Cache.Enabled() {
		redisStatus = "healthy"
		if err := s.deps.Cache.Client().Ping(ctx).Err(); err != nil {
			redisStatus = "unhealthy"
		}
	}

	// Redis is optional: the fetcher degrades to direct group lookups without it.
	status := fiber.StatusOK
	overallStatus := "healthy"
	if cacheStatus != "healthy" || remoteStatus != "healthy" || redisStatus == "unhealthy" {
		status = fiber.StatusServiceUnavailable
		overallStatus = "unhealthy"
	}

	return c.Status(status).JSON(fiber.Map{
		"status": overallStatus,
		"checks": fiber.Map{
			"cache":  cacheStatus,
			"remote": remoteStatus,
			"redis":  redisStatus,
		},
		"time": time.Now(),
	})
}

func pingStatus(ctx context.Context, db *gorm.DB) string {
	sqlDB, err := db.DB()
	if err != nil {
		return "unhealthy"
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return "unhealthy"
	}
	return "healthy"
}

// App builds the Fiber app with middleware and routes.
func (s *Server) App() *fiber.App {
	if s.app != nil {
		return s.app
	}
	app := fiber.New(fiber.Config{
		AppName:   "feedsync",
		BodyLimit: s.config.MediaMaxUploadMB * 1024 * 1024,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			if fe, ok := err.(*fiber.Error); ok {
				return models.RespondWithError(c, fe.Code, models.NewValidationError(fe.Message))
			}
			observability.Logger.ErrorContext(c.UserContext(), "Unhandled request error", slog.String("error", err.Error()))
			return models.RespondWithError(c, fiber.StatusInternalServerError, models.NewInternalError(err))
		},
	})
	s.SetupMiddleware(app)
	s.SetupRoutes(app)
	s.app = app
	return app
}

// StartWorker runs the upload worker in the background until Shutdown.
func (s *Server) StartWorker() {
	if s.worker == nil || s.shutdownFn != nil {
		return
	}
	s.shutdownCtx, s.shutdownFn = context.WithCancel(context.Background())
	s.workerDone = make(chan struct{})
	go func() {
		defer close(s.workerDone)
		s.worker.Run(s.shutdownCtx)
	}()
}

// Start starts the server
func (s *Server) Start() error {
	s.StartWorker()
	observability.Logger.Info("Server starting", slog.String("port", s.config.Port))
	return s.App().Listen(":" + s.config.Port)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.app != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			observability.Logger.Error("error shutting down HTTP server", slog.String("error", err.Error()))
		}
	}

	if s.shutdownFn != nil {
		s.shutdownFn()
		select {
		case <-s.workerDone:
		case <-ctx.Done():
			observability.Logger.Warn("Upload worker did not stop before shutdown deadline")
		}
	}

	for name, db := range map[string]*gorm.DB{"cache": s.deps.CacheDB, "remote": s.deps.RemoteDB} {
		if db == nil {
			continue
		}
		if sqlDB, err := db.DB(); err == nil {
			if cerr := sqlDB.Close(); cerr != nil {
				observability.Logger.Error("error closing database", slog.String("db", name), slog.String("error", cerr.Error()))
			}
		}
	}

	if err := s.deps.Cache.Close(); err != nil {
		observability.Logger.Error("error closing redis", slog.String("error", err.Error()))
	}

	observability.Logger.Info("Server shutdown complete")
	return nil
}
