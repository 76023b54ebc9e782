// Package database opens the local feed cache and the remote document database.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"feedsync/internal/config"
	"feedsync/internal/models"
	"feedsync/internal/observability"
	"feedsync/internal/remote"

	// Registers the "pgx" database/sql driver used for the remote store.
	_ "github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// CustomGormLogger integrates GORM with slog
type CustomGormLogger struct {
	logger *slog.Logger
	Config logger.Config
}

// NewGormLogger returns a GORM logger writing through slog at warn level.
func NewGormLogger(l *slog.Logger) *CustomGormLogger {
	return &CustomGormLogger{
		logger: l,
		Config: logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	}
}

// LogMode sets the logging level and returns a new interface instance.
func (l *CustomGormLogger) LogMode(level logger.LogLevel) logger.Interface {
	newlogger := *l
	newlogger.Config.LogLevel = level
	return &newlogger
}

// Info logs an informational message with context.
func (l *CustomGormLogger) Info(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Info {
		l.logger.InfoContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Warn logs a warning message with context.
func (l *CustomGormLogger) Warn(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Warn {
		l.logger.WarnContext(ctx, fmt.Sprintf(msg, data...))
	}
}

func (l *CustomGormLogger) Error(ctx context.Context, msg string, data ...interface{}) {
	if l.Config.LogLevel >= logger.Error {
		l.logger.ErrorContext(ctx, fmt.Sprintf(msg, data...))
	}
}

// Trace logs trace-level information including SQL queries and execution time.
func (l *CustomGormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.Config.LogLevel <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	sql, rows := fc()

	switch {
	case err != nil && l.Config.LogLevel >= logger.Error && !errors.Is(err, gorm.ErrRecordNotFound):
		l.logger.ErrorContext(ctx, "GORM query error",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
	case elapsed > l.Config.SlowThreshold && l.Config.SlowThreshold != 0 && l.Config.LogLevel >= logger.Warn:
		l.logger.WarnContext(ctx, "GORM slow query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	case l.Config.LogLevel >= logger.Info:
		l.logger.InfoContext(ctx, "GORM query",
			slog.String("sql", sql),
			slog.Int64("rows", rows),
			slog.Duration("elapsed", elapsed),
		)
	}
}

// CacheModels returns the schema-managed models of the local feed cache.
func CacheModels() []interface{} {
	return []interface{}{
		&models.FeedItem{},
		&models.PaginationCursor{},
		&models.PendingMutation{},
		&models.UploadJob{},
		&models.CacheOwner{},
	}
}

// RemoteModels returns the schema-managed models of the remote document database.
func RemoteModels() []interface{} {
	return []interface{}{
		&remote.DocumentRecord{},
	}
}

// OpenCache opens a SQLite feed cache at path (":memory:" for tests) and migrates it.
// SQLite serializes writers, so the pool is limited to a single connection; callers must
// not issue queries outside an open transaction while holding it.
func OpenCache(path string) (*gorm.DB, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: NewGormLogger(observability.Logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open feed cache: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to access feed cache pool: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(CacheModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate feed cache: %w", err)
	}
	return db, nil
}

// ConnectCache opens the configured local feed cache.
func ConnectCache(cfg *config.Config) (*gorm.DB, error) {
	db, err := OpenCache(cfg.CacheDBPath)
	if err != nil {
		return nil, err
	}
	observability.Logger.Info("Feed cache opened", slog.String("path", cfg.CacheDBPath))
	return db, nil
}

// ConnectRemote opens the remote document database selected by REMOTE_STORE.
// It returns nil for the in-memory store.
func ConnectRemote(cfg *config.Config) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)

	gormCfg := &gorm.Config{Logger: NewGormLogger(observability.Logger)}

	switch cfg.RemoteStore {
	case "memory":
		return nil, nil
	case "postgres":
		var sqlDB *sql.DB
		sqlDB, err = sql.Open("pgx", postgresDSN(cfg))
		if err != nil {
			return nil, fmt.Errorf("failed to open remote database: %w", err)
		}
		sqlDB.SetMaxOpenConns(25)
		sqlDB.SetMaxIdleConns(5)
		sqlDB.SetConnMaxLifetime(5 * time.Minute)
		db, err = gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), gormCfg)
	default:
		db, err = gorm.Open(sqlite.Open(cfg.RemoteSQLitePath), gormCfg)
		if err == nil {
			var sqlDB *sql.DB
			if sqlDB, err = db.DB(); err == nil {
				sqlDB.SetMaxOpenConns(1)
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to remote database: %w", err)
	}

	if err := db.AutoMigrate(RemoteModels()...); err != nil {
		return nil, fmt.Errorf("failed to migrate remote database: %w", err)
	}

	observability.Logger.Info("Remote database connected", slog.String("store", cfg.RemoteStore))
	return db, nil
}

func postgresDSN(cfg *config.Config) string {
	sslMode := cfg.RemoteDBSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.RemoteDBHost,
		cfg.RemoteDBPort,
		cfg.RemoteDBUser,
		cfg.RemoteDBPassword,
		cfg.RemoteDBName,
		sslMode,
	)
}
