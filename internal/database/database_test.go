package database

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"feedsync/internal/config"
	"feedsync/internal/models"
	"feedsync/internal/observability"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestOpenCache_MigratesTables(t *testing.T) {
	db, err := OpenCache(":memory:")
	require.NoError(t, err)

	for _, model := range CacheModels() {
		assert.True(t, db.Migrator().HasTable(model))
	}

	require.NoError(t, db.Create(&models.FeedItem{ID: "p1", AuthorID: "u1", CreatedAt: time.Now()}).Error)
	var got models.FeedItem
	require.NoError(t, db.First(&got, "id = ?", "p1").Error)
	assert.Equal(t, models.ApprovalApproved, got.ApprovalStatus)
}

func TestConnectRemote_MemoryReturnsNil(t *testing.T) {
	db, err := ConnectRemote(&config.Config{RemoteStore: "memory"})
	require.NoError(t, err)
	assert.Nil(t, db)
}

func TestConnectRemote_SQLite(t *testing.T) {
	db, err := ConnectRemote(&config.Config{RemoteStore: "sqlite", RemoteSQLitePath: ":memory:"})
	require.NoError(t, err)
	require.NotNil(t, db)
	assert.True(t, db.Migrator().HasTable(RemoteModels()[0]))
}

func TestPostgresDSN_DefaultsSSLMode(t *testing.T) {
	dsn := postgresDSN(&config.Config{
		RemoteDBHost:     "db",
		RemoteDBPort:     "5432",
		RemoteDBUser:     "feed",
		RemoteDBPassword: "secret",
		RemoteDBName:     "social",
	})
	assert.Equal(t, "host=db port=5432 user=feed password=secret dbname=social sslmode=disable", dsn)
}

func TestCustomGormLogger_IgnoresRecordNotFound(t *testing.T) {
	var buf bytes.Buffer
	l := NewGormLogger(observability.NewLogger(&buf, "test"))

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	l.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, errors.New("boom"))
	assert.Contains(t, buf.String(), "GORM query error")

	silent := l.LogMode(logger.Silent)
	buf.Reset()
	silent.Trace(context.Background(), time.Now(), func() (string, int64) { return "SELECT 1", 0 }, errors.New("boom"))
	assert.Empty(t, buf.String())
}
