// Package config provides application configuration loading and management.
package config

import (
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds application configuration values loaded from file or environment variables.
type Config struct {
	Env       string `mapstructure:"APP_ENV"`
	Port      string `mapstructure:"PORT"`
	JWTSecret string `mapstructure:"JWT_SECRET"`

	// DeviceUserID pins the cache to one user. Empty lets the first user claim it.
	DeviceUserID string `mapstructure:"DEVICE_USER_ID"`

	CacheDBPath string `mapstructure:"CACHE_DB_PATH"`

	RemoteStore      string `mapstructure:"REMOTE_STORE"`
	RemoteDBHost     string `mapstructure:"REMOTE_DB_HOST"`
	RemoteDBPort     string `mapstructure:"REMOTE_DB_PORT"`
	RemoteDBUser     string `mapstructure:"REMOTE_DB_USER"`
	RemoteDBPassword string `mapstructure:"REMOTE_DB_PASSWORD"`
	RemoteDBName     string `mapstructure:"REMOTE_DB_NAME"`
	RemoteDBSSLMode  string `mapstructure:"REMOTE_DB_SSLMODE"`
	RemoteSQLitePath string `mapstructure:"REMOTE_SQLITE_PATH"`

	RedisURL             string `mapstructure:"REDIS_URL"`
	GroupCacheTTLSeconds int    `mapstructure:"GROUP_CACHE_TTL_SECONDS"`

	FeedPageSize         int `mapstructure:"FEED_PAGE_SIZE"`
	FeedPrefetchDistance int `mapstructure:"FEED_PREFETCH_DISTANCE"`

	ObjectStorageDir     string `mapstructure:"OBJECT_STORAGE_DIR"`
	ObjectStorageBaseURL string `mapstructure:"OBJECT_STORAGE_BASE_URL"`

	MediaCacheDir     string `mapstructure:"MEDIA_CACHE_DIR"`
	MediaMaxDimension int    `mapstructure:"MEDIA_MAX_DIMENSION"`
	MediaQuality      int    `mapstructure:"MEDIA_QUALITY"`
	MediaFormat       string `mapstructure:"MEDIA_FORMAT"`
	MediaMaxUploadMB  int    `mapstructure:"MEDIA_MAX_UPLOAD_MB"`

	UploadMaxAttempts    int `mapstructure:"UPLOAD_MAX_ATTEMPTS"`
	UploadBackoffBaseMS  int `mapstructure:"UPLOAD_BACKOFF_BASE_MS"`
	WorkerPollIntervalMS int `mapstructure:"WORKER_POLL_INTERVAL_MS"`

	StrictParsing bool `mapstructure:"STRICT_PARSING"`

	TracingEnabled      bool    `mapstructure:"TRACING_ENABLED"`
	TracingExporter     string  `mapstructure:"TRACING_EXPORTER"`
	TracingOTLPEndpoint string  `mapstructure:"TRACING_OTLP_ENDPOINT"`
	TracingSamplerRatio float64 `mapstructure:"TRACING_SAMPLER_RATIO"`
}

// LoadConfig loads application configuration from .env, config files and environment variables.
func LoadConfig() (*Config, error) {
	// A missing .env is normal outside local development.
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(".")
	v.AddConfigPath("..")
	v.AddConfigPath("../..")
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.AutomaticEnv()

	// The base config file is optional.
	_ = v.ReadInConfig()

	env := v.GetString("APP_ENV")
	if env == "" {
		env = "development"
	}

	if env != "development" && env != "test" {
		v.SetConfigName("config." + env)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("required profile-specific config 'config.%s.yml' not found: %w", env, err)
		}
		log.Printf("Loaded profile-specific configuration: config.%s.yml", env)
	}

	setDefaults(v, env)

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("unable to decode config into struct: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper, env string) {
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("PORT", "8375")
	v.SetDefault("JWT_SECRET", "your-secret-key-change-in-production")
	v.SetDefault("DEVICE_USER_ID", "")
	v.SetDefault("CACHE_DB_PATH", "feedsync-cache.db")
	v.SetDefault("REMOTE_STORE", "sqlite")
	v.SetDefault("REMOTE_DB_HOST", "localhost")
	v.SetDefault("REMOTE_DB_PORT", "5432")
	v.SetDefault("REMOTE_DB_USER", "user")
	v.SetDefault("REMOTE_DB_PASSWORD", "password")
	v.SetDefault("REMOTE_DB_NAME", "social_media")
	v.SetDefault("REMOTE_DB_SSLMODE", "disable")
	v.SetDefault("REMOTE_SQLITE_PATH", "feedsync-remote.db")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("GROUP_CACHE_TTL_SECONDS", 600)
	v.SetDefault("FEED_PAGE_SIZE", 20)
	v.SetDefault("FEED_PREFETCH_DISTANCE", 5)
	v.SetDefault("OBJECT_STORAGE_DIR", "/tmp/feedsync/objects")
	v.SetDefault("OBJECT_STORAGE_BASE_URL", "http://localhost:8375/media")
	v.SetDefault("MEDIA_CACHE_DIR", "/tmp/feedsync/media-cache")
	v.SetDefault("MEDIA_MAX_DIMENSION", 1440)
	v.SetDefault("MEDIA_QUALITY", 82)
	v.SetDefault("MEDIA_FORMAT", "jpeg")
	v.SetDefault("MEDIA_MAX_UPLOAD_MB", 10)
	v.SetDefault("UPLOAD_MAX_ATTEMPTS", 3)
	v.SetDefault("UPLOAD_BACKOFF_BASE_MS", 10000)
	v.SetDefault("WORKER_POLL_INTERVAL_MS", 750)
	v.SetDefault("STRICT_PARSING", env == "development" || env == "test")
	v.SetDefault("TRACING_ENABLED", false)
	v.SetDefault("TRACING_EXPORTER", "stdout")
	v.SetDefault("TRACING_OTLP_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_SAMPLER_RATIO", 1.0)
}

// Validate ensures that required configuration values are present and meet security standards.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.JWTSecret == "" {
		return errors.New("JWT_SECRET is required")
	}
	if c.FeedPageSize <= 0 {
		return errors.New("FEED_PAGE_SIZE must be positive")
	}
	if c.FeedPrefetchDistance < 0 {
		return errors.New("FEED_PREFETCH_DISTANCE must not be negative")
	}
	if c.UploadMaxAttempts < 1 {
		return errors.New("UPLOAD_MAX_ATTEMPTS must be at least 1")
	}
	switch c.RemoteStore {
	case "postgres", "sqlite", "memory":
	default:
		return fmt.Errorf("unsupported REMOTE_STORE %q", c.RemoteStore)
	}
	switch strings.ToLower(c.MediaFormat) {
	case "jpeg", "webp":
	default:
		return fmt.Errorf("unsupported MEDIA_FORMAT %q", c.MediaFormat)
	}

	if c.IsProduction() {
		if c.JWTSecret == "your-secret-key-change-in-production" {
			return errors.New("JWT_SECRET must be changed from the default value in production")
		}
		if len(c.JWTSecret) < 32 {
			return errors.New("JWT_SECRET must be at least 32 characters in production")
		}
		if c.RemoteStore == "memory" {
			return errors.New("REMOTE_STORE=memory is not allowed in production")
		}
		if c.RemoteStore == "postgres" && (c.RemoteDBPassword == "password" || c.RemoteDBPassword == "") {
			return errors.New("a strong REMOTE_DB_PASSWORD is required in production")
		}
		if c.StrictParsing {
			log.Println("WARNING: STRICT_PARSING is enabled in production. Malformed documents will fail whole pages.")
		}
	}

	return nil
}

// IsProduction reports whether the config targets a production environment.
func (c *Config) IsProduction() bool {
	return c.Env == "production" || c.Env == "prod"
}

// GroupCacheTTL returns the Redis TTL for group privacy lookups.
func (c *Config) GroupCacheTTL() time.Duration {
	return time.Duration(c.GroupCacheTTLSeconds) * time.Second
}

// UploadBackoffBase returns the first retry delay of the upload worker.
func (c *Config) UploadBackoffBase() time.Duration {
	return time.Duration(c.UploadBackoffBaseMS) * time.Millisecond
}

// WorkerPollInterval returns how long the idle upload worker sleeps between polls.
func (c *Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.WorkerPollIntervalMS) * time.Millisecond
}
