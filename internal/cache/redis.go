// Package cache provides the Redis read-through cache used by the page fetcher.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"feedsync/internal/observability"

	"github.com/redis/go-redis/v9"
)

// GroupPrivacyKeyPrefix namespaces cached group privacy values.
const GroupPrivacyKeyPrefix = "feedsync:group:%s:privacy"

// GroupPrivacyKey returns the cache key of a group's privacy value.
func GroupPrivacyKey(groupID string) string {
	return fmt.Sprintf(GroupPrivacyKeyPrefix, groupID)
}

type metricsHook struct{}

func (h metricsHook) DialHook(next redis.DialHook) redis.DialHook {
	return next
}

func (h metricsHook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		err := next(ctx, cmd)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues(cmd.Name()).Inc()
		}
		return err
	}
}

func (h metricsHook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		err := next(ctx, cmds)
		if err != nil && !errors.Is(err, redis.Nil) {
			observability.RedisErrors.WithLabelValues("pipeline").Inc()
		}
		return err
	}
}

// Cache wraps an optional Redis client. A Cache without a client misses every lookup
// and drops every write.
type Cache struct {
	client *redis.Client
}

// New wraps client, which may be nil.
func New(client *redis.Client) *Cache {
	if client != nil {
		client.AddHook(metricsHook{})
	}
	return &Cache{client: client}
}

// Connect dials Redis at addr (host:port or redis:// URL). Connection problems are logged
// and yield a disabled cache.
func Connect(ctx context.Context, addr string) *Cache {
	if strings.TrimSpace(addr) == "" {
		return New(nil)
	}

	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			observability.Logger.Warn("Invalid REDIS_URL, continuing without cache", slog.String("error", err.Error()))
			return New(nil)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		observability.Logger.Warn("Redis connection failed, continuing without cache", slog.String("error", err.Error()))
		_ = client.Close()
		return New(nil)
	}

	observability.Logger.Info("Redis connected successfully")
	return New(client)
}

// Client returns the underlying client, or nil when the cache is disabled.
func (c *Cache) Client() *redis.Client {
	if c == nil {
		return nil
	}
	return c.client
}

// Enabled reports whether a Redis client is configured.
func (c *Cache) Enabled() bool {
	return c.Client() != nil
}

// Lookup returns the cached string values for the keys that are present.
func (c *Cache) Lookup(ctx context.Context, keys []string) (map[string]string, error) {
	found := make(map[string]string, len(keys))
	if !c.Enabled() || len(keys) == 0 {
		return found, nil
	}

	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return found, err
	}
	for i, v := range values {
		if s, ok := v.(string); ok {
			found[keys[i]] = s
		}
	}
	return found, nil
}

// StoreAll writes all values with the same TTL in one round trip.
func (c *Cache) StoreAll(ctx context.Context, values map[string]string, ttl time.Duration) error {
	if !c.Enabled() || len(values) == 0 {
		return nil
	}
	_, err := c.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	return err
}

// Invalidate removes keys from the cache.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) {
	if !c.Enabled() || len(keys) == 0 {
		return
	}
	c.client.Del(ctx, keys...)
}

// Close releases the client.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}
