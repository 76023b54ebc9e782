package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := CheckRateLimit(ctx, rdb, "create_post", "user:u1", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, allowed)
	}
	allowed, err := CheckRateLimit(ctx, rdb, "create_post", "user:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = CheckRateLimit(ctx, rdb, "create_post", "user:u2", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "limits are per user")

	mr.FastForward(time.Minute + time.Second)
	allowed, err = CheckRateLimit(ctx, rdb, "create_post", "user:u1", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, allowed, "window expired")

	_, err = CheckRateLimit(ctx, nil, "create_post", "user:u1", 2, time.Minute)
	assert.Error(t, err)
}

func TestRateLimit(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	tests := []struct {
		name     string
		client   *redis.Client
		statuses []int
	}{
		{"limited", rdb, []int{http.StatusOK, http.StatusTooManyRequests}},
		{"no redis lets everything through", nil, []int{http.StatusOK, http.StatusOK}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mr.FlushAll()
			app := fiber.New()
			app.Post("/posts", func(c *fiber.Ctx) error {
				c.Locals(UserIDLocal, "u1")
				return c.Next()
			}, RateLimit(tt.client, 1, time.Minute, "create_post"), func(c *fiber.Ctx) error {
				return c.SendStatus(http.StatusOK)
			})

			for _, want := range tt.statuses {
				resp, err := app.Test(httptest.NewRequest(http.MethodPost, "/posts", nil))
				require.NoError(t, err)
				_ = resp.Body.Close()
				assert.Equal(t, want, resp.StatusCode)
			}
		})
	}
}
