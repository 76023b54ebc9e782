package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	return New(redis.NewClient(&redis.Options{Addr: mr.Addr()})), mr
}

func TestCache_LookupAndStore(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	keys := []string{GroupPrivacyKey("g1"), GroupPrivacyKey("g2")}
	found, err := c.Lookup(ctx, keys)
	require.NoError(t, err)
	assert.Empty(t, found)

	require.NoError(t, c.StoreAll(ctx, map[string]string{GroupPrivacyKey("g1"): "PRIVATE"}, time.Minute))

	found, err = c.Lookup(ctx, keys)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"feedsync:group:g1:privacy": "PRIVATE"}, found)

	mr.FastForward(2 * time.Minute)
	found, err = c.Lookup(ctx, keys)
	require.NoError(t, err)
	assert.Empty(t, found)
}

func TestCache_Invalidate(t *testing.T) {
	c, mr := setupCache(t)
	ctx := context.Background()

	require.NoError(t, c.StoreAll(ctx, map[string]string{GroupPrivacyKey("g1"): "PUBLIC"}, time.Minute))
	c.Invalidate(ctx, GroupPrivacyKey("g1"))
	assert.False(t, mr.Exists(GroupPrivacyKey("g1")))
}

func TestCache_DisabledIsNoop(t *testing.T) {
	ctx := context.Background()
	for name, c := range map[string]*Cache{"nil client": New(nil), "nil cache": nil} {
		t.Run(name, func(t *testing.T) {
			assert.False(t, c.Enabled())
			found, err := c.Lookup(ctx, []string{"k"})
			require.NoError(t, err)
			assert.Empty(t, found)
			assert.NoError(t, c.StoreAll(ctx, map[string]string{"k": "v"}, time.Minute))
			c.Invalidate(ctx, "k")
			assert.NoError(t, c.Close())
		})
	}
}

func TestConnect(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	c := Connect(context.Background(), "redis://"+mr.Addr())
	assert.True(t, c.Enabled())
	assert.NoError(t, c.Close())

	assert.False(t, Connect(context.Background(), "").Enabled())
	assert.False(t, Connect(context.Background(), "redis://%zz").Enabled())
}
