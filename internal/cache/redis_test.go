package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/fjod/go_cart/marketplace/domain"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis, func()) {
	mr := miniredis.RunT(t)

	client := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	cache := NewRedisCache(client, 2*time.Minute)

	cleanup := func() {
		client.Close()
		mr.Close()
	}

	return cache, mr, cleanup
}

func sampleView(userID string) *domain.CartView {
	return &domain.CartView{
		UserID: userID,
		Items: []domain.CartLine{{
			ItemID:      1,
			ProductID:   3,
			ProductName: "Agaseke Basket",
			Quantity:    2,
			UnitPrice:   decimal.NewFromInt(25000),
			LineTotal:   decimal.NewFromInt(50000),
			InStock:     true,
		}},
		Unavailable: []domain.UnavailableLine{},
		Summary: domain.CartSummary{
			TotalItems: 2,
			Subtotal:   decimal.NewFromInt(50000),
			Tax:        decimal.NewFromInt(9000),
			Total:      decimal.NewFromInt(59000),
			Currency:   "RWF",
		},
	}
}

func TestSetThenGet(t *testing.T) {
	cache, _, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "user-1", 0, sampleView("user-1")))

	got, err := cache.Get(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	require.Len(t, got.Items, 1)
	assert.True(t, got.Summary.Total.Equal(decimal.NewFromInt(59000)))
}

func TestGet_CacheMiss(t *testing.T) {
	cache, _, cleanup := setupTestRedis(t)
	defer cleanup()

	result, err := cache.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrCacheMiss)
	assert.Nil(t, result)
}

func TestGet_InvalidJSON(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	require.NoError(t, mr.Set(cacheKey("user-1"), `{"user_id":`))

	_, err := cache.Get(context.Background(), "user-1")
	require.ErrorContains(t, err, "unmarshal cart failed")
}

func TestGet_RedisDown(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	mr.Close()

	_, err := cache.Get(context.Background(), "user-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrCacheMiss)
}

func TestSet_WithJitteredTTL(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()

	require.NoError(t, cache.Set(context.Background(), "user-2", 0, sampleView("user-2")))

	ttl := mr.TTL(cacheKey("user-2"))
	assert.GreaterOrEqual(t, ttl, 2*time.Minute)
	assert.Less(t, ttl, 2*time.Minute+30*time.Second)
}

func TestDelete(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, cache.Set(ctx, "user-3", 0, sampleView("user-3")))
	assert.True(t, mr.Exists(cacheKey("user-3")))

	require.NoError(t, cache.Delete(ctx, "user-3"))
	assert.False(t, mr.Exists(cacheKey("user-3")))

	assert.NoError(t, cache.Delete(ctx, "nonexistent"))
}

func TestSet_RefusedAfterInvalidation(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	ctx := context.Background()

	version, err := cache.Version(ctx, "user-4")
	require.NoError(t, err)
	assert.Zero(t, version)

	// a mutation invalidates while the old view is still being built
	require.NoError(t, cache.Delete(ctx, "user-4"))

	err = cache.Set(ctx, "user-4", version, sampleView("user-4"))
	assert.ErrorIs(t, err, ErrStaleVersion)
	assert.False(t, mr.Exists(cacheKey("user-4")))

	version, err = cache.Version(ctx, "user-4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
	require.NoError(t, cache.Set(ctx, "user-4", version, sampleView("user-4")))
	assert.True(t, mr.Exists(cacheKey("user-4")))
}

func TestVersion_RedisDown(t *testing.T) {
	cache, mr, cleanup := setupTestRedis(t)
	defer cleanup()
	mr.Close()

	_, err := cache.Version(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestCacheKey_Format(t *testing.T) {
	assert.Equal(t, "cart_view:test123", cacheKey("test123"))
}
