package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/services/cart/internal/domain"
	"github.com/utafrali/cartsync/services/cart/internal/repository"
)

func setupTestRedis(t *testing.T) (*CartRepository, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCartRepository(client, 24*time.Hour), mr
}

func sampleCart() *domain.Cart {
	now := time.Now().UTC().Truncate(time.Millisecond)
	return &domain.Cart{
		ID:     "cart-001",
		UserID: "user-001",
		Lines: []domain.Line{{
			ProductID: "p-1",
			Name:      "Linen shirt",
			UnitPrice: decimal.RequireFromString("19.90"),
			Quantity:  2,
			Available: true,
		}},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(24 * time.Hour),
	}
}

func TestCartRepository_Get_NotFound(t *testing.T) {
	repo, _ := setupTestRedis(t)

	got, err := repo.Get(context.Background(), "nobody")
	assert.Nil(t, got)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestCartRepository_Get_InvalidJSON(t *testing.T) {
	repo, mr := setupTestRedis(t)
	require.NoError(t, mr.Set("cart:user-bad", "{{not-json"))

	_, err := repo.Get(context.Background(), "user-bad")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal cart")
}

func TestCartRepository_SaveIfVersion_NewCart(t *testing.T) {
	repo, mr := setupTestRedis(t)
	cart := sampleCart()

	ok, err := repo.SaveIfVersion(context.Background(), cart, 0)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, cart.Version)

	raw, err := mr.Get("cart:user-001")
	require.NoError(t, err)
	var stored domain.Cart
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, 1, stored.Version)
	assert.True(t, stored.Lines[0].UnitPrice.Equal(decimal.RequireFromString("19.9")))

	ttl := mr.TTL("cart:user-001")
	assert.True(t, ttl > 23*time.Hour && ttl <= 24*time.Hour, "ttl %v", ttl)
}

func TestCartRepository_SaveIfVersion_RoundTrip(t *testing.T) {
	repo, _ := setupTestRedis(t)
	ctx := context.Background()
	cart := sampleCart()
	_, err := repo.SaveIfVersion(ctx, cart, 0)
	require.NoError(t, err)

	got, err := repo.Get(ctx, "user-001")
	require.NoError(t, err)
	got.Lines = append(got.Lines, domain.Line{ProductID: "p-2", Quantity: 1, UnitPrice: decimal.NewFromInt(5)})

	ok, err := repo.SaveIfVersion(ctx, got, 1)
	require.NoError(t, err)
	assert.True(t, ok)

	again, err := repo.Get(ctx, "user-001")
	require.NoError(t, err)
	assert.Equal(t, 2, again.Version)
	assert.Len(t, again.Lines, 2)
}

func TestCartRepository_SaveIfVersion_Conflict(t *testing.T) {
	repo, _ := setupTestRedis(t)
	ctx := context.Background()
	_, err := repo.SaveIfVersion(ctx, sampleCart(), 0)
	require.NoError(t, err)

	stale := sampleCart()
	ok, err := repo.SaveIfVersion(ctx, stale, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, stale.Version)
}

func TestCartRepository_SaveMerged_RecordsKeyOnce(t *testing.T) {
	repo, mr := setupTestRedis(t)
	ctx := context.Background()

	cart := sampleCart()
	ok, err := repo.SaveMerged(ctx, cart, 0, "merge-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("cart_merge:user-001:merge-1"))

	applied, err := repo.MergeApplied(ctx, "user-001", "merge-1")
	require.NoError(t, err)
	assert.True(t, applied)

	_, err = repo.SaveMerged(ctx, cart, cart.Version, "merge-1")
	assert.ErrorIs(t, err, repository.ErrMergeApplied)
}

func TestCartRepository_SaveMerged_RequiresKey(t *testing.T) {
	repo, _ := setupTestRedis(t)
	_, err := repo.SaveMerged(context.Background(), sampleCart(), 0, "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestCartRepository_Delete_KeepsMergeRecords(t *testing.T) {
	repo, mr := setupTestRedis(t)
	ctx := context.Background()
	_, err := repo.SaveMerged(ctx, sampleCart(), 0, "merge-1")
	require.NoError(t, err)

	require.NoError(t, repo.Delete(ctx, "user-001"))
	assert.False(t, mr.Exists("cart:user-001"))
	assert.True(t, mr.Exists("cart_merge:user-001:merge-1"))

	// Deleting a missing cart is not an error.
	assert.NoError(t, repo.Delete(ctx, "user-001"))
}

func TestCartRepository_RedisDown(t *testing.T) {
	repo, mr := setupTestRedis(t)
	mr.Close()

	_, err := repo.Get(context.Background(), "user-001")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrNotFound)

	_, err = repo.SaveIfVersion(context.Background(), sampleCart(), 0)
	assert.Error(t, err)
}
