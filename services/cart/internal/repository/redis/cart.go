package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/services/cart/internal/domain"
	"github.com/utafrali/cartsync/services/cart/internal/repository"
)

const (
	keyPrefix      = "cart:"
	mergeKeyPrefix = "cart_merge:"
)

// CartRepository implements repository.CartRepository using Redis. Writes use
// WATCH/MULTI so a concurrent writer turns into a version conflict instead of
// a lost update.
type CartRepository struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ repository.CartRepository = (*CartRepository)(nil)

// NewCartRepository creates a new Redis-backed cart repository.
func NewCartRepository(client redis.UniversalClient, ttl time.Duration) *CartRepository {
	return &CartRepository{
		client: client,
		ttl:    ttl,
	}
}

func cartKey(userID string) string { return keyPrefix + userID }

func mergeKey(userID, key string) string { return mergeKeyPrefix + userID + ":" + key }

// Get retrieves a cart by user ID from Redis.
func (r *CartRepository) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	data, err := r.client.Get(ctx, cartKey(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("cart", userID)
		}
		return nil, fmt.Errorf("redis get cart: %w", err)
	}
	return decodeCart(data)
}

// SaveIfVersion persists the cart if the stored version matches.
func (r *CartRepository) SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error) {
	return r.save(ctx, cart, expectedVersion, "")
}

// SaveMerged persists the cart and records the merge key atomically.
func (r *CartRepository) SaveMerged(ctx context.Context, cart *domain.Cart, expectedVersion int, key string) (bool, error) {
	if key == "" {
		return false, apperrors.InvalidInput("merge key is required")
	}
	return r.save(ctx, cart, expectedVersion, key)
}

// MergeApplied reports whether the merge key has been recorded.
func (r *CartRepository) MergeApplied(ctx context.Context, userID, key string) (bool, error) {
	n, err := r.client.Exists(ctx, mergeKey(userID, key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists merge key: %w", err)
	}
	return n > 0, nil
}

func (r *CartRepository) save(ctx context.Context, cart *domain.Cart, expectedVersion int, merge string) (bool, error) {
	ck := cartKey(cart.UserID)
	watched := []string{ck}
	var mk string
	if merge != "" {
		mk = mergeKey(cart.UserID, merge)
		watched = append(watched, mk)
	}

	saved := false
	txf := func(tx *redis.Tx) error {
		current, err := storedVersion(ctx, tx, ck)
		if err != nil {
			return err
		}
		if current != expectedVersion {
			return nil
		}
		if mk != "" {
			n, err := tx.Exists(ctx, mk).Result()
			if err != nil {
				return fmt.Errorf("redis exists merge key: %w", err)
			}
			if n > 0 {
				return repository.ErrMergeApplied
			}
		}

		next := *cart
		next.Version = expectedVersion + 1
		data, err := json.Marshal(&next)
		if err != nil {
			return fmt.Errorf("marshal cart: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, ck, data, r.ttl)
			if mk != "" {
				pipe.Set(ctx, mk, "1", r.ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		cart.Version = next.Version
		saved = true
		return nil
	}

	err := r.client.Watch(ctx, txf, watched...)
	switch {
	case errors.Is(err, redis.TxFailedErr):
		return false, nil
	case errors.Is(err, repository.ErrMergeApplied):
		return false, err
	case err != nil:
		return false, fmt.Errorf("redis save cart: %w", err)
	}
	return saved, nil
}

// Delete removes a cart from Redis by user ID. Merge records are kept so a
// late replay of a batch does not resurrect lines into the cleared cart.
func (r *CartRepository) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, cartKey(userID)).Err(); err != nil {
		return fmt.Errorf("redis del cart: %w", err)
	}
	return nil
}

func storedVersion(ctx context.Context, tx *redis.Tx, key string) (int, error) {
	data, err := tx.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis get cart: %w", err)
	}
	var head struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return 0, fmt.Errorf("unmarshal cart version: %w", err)
	}
	return head.Version, nil
}

func decodeCart(data []byte) (*domain.Cart, error) {
	var cart domain.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("unmarshal cart: %w", err)
	}
	if cart.Lines == nil {
		cart.Lines = []domain.Line{}
	}
	return &cart, nil
}
