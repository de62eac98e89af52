package repository

import (
	"context"
	"errors"

	"github.com/utafrali/cartsync/services/cart/internal/domain"
)

// ErrMergeApplied is returned by SaveMerged when the merge key was already
// recorded for the user, i.e. the batch is a replay.
var ErrMergeApplied = errors.New("merge batch already applied")

// CartRepository defines the interface for cart persistence operations.
type CartRepository interface {
	// Get retrieves a cart by its user ID. A missing cart is ErrNotFound.
	Get(ctx context.Context, userID string) (*domain.Cart, error)

	// SaveIfVersion writes the cart only if the stored version still equals
	// expectedVersion (0 for a cart that does not exist yet). On success the
	// cart's Version is advanced. It reports false on a version conflict.
	SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error)

	// SaveMerged is SaveIfVersion plus recording mergeKey in the same
	// transaction, so a merge batch is applied at most once.
	SaveMerged(ctx context.Context, cart *domain.Cart, expectedVersion int, mergeKey string) (bool, error)

	// MergeApplied reports whether mergeKey was already recorded for the user.
	MergeApplied(ctx context.Context, userID, mergeKey string) (bool, error)

	// Delete removes a cart from the store by the user ID.
	Delete(ctx context.Context, userID string) error
}
