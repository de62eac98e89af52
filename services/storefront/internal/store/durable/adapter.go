package durable

import (
	"context"
	"fmt"

	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/store"
)

// ForUser binds the client to userID as a store.Adapter.
func (c *Client) ForUser(userID string) store.Adapter {
	return adapter{client: c, userID: userID}
}

type adapter struct {
	client *Client
	userID string
}

func (adapter) Mode() store.Mode { return store.ModeDurable }

func (a adapter) Load(ctx context.Context) (domain.Lines, error) {
	return a.client.Load(ctx, a.userID)
}

// Apply sends the single operation m describes; next is not needed because
// the cart service holds the cart.
func (a adapter) Apply(ctx context.Context, m store.Mutation, _ domain.Lines) error {
	switch m.Op {
	case store.OpAdd:
		return a.client.Add(ctx, a.userID, m.Line, m.Quantity)
	case store.OpSetQuantity:
		return a.client.SetQuantity(ctx, a.userID, m.ProductID, m.Quantity)
	case store.OpRemove:
		return a.client.Remove(ctx, a.userID, m.ProductID)
	case store.OpClear:
		return a.client.Clear(ctx, a.userID)
	default:
		return fmt.Errorf("unsupported cart operation %q", m.Op)
	}
}
