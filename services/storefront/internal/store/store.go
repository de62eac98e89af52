// Package store defines the capability both cart backends implement and the
// single place where the backend for an identity is chosen.
package store

import (
	"context"

	"github.com/utafrali/cartsync/services/storefront/internal/domain"
)

// Mode names a backend.
type Mode string

const (
	ModeEphemeral Mode = "ephemeral"
	ModeDurable   Mode = "durable"
)

// Op is the kind of change a Mutation carries.
type Op string

const (
	OpAdd         Op = "add"
	OpRemove      Op = "remove"
	OpSetQuantity Op = "set_quantity"
	OpClear       Op = "clear"
)

// Mutation is one cart change to persist. For OpAdd, Quantity is the amount
// added and Line holds the catalog fields; for OpSetQuantity it is the new
// absolute quantity.
type Mutation struct {
	Op        Op
	ProductID string
	Quantity  int
	Line      domain.CartLine
}

// Adapter persists a cart. Adapters hold no cart state of their own.
type Adapter interface {
	Mode() Mode
	// Load returns the stored lines.
	Load(ctx context.Context) (domain.Lines, error)
	// Apply persists m. next is the full cart after m, for backends that
	// store the whole list.
	Apply(ctx context.Context, m Mutation, next domain.Lines) error
}

// Selector picks the adapter for an identity.
type Selector struct {
	Ephemeral Adapter
	Durable   func(userID string) Adapter
}

// For returns the durable adapter for an authenticated identity and the
// ephemeral one otherwise.
func (s Selector) For(id domain.Identity) Adapter {
	if id.IsAuthenticated() {
		return s.Durable(id.UserID())
	}
	return s.Ephemeral
}
