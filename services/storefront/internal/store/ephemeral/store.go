// Package ephemeral stores a guest cart for the lifetime of one browser
// session. Failures degrade to an empty cart and are never fatal.
package ephemeral

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/store"
)

const keyPrefix = "guest_cart:"

// Store is the guest cart of one session.
type Store struct {
	storage   Storage
	sessionID string
	logger    *slog.Logger
}

// NewStore creates the guest cart store for sessionID.
func NewStore(storage Storage, sessionID string, logger *slog.Logger) *Store {
	return &Store{
		storage:   storage,
		sessionID: sessionID,
		logger:    logger,
	}
}

func (s *Store) key() string { return keyPrefix + s.sessionID }

// Load returns the stored lines. Absent, corrupt, or unreachable storage
// all read as an empty cart.
func (s *Store) Load(ctx context.Context) domain.Lines {
	data, err := s.storage.Get(ctx, s.key())
	if err != nil {
		s.warn(ctx, "guest cart unreadable, treating as empty", apperrors.StorageUnavailable(err))
		return domain.Lines{}
	}
	if len(data) == 0 {
		return domain.Lines{}
	}

	var lines domain.Lines
	if err := json.Unmarshal(data, &lines); err != nil {
		s.warn(ctx, "guest cart corrupt, treating as empty", apperrors.StorageUnavailable(err))
		return domain.Lines{}
	}
	if err := lines.Validate(); err != nil {
		s.warn(ctx, "guest cart corrupt, treating as empty", apperrors.StorageUnavailable(err))
		return domain.Lines{}
	}
	return lines
}

// Save replaces the stored lines with a single write.
func (s *Store) Save(ctx context.Context, lines domain.Lines) error {
	if lines == nil {
		lines = domain.Lines{}
	}
	data, err := json.Marshal(lines)
	if err != nil {
		return fmt.Errorf("encode guest cart: %w", err)
	}
	if err := s.storage.Set(ctx, s.key(), data); err != nil {
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

// Clear removes the stored lines. Clearing an absent cart succeeds.
func (s *Store) Clear(ctx context.Context) error {
	if err := s.storage.Delete(ctx, s.key()); err != nil {
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

func (s *Store) warn(ctx context.Context, msg string, err error) {
	s.logger.WarnContext(ctx, msg,
		slog.String("session_id", s.sessionID),
		slog.String("error", err.Error()),
	)
}

// Adapter exposes the store as a store.Adapter.
func (s *Store) Adapter() store.Adapter {
	return adapter{s}
}

type adapter struct {
	s *Store
}

func (adapter) Mode() store.Mode { return store.ModeEphemeral }

func (a adapter) Load(ctx context.Context) (domain.Lines, error) {
	return a.s.Load(ctx), nil
}

// Apply writes next. A failed write is logged and swallowed: the in-memory
// cart stays correct for the session even when storage is down.
func (a adapter) Apply(ctx context.Context, _ store.Mutation, next domain.Lines) error {
	if err := a.s.Save(ctx, next); err != nil {
		a.s.warn(ctx, "guest cart write failed", err)
	}
	return nil
}
