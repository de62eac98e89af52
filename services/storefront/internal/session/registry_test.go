package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/store"
	"github.com/utafrali/cartsync/services/storefront/internal/store/ephemeral"
)

// fakeCartService keeps durable carts in memory and merges like the cart
// service: matching products are summed, new ones appended.
type fakeCartService struct {
	mu       sync.Mutex
	carts    map[string]domain.Lines
	mergeErr error
	merges   int
}

func newFakeCartService() *fakeCartService {
	return &fakeCartService{carts: make(map[string]domain.Lines)}
}

func (f *fakeCartService) ForUser(userID string) store.Adapter {
	return userAdapter{svc: f, userID: userID}
}

func (f *fakeCartService) Merge(_ context.Context, userID, _ string, lines domain.Lines) (domain.Lines, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.merges++
	if f.mergeErr != nil {
		return nil, f.mergeErr
	}
	cart := f.carts[userID]
	for _, l := range lines {
		p := domain.Product{ID: l.ProductID, Name: l.Name, UnitPrice: l.UnitPrice, Available: true, StockLimit: l.StockLimit}
		cart = cart.WithAdded(p, l.Quantity)
	}
	f.carts[userID] = cart
	return cart.Clone(), nil
}

type userAdapter struct {
	svc    *fakeCartService
	userID string
}

func (userAdapter) Mode() store.Mode { return store.ModeDurable }

func (a userAdapter) Load(context.Context) (domain.Lines, error) {
	a.svc.mu.Lock()
	defer a.svc.mu.Unlock()
	return a.svc.carts[a.userID].Clone(), nil
}

func (a userAdapter) Apply(_ context.Context, m store.Mutation, _ domain.Lines) error {
	a.svc.mu.Lock()
	defer a.svc.mu.Unlock()
	cart := a.svc.carts[a.userID]
	switch m.Op {
	case store.OpAdd:
		l := m.Line
		cart = cart.WithAdded(domain.Product{ID: l.ProductID, Name: l.Name, UnitPrice: l.UnitPrice, Available: true}, m.Quantity)
	case store.OpSetQuantity:
		cart = cart.WithQuantity(m.ProductID, m.Quantity)
	case store.OpRemove:
		cart = cart.Without(m.ProductID)
	case store.OpClear:
		cart = domain.Lines{}
	}
	a.svc.carts[a.userID] = cart
	return nil
}

func newTestRegistry(storage ephemeral.Storage, svc *fakeCartService) *Registry {
	return NewRegistry(storage, svc, Config{IdleTTL: time.Hour, RateLimit: 100, RateBurst: 100}, logger.Discard())
}

func shirt() domain.Product {
	return domain.Product{ID: "p1", Name: "Shirt", UnitPrice: decimal.RequireFromString("10"), Available: true}
}

func TestOpen_CreatesOnceAndReuses(t *testing.T) {
	reg := newTestRegistry(ephemeral.NewMemoryStorage(), newFakeCartService())
	ctx := context.Background()

	s1, created := reg.Open(ctx, "sess-1")
	require.True(t, created)
	s2, created := reg.Open(ctx, "sess-1")
	assert.False(t, created)
	assert.Same(t, s1, s2)

	_, created = reg.Open(ctx, "sess-2")
	assert.True(t, created)
	assert.Equal(t, 2, reg.Len())
	assert.Equal(t, domain.Anonymous(), s1.Tracker.Current())
}

func TestOpen_LoadsStoredGuestCart(t *testing.T) {
	storage := ephemeral.NewMemoryStorage()
	ctx := context.Background()
	stored := domain.Lines{}.WithAdded(shirt(), 2)
	require.NoError(t, ephemeral.NewStore(storage, "sess-1", logger.Discard()).Save(ctx, stored))

	s, _ := newTestRegistry(storage, newFakeCartService()).Open(ctx, "sess-1")
	assert.Equal(t, 2, s.Cart.QuantityOf("p1"))
}

func TestLoginMergesGuestCart(t *testing.T) {
	svc := newFakeCartService()
	svc.carts["u-1"] = domain.Lines{}.WithAdded(shirt(), 1).
		WithAdded(domain.Product{ID: "p2", Name: "Hat", UnitPrice: decimal.RequireFromString("4"), Available: true}, 1)
	reg := newTestRegistry(ephemeral.NewMemoryStorage(), svc)
	ctx := context.Background()

	s, _ := reg.Open(ctx, "sess-1")
	require.NoError(t, s.Cart.Add(ctx, shirt(), 2))
	assert.Equal(t, 2, s.Cart.QuantityOf("p1"))

	require.True(t, s.Tracker.Observe(ctx, domain.Authenticated("u-1")))

	assert.Empty(t, s.Guest.Load(ctx))
	assert.Equal(t, 3, s.Cart.QuantityOf("p1"))
	assert.Equal(t, 1, s.Cart.QuantityOf("p2"))
	assert.Equal(t, 1, svc.merges)
	assert.NoError(t, s.Cart.State().LastError)

	// Seeing the same user again must not merge again.
	assert.False(t, s.Tracker.Observe(ctx, domain.Authenticated("u-1")))
	assert.Equal(t, 1, svc.merges)
	assert.Equal(t, 3, s.Cart.QuantityOf("p1"))
}

func TestLoginMergeFailureThenRetry(t *testing.T) {
	svc := newFakeCartService()
	svc.mergeErr = apperrors.ServiceUnavailable("cart service unavailable")
	reg := newTestRegistry(ephemeral.NewMemoryStorage(), svc)
	ctx := context.Background()

	s, _ := reg.Open(ctx, "sess-1")
	require.NoError(t, s.Cart.Add(ctx, shirt(), 2))
	s.Tracker.Observe(ctx, domain.Authenticated("u-1"))

	state := s.Cart.State()
	assert.True(t, errors.Is(state.LastError, domain.ErrReconciliationFailed))
	assert.Equal(t, 2, s.Guest.Load(ctx).TotalItems())
	assert.True(t, s.Reconciler.Pending())

	svc.mu.Lock()
	svc.mergeErr = nil
	svc.mu.Unlock()

	outcome, ran := s.Reconciler.RetryPending(ctx, s.Tracker.Current())
	require.True(t, ran)
	assert.True(t, outcome.Success)
	assert.Equal(t, 1, outcome.MigratedCount)
	assert.Equal(t, 2, s.Cart.QuantityOf("p1"))
	assert.Empty(t, s.Guest.Load(ctx))
}

func TestLogoutShowsGuestCart(t *testing.T) {
	svc := newFakeCartService()
	reg := newTestRegistry(ephemeral.NewMemoryStorage(), svc)
	ctx := context.Background()

	s, _ := reg.Open(ctx, "sess-1")
	s.Tracker.Observe(ctx, domain.Authenticated("u-1"))
	require.NoError(t, s.Cart.Add(ctx, shirt(), 1))
	assert.Equal(t, 1, svc.carts["u-1"].TotalItems())

	s.Tracker.Observe(ctx, domain.Anonymous())
	assert.Empty(t, s.Cart.Lines())
	assert.Empty(t, s.Guest.Load(ctx))
}

func TestEvict_IdleSessionsOnly(t *testing.T) {
	storage := ephemeral.NewMemoryStorage()
	reg := newTestRegistry(storage, newFakeCartService())
	ctx := context.Background()

	now := time.Now()
	reg.nowFunc = func() time.Time { return now }

	idle, _ := reg.Open(ctx, "idle")
	require.NoError(t, idle.Cart.Add(ctx, shirt(), 1))

	now = now.Add(50 * time.Minute)
	reg.Open(ctx, "active")

	now = now.Add(20 * time.Minute)
	assert.Equal(t, 1, reg.Evict(ctx))
	assert.Equal(t, 1, reg.Len())

	assert.Empty(t, ephemeral.NewStore(storage, "idle", logger.Discard()).Load(ctx))
}

func TestAllow_RateLimited(t *testing.T) {
	reg := NewRegistry(ephemeral.NewMemoryStorage(), newFakeCartService(),
		Config{IdleTTL: time.Hour, RateLimit: 0.001, RateBurst: 2}, logger.Discard())

	s, _ := reg.Open(context.Background(), "sess-1")
	assert.True(t, s.Allow())
	assert.True(t, s.Allow())
	assert.False(t, s.Allow())
}

func TestRun_StopsWithContext(t *testing.T) {
	reg := newTestRegistry(ephemeral.NewMemoryStorage(), newFakeCartService())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		reg.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop")
	}
}
