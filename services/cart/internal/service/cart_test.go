package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/services/cart/internal/domain"
	"github.com/utafrali/cartsync/services/cart/internal/repository"
)

// --- Mocks ---

type mockCartRepository struct {
	mock.Mock
}

func (m *mockCartRepository) Get(ctx context.Context, userID string) (*domain.Cart, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Cart), args.Error(1)
}

func (m *mockCartRepository) SaveIfVersion(ctx context.Context, cart *domain.Cart, expectedVersion int) (bool, error) {
	args := m.Called(ctx, cart, expectedVersion)
	return args.Bool(0), args.Error(1)
}

func (m *mockCartRepository) SaveMerged(ctx context.Context, cart *domain.Cart, expectedVersion int, key string) (bool, error) {
	args := m.Called(ctx, cart, expectedVersion, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockCartRepository) MergeApplied(ctx context.Context, userID, key string) (bool, error) {
	args := m.Called(ctx, userID, key)
	return args.Bool(0), args.Error(1)
}

func (m *mockCartRepository) Delete(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) PublishCartUpdated(ctx context.Context, cart *domain.Cart) error {
	return m.Called(ctx, cart).Error(0)
}

func (m *mockPublisher) PublishCartCleared(ctx context.Context, userID string) error {
	return m.Called(ctx, userID).Error(0)
}

func (m *mockPublisher) PublishCartMerged(ctx context.Context, cart *domain.Cart, key string, merged int) error {
	return m.Called(ctx, cart, key, merged).Error(0)
}

// --- Helpers ---

var anyCart = mock.AnythingOfType("*domain.Cart")

func intPtr(v int) *int { return &v }

func newTestService() (*CartService, *mockCartRepository, *mockPublisher) {
	repo := new(mockCartRepository)
	pub := new(mockPublisher)
	return NewCartService(repo, pub, logger.Discard(), 7*24*time.Hour), repo, pub
}

func cartWith(lines ...domain.Line) *domain.Cart {
	now := time.Now().UTC()
	return &domain.Cart{
		ID:        "cart-123",
		UserID:    "user-1",
		Lines:     lines,
		Version:   3,
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}
}

func shirt(qty int) domain.Line {
	return domain.Line{ProductID: "p-1", Name: "Linen shirt", UnitPrice: decimal.NewFromInt(10), Quantity: qty, Available: true}
}

func addInput(productID string, qty int) AddItemInput {
	return AddItemInput{ProductID: productID, Name: "Item " + productID, UnitPrice: decimal.NewFromInt(10), Quantity: qty, Available: true}
}

func notFound() error { return apperrors.NotFound("cart", "user-1") }

// --- GetCart ---

func TestGetCart_EmptyWhenMissing(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(nil, notFound())

	cart, err := svc.GetCart(ctx, "user-1")
	require.NoError(t, err)
	assert.NotEmpty(t, cart.ID)
	assert.Equal(t, "user-1", cart.UserID)
	assert.NotNil(t, cart.Lines)
	assert.Empty(t, cart.Lines)
	assert.Equal(t, 0, cart.Version)
}

func TestGetCart_RequiresUser(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.GetCart(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestGetCart_RepositoryFailure(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(nil, fmt.Errorf("redis down"))

	_, err := svc.GetCart(ctx, "user-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperrors.ErrNotFound)
}

// --- AddItem ---

func TestAddItem_NewLine(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(nil, notFound())
	repo.On("SaveIfVersion", ctx, anyCart, 0).Return(true, nil)
	pub.On("PublishCartUpdated", ctx, anyCart).Return(nil)

	in := addInput("p-1", 2)
	in.ImageRef = "img/p-1.jpg"
	cart, err := svc.AddItem(ctx, "user-1", in)

	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, "p-1", cart.Lines[0].ProductID)
	assert.Equal(t, 2, cart.Lines[0].Quantity)
	assert.Equal(t, "img/p-1.jpg", cart.Lines[0].ImageRef)
	repo.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestAddItem_MergesExistingLine(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)
	repo.On("SaveIfVersion", ctx, anyCart, 3).Return(true, nil)
	pub.On("PublishCartUpdated", ctx, anyCart).Return(nil)

	cart, err := svc.AddItem(ctx, "user-1", addInput("p-1", 3))

	require.NoError(t, err)
	require.Len(t, cart.Lines, 1)
	assert.Equal(t, 5, cart.Lines[0].Quantity)
}

func TestAddItem_ClampsToStockLimit(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)
	repo.On("SaveIfVersion", ctx, anyCart, 3).Return(true, nil)
	pub.On("PublishCartUpdated", ctx, anyCart).Return(nil)

	in := addInput("p-1", 5)
	in.StockLimit = intPtr(4)
	cart, err := svc.AddItem(ctx, "user-1", in)

	require.NoError(t, err)
	assert.Equal(t, 4, cart.Lines[0].Quantity)
}

func TestAddItem_Validation(t *testing.T) {
	unavailable := addInput("p-1", 1)
	unavailable.Available = false
	outOfStock := addInput("p-1", 1)
	outOfStock.StockLimit = intPtr(0)
	negative := addInput("p-1", 1)
	negative.UnitPrice = decimal.NewFromInt(-1)

	tests := []struct {
		name  string
		input AddItemInput
		msg   string
	}{
		{"missing product", addInput("", 1), "product id is required"},
		{"zero quantity", addInput("p-1", 0), "quantity must be greater than 0"},
		{"too many", addInput("p-1", MaxQuantityPerItem+1), "quantity must not exceed 100"},
		{"negative price", negative, "unit price must not be negative"},
		{"unavailable", unavailable, "product p-1 is not available"},
		{"out of stock", outOfStock, "product p-1 is out of stock"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, repo, _ := newTestService()
			_, err := svc.AddItem(context.Background(), "user-1", tt.input)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
			assert.Equal(t, tt.msg, apperrors.Message(err))
			repo.AssertNotCalled(t, "Get", mock.Anything, mock.Anything)
		})
	}
}

func TestAddItem_CartFull(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	lines := make([]domain.Line, MaxLinesPerCart)
	for i := range lines {
		lines[i] = domain.Line{ProductID: fmt.Sprintf("p-%d", i), Quantity: 1}
	}
	repo.On("Get", ctx, "user-1").Return(cartWith(lines...), nil)

	_, err := svc.AddItem(ctx, "user-1", addInput("new", 1))
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	repo.AssertNotCalled(t, "SaveIfVersion", mock.Anything, mock.Anything, mock.Anything)
}

func TestAddItem_RetriesOnVersionConflict(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(nil, notFound())
	repo.On("SaveIfVersion", ctx, anyCart, 0).Return(false, nil).Once()
	repo.On("SaveIfVersion", ctx, anyCart, 0).Return(true, nil).Once()
	pub.On("PublishCartUpdated", ctx, anyCart).Return(nil)

	_, err := svc.AddItem(ctx, "user-1", addInput("p-1", 1))
	require.NoError(t, err)
	repo.AssertNumberOfCalls(t, "SaveIfVersion", 2)
}

func TestAddItem_ConflictAfterRetries(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(nil, notFound())
	repo.On("SaveIfVersion", ctx, anyCart, 0).Return(false, nil)

	_, err := svc.AddItem(ctx, "user-1", addInput("p-1", 1))
	assert.ErrorIs(t, err, apperrors.ErrConflict)
	repo.AssertNumberOfCalls(t, "SaveIfVersion", maxSaveAttempts)
}

func TestAddItem_PublishFailureIsNotFatal(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(nil, notFound())
	repo.On("SaveIfVersion", ctx, anyCart, 0).Return(true, nil)
	pub.On("PublishCartUpdated", ctx, anyCart).Return(fmt.Errorf("broker down"))

	_, err := svc.AddItem(ctx, "user-1", addInput("p-1", 1))
	assert.NoError(t, err)
}

// --- SetQuantity ---

func TestSetQuantity_Updates(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)
	repo.On("SaveIfVersion", ctx, anyCart, 3).Return(true, nil)
	pub.On("PublishCartUpdated", ctx, anyCart).Return(nil)

	cart, err := svc.SetQuantity(ctx, "user-1", "p-1", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, cart.Lines[0].Quantity)
}

func TestSetQuantity_ZeroRemoves(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)
	repo.On("SaveIfVersion", ctx, anyCart, 3).Return(true, nil)
	pub.On("PublishCartUpdated", ctx, anyCart).Return(nil)

	cart, err := svc.SetQuantity(ctx, "user-1", "p-1", 0)
	require.NoError(t, err)
	assert.Empty(t, cart.Lines)
}

func TestSetQuantity_ExceedsStock(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	line := shirt(2)
	line.StockLimit = intPtr(3)
	repo.On("Get", ctx, "user-1").Return(cartWith(line), nil)

	_, err := svc.SetQuantity(ctx, "user-1", "p-1", 5)
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, "only 3 left in stock", apperrors.Message(err))
	repo.AssertNotCalled(t, "SaveIfVersion", mock.Anything, mock.Anything, mock.Anything)
}

func TestSetQuantity_MissingLine(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)

	_, err := svc.SetQuantity(ctx, "user-1", "p-9", 1)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestSetQuantity_Negative(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.SetQuantity(context.Background(), "user-1", "p-1", -1)
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestSetQuantity_UnchangedSkipsWrite(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)

	cart, err := svc.SetQuantity(ctx, "user-1", "p-1", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, cart.Lines[0].Quantity)
	repo.AssertNotCalled(t, "SaveIfVersion", mock.Anything, mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "PublishCartUpdated", mock.Anything, mock.Anything)
}

// --- RemoveItem ---

func TestRemoveItem_Removes(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	other := domain.Line{ProductID: "p-2", Quantity: 1}
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2), other), nil)
	repo.On("SaveIfVersion", ctx, anyCart, 3).Return(true, nil)
	pub.On("PublishCartUpdated", ctx, anyCart).Return(nil)

	cart, err := svc.RemoveItem(ctx, "user-1", "p-1")
	require.NoError(t, err)
	assert.Equal(t, []domain.Line{other}, cart.Lines)
}

func TestRemoveItem_AbsentIsNoop(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)

	cart, err := svc.RemoveItem(ctx, "user-1", "p-9")
	require.NoError(t, err)
	assert.Len(t, cart.Lines, 1)
	repo.AssertNotCalled(t, "SaveIfVersion", mock.Anything, mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "PublishCartUpdated", mock.Anything, mock.Anything)
}

// --- ClearCart ---

func TestClearCart(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Delete", ctx, "user-1").Return(nil)
	pub.On("PublishCartCleared", ctx, "user-1").Return(nil)

	require.NoError(t, svc.ClearCart(ctx, "user-1"))
	repo.AssertExpectations(t)
	pub.AssertExpectations(t)
}

func TestClearCart_RepositoryFailure(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("Delete", ctx, "user-1").Return(fmt.Errorf("redis down"))

	assert.Error(t, svc.ClearCart(ctx, "user-1"))
	pub.AssertNotCalled(t, "PublishCartCleared", mock.Anything, mock.Anything)
}

// --- MergeLines ---

func TestMergeLines_SumsAndAppends(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("MergeApplied", ctx, "user-1", "k1").Return(false, nil)
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)
	repo.On("SaveMerged", ctx, anyCart, 3, "k1").Return(true, nil)
	pub.On("PublishCartMerged", ctx, anyCart, "k1", 2).Return(nil)

	res, err := svc.MergeLines(ctx, "user-1", "k1", []domain.Line{
		shirt(3),
		{ProductID: "p-2", Name: "Cap", UnitPrice: decimal.NewFromInt(5), Quantity: 1, Available: true},
	})

	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, 2, res.Merged)
	require.Len(t, res.Cart.Lines, 2)
	assert.Equal(t, 5, res.Cart.Lines[0].Quantity)
	assert.Equal(t, "p-2", res.Cart.Lines[1].ProductID)
	pub.AssertExpectations(t)
}

func TestMergeLines_KeepsExistingStockLimit(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	existing := shirt(2)
	existing.StockLimit = intPtr(3)
	repo.On("MergeApplied", ctx, "user-1", "k1").Return(false, nil)
	repo.On("Get", ctx, "user-1").Return(cartWith(existing), nil)
	repo.On("SaveMerged", ctx, anyCart, 3, "k1").Return(true, nil)
	pub.On("PublishCartMerged", ctx, anyCart, "k1", 1).Return(nil)

	res, err := svc.MergeLines(ctx, "user-1", "k1", []domain.Line{shirt(4)})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Cart.Lines[0].Quantity)
}

func TestMergeLines_ReplayReturnsCurrentCart(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("MergeApplied", ctx, "user-1", "k1").Return(true, nil)
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(5)), nil)

	res, err := svc.MergeLines(ctx, "user-1", "k1", []domain.Line{shirt(3)})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, 5, res.Cart.Lines[0].Quantity)
	repo.AssertNotCalled(t, "SaveMerged", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	pub.AssertNotCalled(t, "PublishCartMerged", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestMergeLines_ReplayDetectedAtSave(t *testing.T) {
	svc, repo, _ := newTestService()
	ctx := context.Background()
	repo.On("MergeApplied", ctx, "user-1", "k1").Return(false, nil)
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(2)), nil)
	repo.On("SaveMerged", ctx, anyCart, 3, "k1").Return(false, repository.ErrMergeApplied)

	res, err := svc.MergeLines(ctx, "user-1", "k1", []domain.Line{shirt(3)})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
}

func TestMergeLines_RequiresKey(t *testing.T) {
	svc, _, _ := newTestService()
	_, err := svc.MergeLines(context.Background(), "user-1", "", []domain.Line{shirt(1)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
}

func TestMergeLines_RejectsInvalidLine(t *testing.T) {
	svc, repo, _ := newTestService()
	_, err := svc.MergeLines(context.Background(), "user-1", "k1", []domain.Line{shirt(0)})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	repo.AssertNotCalled(t, "MergeApplied", mock.Anything, mock.Anything, mock.Anything)
}

func TestMergeLines_ReportsSkippedAndDropsOutOfStock(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	lines := make([]domain.Line, MaxLinesPerCart)
	for i := range lines {
		lines[i] = domain.Line{ProductID: fmt.Sprintf("p-%d", i+10), Quantity: 1}
	}
	soldOut := domain.Line{ProductID: "p-10", Quantity: 1, StockLimit: intPtr(0)}
	repo.On("MergeApplied", ctx, "user-1", "k1").Return(false, nil)
	repo.On("Get", ctx, "user-1").Return(cartWith(lines...), nil)
	repo.On("SaveMerged", ctx, anyCart, 3, "k1").Return(true, nil)
	pub.On("PublishCartMerged", ctx, anyCart, "k1", 0).Return(nil)

	res, err := svc.MergeLines(ctx, "user-1", "k1", []domain.Line{shirt(1), soldOut})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Merged)
	assert.Equal(t, []string{"p-1"}, res.Skipped)
	assert.Equal(t, -1, res.Cart.FindLine("p-1"))
	assert.Equal(t, -1, res.Cart.FindLine("p-10"))
}

func TestMergeLines_ClampsQuantityAboveCap(t *testing.T) {
	svc, repo, pub := newTestService()
	ctx := context.Background()
	repo.On("MergeApplied", ctx, "user-1", "k1").Return(false, nil)
	repo.On("Get", ctx, "user-1").Return(cartWith(shirt(60)), nil)
	repo.On("SaveMerged", ctx, anyCart, 3, "k1").Return(true, nil)
	pub.On("PublishCartMerged", ctx, anyCart, "k1", 2).Return(nil)

	res, err := svc.MergeLines(ctx, "user-1", "k1", []domain.Line{
		shirt(MaxQuantityPerItem + 20),
		{ProductID: "p-2", Name: "Cap", UnitPrice: decimal.NewFromInt(5), Quantity: 250, Available: true},
	})

	require.NoError(t, err)
	assert.Empty(t, res.Skipped)
	require.Len(t, res.Cart.Lines, 2)
	assert.Equal(t, MaxQuantityPerItem, res.Cart.Lines[0].Quantity)
	assert.Equal(t, MaxQuantityPerItem, res.Cart.Lines[1].Quantity)
}
