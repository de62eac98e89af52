package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/services/cart/internal/domain"
	"github.com/utafrali/cartsync/services/cart/internal/repository"
)

// Cart operation upper-bound limits to prevent abuse.
const (
	// MaxQuantityPerItem is the maximum quantity allowed for a single line.
	MaxQuantityPerItem = 100
	// MaxLinesPerCart is the maximum number of distinct products in a cart.
	MaxLinesPerCart = 50
	// maxSaveAttempts bounds retries after an optimistic-lock conflict.
	maxSaveAttempts = 3
)

// MaxUnitPrice is the highest unit price accepted for a line.
var MaxUnitPrice = decimal.NewFromInt(100_000)

// EventPublisher publishes cart domain events.
type EventPublisher interface {
	PublishCartUpdated(ctx context.Context, cart *domain.Cart) error
	PublishCartCleared(ctx context.Context, userID string) error
	PublishCartMerged(ctx context.Context, cart *domain.Cart, mergeKey string, mergedLines int) error
}

// AddItemInput holds the parameters for adding a product to the cart.
type AddItemInput struct {
	ProductID  string
	Name       string
	UnitPrice  decimal.Decimal
	Quantity   int
	ImageRef   string
	Category   string
	Available  bool
	StockLimit *int
}

// MergeResult describes the outcome of MergeLines.
type MergeResult struct {
	Cart *domain.Cart
	// Merged is the number of incoming lines folded into the cart.
	Merged int
	// Skipped lists the incoming products left out because the cart was full.
	Skipped []string
	// Replayed is true when the merge key had already been applied.
	Replayed bool
}

// CartService implements the business logic for cart operations.
type CartService struct {
	repo      repository.CartRepository
	publisher EventPublisher
	logger    *slog.Logger
	cartTTL   time.Duration
	now       func() time.Time
}

// NewCartService creates a new cart service.
func NewCartService(repo repository.CartRepository, publisher EventPublisher, logger *slog.Logger, cartTTL time.Duration) *CartService {
	return &CartService{
		repo:      repo,
		publisher: publisher,
		logger:    logger,
		cartTTL:   cartTTL,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// GetCart retrieves the cart for a user. If no cart exists, returns an empty cart.
func (s *CartService) GetCart(ctx context.Context, userID string) (*domain.Cart, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	return s.getOrCreateCart(ctx, userID)
}

// AddItem adds a product to the user's cart. An existing line for the same
// product has its quantity increased; the result is clamped to the stock limit.
func (s *CartService) AddItem(ctx context.Context, userID string, input AddItemInput) (*domain.Cart, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	line, err := lineFromInput(input)
	if err != nil {
		return nil, err
	}
	if !line.Available {
		return nil, apperrors.InvalidInput(fmt.Sprintf("product %s is not available", line.ProductID))
	}
	if line.StockLimit != nil && *line.StockLimit == 0 {
		return nil, apperrors.InvalidInput(fmt.Sprintf("product %s is out of stock", line.ProductID))
	}

	cart, _, err := s.mutate(ctx, userID, func(cart *domain.Cart) (bool, error) {
		if i := cart.FindLine(line.ProductID); i >= 0 {
			merged := line
			merged.Quantity = line.Clamp(cart.Lines[i].Quantity+line.Quantity, MaxQuantityPerItem)
			cart.Lines[i] = merged
			return true, nil
		}
		if len(cart.Lines) >= MaxLinesPerCart {
			return false, apperrors.InvalidInput(fmt.Sprintf("cart must not contain more than %d products", MaxLinesPerCart))
		}
		line.Quantity = line.Clamp(line.Quantity, MaxQuantityPerItem)
		cart.Lines = append(cart.Lines, line)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	s.publishUpdated(ctx, cart)
	s.logger.InfoContext(ctx, "item added to cart",
		slog.String("user_id", userID),
		slog.String("product_id", input.ProductID),
		slog.Int("quantity", input.Quantity),
	)
	return cart, nil
}

// SetQuantity sets the quantity of an existing line. Zero removes the line;
// a quantity above the line's stock limit is rejected.
func (s *CartService) SetQuantity(ctx context.Context, userID, productID string, quantity int) (*domain.Cart, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	if productID == "" {
		return nil, apperrors.InvalidInput("product id is required")
	}
	if quantity < 0 {
		return nil, apperrors.InvalidInput("quantity must not be negative")
	}
	if quantity > MaxQuantityPerItem {
		return nil, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	}

	cart, changed, err := s.mutate(ctx, userID, func(cart *domain.Cart) (bool, error) {
		i := cart.FindLine(productID)
		if i < 0 {
			return false, apperrors.NotFound("cart line", productID)
		}
		if quantity == 0 {
			cart.RemoveLine(i)
			return true, nil
		}
		if limit := cart.Lines[i].StockLimit; limit != nil && quantity > *limit {
			return false, apperrors.InvalidInput(fmt.Sprintf("only %d left in stock", *limit))
		}
		if cart.Lines[i].Quantity == quantity {
			return false, nil
		}
		cart.Lines[i].Quantity = quantity
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publishUpdated(ctx, cart)
		s.logger.InfoContext(ctx, "cart line quantity updated",
			slog.String("user_id", userID),
			slog.String("product_id", productID),
			slog.Int("quantity", quantity),
		)
	}
	return cart, nil
}

// RemoveItem removes a product's line. Removing an absent line is a no-op.
func (s *CartService) RemoveItem(ctx context.Context, userID, productID string) (*domain.Cart, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	if productID == "" {
		return nil, apperrors.InvalidInput("product id is required")
	}

	cart, changed, err := s.mutate(ctx, userID, func(cart *domain.Cart) (bool, error) {
		i := cart.FindLine(productID)
		if i < 0 {
			return false, nil
		}
		cart.RemoveLine(i)
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.publishUpdated(ctx, cart)
		s.logger.InfoContext(ctx, "item removed from cart",
			slog.String("user_id", userID),
			slog.String("product_id", productID),
		)
	}
	return cart, nil
}

// ClearCart removes all lines from the user's cart.
func (s *CartService) ClearCart(ctx context.Context, userID string) error {
	if userID == "" {
		return apperrors.InvalidInput("user id is required")
	}

	if err := s.repo.Delete(ctx, userID); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}

	if err := s.publisher.PublishCartCleared(ctx, userID); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish cart.cleared event",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "cart cleared", slog.String("user_id", userID))
	return nil
}

// MergeLines folds a batch of guest lines into the user's cart. Quantities of
// products already present are summed and clamped to stock; new products are
// appended in batch order until the cart is full; the rest are reported as
// skipped. Incoming quantities above the per-line cap are clamped. The batch
// is applied at most once per key: a replay returns the current cart
// unchanged.
func (s *CartService) MergeLines(ctx context.Context, userID, key string, lines []domain.Line) (*MergeResult, error) {
	if userID == "" {
		return nil, apperrors.InvalidInput("user id is required")
	}
	if key == "" {
		return nil, apperrors.InvalidInput("idempotency key is required")
	}
	incoming := make([]domain.Line, 0, len(lines))
	for _, l := range lines {
		l.Quantity = min(l.Quantity, MaxQuantityPerItem)
		line, err := lineFromInput(AddItemInput(l))
		if err != nil {
			return nil, err
		}
		incoming = append(incoming, line)
	}

	applied, err := s.repo.MergeApplied(ctx, userID, key)
	if err != nil {
		return nil, fmt.Errorf("check merge key: %w", err)
	}
	if applied {
		return s.replayed(ctx, userID, key)
	}

	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		cart, err := s.getOrCreateCart(ctx, userID)
		if err != nil {
			return nil, err
		}
		expected := cart.Version
		merged, skipped := s.mergeInto(cart, incoming)
		cart.Touch(s.now(), s.cartTTL)

		ok, err := s.repo.SaveMerged(ctx, cart, expected, key)
		if errors.Is(err, repository.ErrMergeApplied) {
			return s.replayed(ctx, userID, key)
		}
		if err != nil {
			return nil, fmt.Errorf("save merged cart: %w", err)
		}
		if !ok {
			continue
		}

		if err := s.publisher.PublishCartMerged(ctx, cart, key, merged); err != nil {
			s.logger.ErrorContext(ctx, "failed to publish cart.merged event",
				slog.String("user_id", userID),
				slog.String("error", err.Error()),
			)
		}
		if len(skipped) > 0 {
			s.logger.WarnContext(ctx, "merge lines skipped, cart is full",
				slog.String("user_id", userID),
				slog.String("merge_key", key),
				slog.Any("product_ids", skipped),
			)
		}
		s.logger.InfoContext(ctx, "guest cart merged",
			slog.String("user_id", userID),
			slog.String("merge_key", key),
			slog.Int("merged_lines", merged),
			slog.Int("skipped_lines", len(skipped)),
			slog.Int("line_count", len(cart.Lines)),
		)
		return &MergeResult{Cart: cart, Merged: merged, Skipped: skipped}, nil
	}

	return nil, apperrors.Conflict("cart was modified concurrently, please retry")
}

func (s *CartService) mergeInto(cart *domain.Cart, incoming []domain.Line) (int, []string) {
	merged := 0
	var skipped []string
	for _, line := range incoming {
		if i := cart.FindLine(line.ProductID); i >= 0 {
			existing := cart.Lines[i]
			if line.StockLimit == nil {
				line.StockLimit = existing.StockLimit
			}
			line.Quantity = line.Clamp(existing.Quantity+line.Quantity, MaxQuantityPerItem)
			if line.Quantity <= 0 {
				cart.RemoveLine(i)
				continue
			}
			cart.Lines[i] = line
			merged++
			continue
		}
		if len(cart.Lines) >= MaxLinesPerCart {
			skipped = append(skipped, line.ProductID)
			continue
		}
		line.Quantity = line.Clamp(line.Quantity, MaxQuantityPerItem)
		if line.Quantity <= 0 {
			continue
		}
		cart.Lines = append(cart.Lines, line)
		merged++
	}
	return merged, skipped
}

func (s *CartService) replayed(ctx context.Context, userID, key string) (*MergeResult, error) {
	s.logger.InfoContext(ctx, "merge batch replayed, ignoring",
		slog.String("user_id", userID),
		slog.String("merge_key", key),
	)
	cart, err := s.getOrCreateCart(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &MergeResult{Cart: cart, Replayed: true}, nil
}

// mutate loads the cart, applies fn and saves it with optimistic locking,
// retrying on version conflicts. It reports whether anything was written.
func (s *CartService) mutate(ctx context.Context, userID string, fn func(cart *domain.Cart) (bool, error)) (*domain.Cart, bool, error) {
	for attempt := 0; attempt < maxSaveAttempts; attempt++ {
		cart, err := s.getOrCreateCart(ctx, userID)
		if err != nil {
			return nil, false, err
		}
		expected := cart.Version

		changed, err := fn(cart)
		if err != nil {
			return nil, false, err
		}
		if !changed {
			return cart, false, nil
		}
		cart.Touch(s.now(), s.cartTTL)

		ok, err := s.repo.SaveIfVersion(ctx, cart, expected)
		if err != nil {
			return nil, false, fmt.Errorf("save cart: %w", err)
		}
		if ok {
			return cart, true, nil
		}
		s.logger.DebugContext(ctx, "cart version conflict, retrying",
			slog.String("user_id", userID),
			slog.Int("attempt", attempt+1),
		)
	}
	return nil, false, apperrors.Conflict("cart was modified concurrently, please retry")
}

func (s *CartService) publishUpdated(ctx context.Context, cart *domain.Cart) {
	if err := s.publisher.PublishCartUpdated(ctx, cart); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish cart.updated event",
			slog.String("user_id", cart.UserID),
			slog.String("error", err.Error()),
		)
	}
}

// getOrCreateCart retrieves the cart for a user, creating an empty one if it does not exist.
func (s *CartService) getOrCreateCart(ctx context.Context, userID string) (*domain.Cart, error) {
	cart, err := s.repo.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return s.newEmptyCart(userID), nil
		}
		return nil, fmt.Errorf("get cart: %w", err)
	}
	return cart, nil
}

// newEmptyCart creates a new empty cart for the given user.
func (s *CartService) newEmptyCart(userID string) *domain.Cart {
	now := s.now()
	return &domain.Cart{
		ID:        uuid.New().String(),
		UserID:    userID,
		Lines:     []domain.Line{},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(s.cartTTL),
	}
}

func lineFromInput(in AddItemInput) (domain.Line, error) {
	switch {
	case in.ProductID == "":
		return domain.Line{}, apperrors.InvalidInput("product id is required")
	case in.Quantity <= 0:
		return domain.Line{}, apperrors.InvalidInput("quantity must be greater than 0")
	case in.Quantity > MaxQuantityPerItem:
		return domain.Line{}, apperrors.InvalidInput(fmt.Sprintf("quantity must not exceed %d", MaxQuantityPerItem))
	case in.UnitPrice.IsNegative():
		return domain.Line{}, apperrors.InvalidInput("unit price must not be negative")
	case in.UnitPrice.GreaterThan(MaxUnitPrice):
		return domain.Line{}, apperrors.InvalidInput(fmt.Sprintf("unit price must not exceed %s", MaxUnitPrice))
	case in.StockLimit != nil && *in.StockLimit < 0:
		return domain.Line{}, apperrors.InvalidInput("stock limit must not be negative")
	}
	return domain.Line(in), nil
}
