package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	pkgkafka "github.com/utafrali/cartsync/pkg/kafka"
	"github.com/utafrali/cartsync/services/cart/internal/domain"
)

// Kafka topics for cart domain events.
var (
	TopicCartUpdated = pkgkafka.Topic("cart", "updated")
	TopicCartCleared = pkgkafka.Topic("cart", "cleared")
	TopicCartMerged  = pkgkafka.Topic("cart", "merged")
)

// AggregateTypeCart is the aggregate type of all cart events.
const AggregateTypeCart = "cart"

// SourceCartService identifies events originating from the cart service.
const SourceCartService = "cart-service"

// MetadataMergeKey is the event metadata key holding a merge's idempotency key.
const MetadataMergeKey = "merge_key"

// CartUpdatedData is the payload for a cart.updated event.
type CartUpdatedData struct {
	UserID     string          `json:"user_id"`
	Lines      []LineData      `json:"lines"`
	ItemCount  int             `json:"item_count"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

// LineData is the line payload within cart events.
type LineData struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	Quantity  int             `json:"quantity"`
}

// CartClearedData is the payload for a cart.cleared event.
type CartClearedData struct {
	UserID string `json:"user_id"`
}

// CartMergedData is the payload for a cart.merged event, emitted when a
// guest cart was folded into the user's cart at login.
type CartMergedData struct {
	CartUpdatedData
	MergeKey    string `json:"merge_key"`
	MergedLines int    `json:"merged_lines"`
}

// Producer publishes cart domain events to Kafka.
type Producer struct {
	kafka  *pkgkafka.Producer
	logger *slog.Logger
}

// NewProducer creates a new event producer for the cart service.
func NewProducer(kafka *pkgkafka.Producer, logger *slog.Logger) *Producer {
	return &Producer{
		kafka:  kafka,
		logger: logger,
	}
}

// PublishCartUpdated publishes a cart.updated event.
func (p *Producer) PublishCartUpdated(ctx context.Context, cart *domain.Cart) error {
	event, err := cartEvent(ctx, TopicCartUpdated, cart, updatedData(cart))
	if err != nil {
		return err
	}
	return p.publish(ctx, TopicCartUpdated, cart, event)
}

// PublishCartCleared publishes a cart.cleared event.
func (p *Producer) PublishCartCleared(ctx context.Context, userID string) error {
	event, err := pkgkafka.NewEventFromContext(ctx, TopicCartCleared, userID, AggregateTypeCart, SourceCartService, CartClearedData{UserID: userID})
	if err != nil {
		return fmt.Errorf("create %s event: %w", TopicCartCleared, err)
	}
	if err := p.kafka.Publish(ctx, TopicCartCleared, event); err != nil {
		return fmt.Errorf("publish %s event: %w", TopicCartCleared, err)
	}
	return nil
}

// PublishCartMerged publishes a cart.merged event.
func (p *Producer) PublishCartMerged(ctx context.Context, cart *domain.Cart, mergeKey string, mergedLines int) error {
	event, err := mergedEvent(ctx, cart, mergeKey, mergedLines)
	if err != nil {
		return err
	}
	return p.publish(ctx, TopicCartMerged, cart, event)
}

// mergedEvent builds a cart.merged event. The merge key is also carried in
// the metadata so consumers can deduplicate without decoding the payload.
func mergedEvent(ctx context.Context, cart *domain.Cart, mergeKey string, mergedLines int) (*pkgkafka.Event, error) {
	data := CartMergedData{CartUpdatedData: updatedData(cart), MergeKey: mergeKey, MergedLines: mergedLines}
	event, err := cartEvent(ctx, TopicCartMerged, cart, data)
	if err != nil {
		return nil, err
	}
	return event.WithMetadata(MetadataMergeKey, mergeKey), nil
}

func cartEvent(ctx context.Context, topic string, cart *domain.Cart, data any) (*pkgkafka.Event, error) {
	event, err := pkgkafka.NewEventFromContext(ctx, topic, cart.UserID, AggregateTypeCart, SourceCartService, data)
	if err != nil {
		return nil, fmt.Errorf("create %s event: %w", topic, err)
	}
	return event.WithVersion(cart.Version), nil
}

func (p *Producer) publish(ctx context.Context, topic string, cart *domain.Cart, event *pkgkafka.Event) error {
	if err := p.kafka.Publish(ctx, topic, event); err != nil {
		return fmt.Errorf("publish %s event: %w", topic, err)
	}

	p.logger.DebugContext(ctx, "published cart event",
		slog.String("topic", topic),
		slog.String("user_id", cart.UserID),
		slog.Int("version", cart.Version),
	)
	return nil
}

func updatedData(cart *domain.Cart) CartUpdatedData {
	lines := make([]LineData, len(cart.Lines))
	for i, l := range cart.Lines {
		lines[i] = LineData{
			ProductID: l.ProductID,
			Name:      l.Name,
			UnitPrice: l.UnitPrice,
			Quantity:  l.Quantity,
		}
	}
	return CartUpdatedData{
		UserID:     cart.UserID,
		Lines:      lines,
		ItemCount:  cart.ItemCount(),
		TotalPrice: cart.TotalPrice(),
	}
}
