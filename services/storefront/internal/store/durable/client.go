// Package durable talks to the cart service, which holds the carts of
// authenticated users. Every failure comes back as a ServiceUnavailable or
// InvalidInput AppError; a response that is not a well-formed cart is a
// failure, never an empty cart.
package durable

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/httpclient"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/pkg/middleware"
	"github.com/utafrali/cartsync/services/storefront/internal/domain"
)

const (
	serviceName   = "cart-service"
	genericReason = "cart service unavailable"
	maxBodyBytes  = 1 << 20
	tracerName    = "github.com/utafrali/cartsync/services/storefront/durable"
)

// HTTPDoer executes HTTP requests.
// Both httpclient.Client and httpclient.CircuitBreakerClient satisfy this.
type HTTPDoer interface {
	Do(ctx context.Context, req *http.Request) (*http.Response, error)
}

// CircuitOpenFallback answers for the cart service while its breaker is open.
func CircuitOpenFallback(_ context.Context, _ error) (*http.Response, error) {
	return nil, apperrors.ServiceUnavailable("cart service is temporarily unavailable, please retry shortly")
}

// Client calls the cart service REST API on behalf of a user.
type Client struct {
	http    HTTPDoer
	baseURL string
	logger  *slog.Logger
}

// NewClient creates a cart service client rooted at baseURL.
func NewClient(doer HTTPDoer, baseURL string, logger *slog.Logger) *Client {
	return &Client{
		http:    doer,
		baseURL: strings.TrimRight(baseURL, "/"),
		logger:  logger,
	}
}

type lineRequest struct {
	ProductID  string          `json:"product_id"`
	Name       string          `json:"name"`
	UnitPrice  decimal.Decimal `json:"unit_price"`
	Quantity   int             `json:"quantity"`
	ImageRef   string          `json:"image_ref,omitempty"`
	Category   string          `json:"category,omitempty"`
	Available  bool            `json:"available"`
	StockLimit *int            `json:"stock_limit,omitempty"`
}

func toLineRequest(l domain.CartLine, qty int) lineRequest {
	return lineRequest{
		ProductID:  l.ProductID,
		Name:       l.Name,
		UnitPrice:  l.UnitPrice,
		Quantity:   qty,
		ImageRef:   l.ImageRef,
		Category:   l.Category,
		Available:  l.Available,
		StockLimit: l.StockLimit,
	}
}

// cartEnvelope is the success envelope of every cart service endpoint.
type cartEnvelope struct {
	Data *struct {
		Lines *domain.Lines `json:"lines"`
	} `json:"data"`
}

// Load returns the user's cart.
func (c *Client) Load(ctx context.Context, userID string) (domain.Lines, error) {
	return c.do(ctx, "load", http.MethodGet, "/api/v1/cart", userID, nil, "")
}

// Add adds qty of line's product to the user's cart.
func (c *Client) Add(ctx context.Context, userID string, line domain.CartLine, qty int) error {
	_, err := c.do(ctx, "add", http.MethodPost, "/api/v1/cart/items", userID, toLineRequest(line, qty), "")
	return err
}

// Remove deletes productID's line.
func (c *Client) Remove(ctx context.Context, userID, productID string) error {
	_, err := c.do(ctx, "remove", http.MethodDelete, itemPath(productID), userID, nil, "")
	return err
}

// SetQuantity sets productID's quantity.
func (c *Client) SetQuantity(ctx context.Context, userID, productID string, qty int) error {
	body := struct {
		Quantity int `json:"quantity"`
	}{qty}
	_, err := c.do(ctx, "set_quantity", http.MethodPut, itemPath(productID), userID, body, "")
	return err
}

// Clear empties the user's cart.
func (c *Client) Clear(ctx context.Context, userID string) error {
	_, err := c.do(ctx, "clear", http.MethodDelete, "/api/v1/cart", userID, nil, "")
	return err
}

// Merge folds lines into the user's cart in one request. The cart service
// applies a given key at most once, so a retried batch is not double counted.
// It returns the cart after the merge.
func (c *Client) Merge(ctx context.Context, userID, key string, lines domain.Lines) (domain.Lines, error) {
	body := struct {
		Lines []lineRequest `json:"lines"`
	}{Lines: make([]lineRequest, len(lines))}
	for i, l := range lines {
		body.Lines[i] = toLineRequest(l, l.Quantity)
	}
	return c.do(ctx, "merge", http.MethodPost, "/api/v1/cart/merge", userID, body, key)
}

// Ping checks that the cart service answers its liveness endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health/live", http.NoBody)
	if err != nil {
		return fmt.Errorf("create ping request: %w", err)
	}
	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return fmt.Errorf("ping %s: %w", serviceName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ping %s: status %d", serviceName, resp.StatusCode)
	}
	return nil
}

func itemPath(productID string) string {
	return "/api/v1/cart/items/" + url.PathEscape(productID)
}

func (c *Client) do(ctx context.Context, op, method, path, userID string, body any, key string) (domain.Lines, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, serviceName+" "+op, trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()
	span.SetAttributes(
		attribute.String("http.request.method", method),
		attribute.String("url.path", path),
		attribute.String("cart.operation", op),
	)

	lines, err := c.roundTrip(ctx, method, path, userID, body, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.Message(err))
		c.logger.WarnContext(ctx, "cart service call failed",
			slog.String("op", op),
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return lines, nil
}

func (c *Client) roundTrip(ctx context.Context, method, path, userID string, body any, key string) (domain.Lines, error) {
	var reader io.Reader = http.NoBody
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, classify(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set(middleware.UserIDHeader, userID)
	if key != "" {
		req.Header.Set(httpclient.IdempotencyKeyHeader, key)
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		req.Header.Set(middleware.CorrelationIDHeader, id)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	defer resp.Body.Close()

	trace.SpanFromContext(ctx).SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, classify(httpclient.ParseResponseError(resp, serviceName))
	}
	return decodeLines(resp.Body)
}

// decodeLines accepts only {"data":{"lines":[...]}}.
func decodeLines(body io.Reader) (domain.Lines, error) {
	var env cartEnvelope
	if err := json.NewDecoder(io.LimitReader(body, maxBodyBytes)).Decode(&env); err != nil {
		return nil, unavailable(fmt.Errorf("decode cart response: %w", err))
	}
	if env.Data == nil || env.Data.Lines == nil {
		return nil, unavailable(errors.New("response carries no cart"))
	}
	lines := *env.Data.Lines
	if lines == nil {
		lines = domain.Lines{}
	}
	if err := lines.Validate(); err != nil {
		return nil, unavailable(fmt.Errorf("invalid cart in response: %w", err))
	}
	return lines, nil
}

// classify maps a transport or response error onto the two failures callers
// see. A client error with a server message is a validation failure carrying
// that message; anything else is ServiceUnavailable, with the server's
// message when it sent one.
func classify(err error) error {
	var appErr *apperrors.AppError
	if !errors.As(err, &appErr) || appErr.Message == "" || errors.Is(err, httpclient.ErrUnstructuredResponse) {
		return unavailable(err)
	}
	if httpclient.IsClientError(appErr.Status) {
		return fmt.Errorf("%w: %w", apperrors.InvalidInput(appErr.Message), err)
	}
	return fmt.Errorf("%w: %w", apperrors.ServiceUnavailable(appErr.Message), err)
}

func unavailable(cause error) error {
	return fmt.Errorf("%w: %w", apperrors.ServiceUnavailable(genericReason), cause)
}
