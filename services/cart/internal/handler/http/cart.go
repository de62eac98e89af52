package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/httputil"
	"github.com/utafrali/cartsync/pkg/validator"
	"github.com/utafrali/cartsync/services/cart/internal/domain"
	"github.com/utafrali/cartsync/services/cart/internal/service"
)

// IdempotencyKeyHeader carries the merge batch key.
const IdempotencyKeyHeader = "Idempotency-Key"

// CartHandler handles HTTP requests for cart endpoints.
type CartHandler struct {
	service *service.CartService
	logger  *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(svc *service.CartService, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		service: svc,
		logger:  logger,
	}
}

// --- Request DTOs ---

// LineRequest describes one product line as sent by the storefront. The
// per-line quantity cap is applied by the service: adding rejects it, merging
// clamps to it.
type LineRequest struct {
	ProductID  string          `json:"product_id" validate:"required,max=128"`
	Name       string          `json:"name" validate:"max=500"`
	UnitPrice  decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Quantity   int             `json:"quantity" validate:"gte=1"`
	ImageRef   string          `json:"image_ref" validate:"max=2048"`
	Category   string          `json:"category" validate:"max=200"`
	Available  *bool           `json:"available"`
	StockLimit *int            `json:"stock_limit" validate:"omitempty,gte=0"`
}

// SetQuantityRequest is the JSON request body for setting a line's quantity.
type SetQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required,gte=0,lte=100"`
}

// MergeRequest is the JSON request body for merging a guest cart.
type MergeRequest struct {
	Lines []LineRequest `json:"lines" validate:"required,min=1,max=50,dive"`
}

// MergeResponse is the cart after a merge plus what the merge did.
type MergeResponse struct {
	*domain.Cart
	MergedLines       int      `json:"merged_lines"`
	SkippedProductIDs []string `json:"skipped_product_ids,omitempty"`
	Replayed          bool     `json:"replayed"`
}

func (l LineRequest) toInput() service.AddItemInput {
	available := true
	if l.Available != nil {
		available = *l.Available
	}
	return service.AddItemInput{
		ProductID:  l.ProductID,
		Name:       l.Name,
		UnitPrice:  l.UnitPrice,
		Quantity:   l.Quantity,
		ImageRef:   l.ImageRef,
		Category:   l.Category,
		Available:  available,
		StockLimit: l.StockLimit,
	}
}

// --- Handlers ---

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	cart, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, cart)
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	var req LineRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	cart, err := h.service.AddItem(r.Context(), userID, req.toInput())
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, cart)
}

// SetQuantity handles PUT /api/v1/cart/items/{productId}
func (h *CartHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	productID := chi.URLParam(r, "productId")

	var req SetQuantityRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	cart, err := h.service.SetQuantity(r.Context(), userID, productID, *req.Quantity)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, cart)
}

// RemoveItem handles DELETE /api/v1/cart/items/{productId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())
	productID := chi.URLParam(r, "productId")

	cart, err := h.service.RemoveItem(r.Context(), userID, productID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, cart)
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	if err := h.service.ClearCart(r.Context(), userID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	cart, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, cart)
}

// MergeLines handles POST /api/v1/cart/merge. The Idempotency-Key header
// identifies the batch; a replayed key returns the current cart unchanged.
func (h *CartHandler) MergeLines(w http.ResponseWriter, r *http.Request) {
	userID, _ := userIDFromContext(r.Context())

	key := r.Header.Get(IdempotencyKeyHeader)
	if key == "" {
		httputil.WriteError(w, r, apperrors.InvalidInput("Idempotency-Key header is required"), h.logger)
		return
	}

	var req MergeRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	lines := make([]domain.Line, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = domain.Line(l.toInput())
	}

	res, err := h.service.MergeLines(r.Context(), userID, key, lines)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, MergeResponse{
		Cart:              res.Cart,
		MergedLines:       res.Merged,
		SkippedProductIDs: res.Skipped,
		Replayed:          res.Replayed,
	})
}
