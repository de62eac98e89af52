package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/httputil"
	"github.com/utafrali/cartsync/pkg/validator"
	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/session"
)

// CartHandler exposes the session's cart to the web front end.
type CartHandler struct {
	logger *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(logger *slog.Logger) *CartHandler {
	return &CartHandler{logger: logger}
}

// --- Request DTOs ---

// AddItemRequest carries the catalog fields of the product being added.
type AddItemRequest struct {
	ProductID  string          `json:"product_id" validate:"required,max=128"`
	Name       string          `json:"name" validate:"max=500"`
	UnitPrice  decimal.Decimal `json:"unit_price" validate:"gte=0"`
	ImageRef   string          `json:"image_ref" validate:"max=2048"`
	Category   string          `json:"category" validate:"max=200"`
	Available  *bool           `json:"available"`
	StockLimit *int            `json:"stock_limit" validate:"omitempty,gte=0"`
	Quantity   int             `json:"quantity" validate:"gte=0,lte=100"`
}

func (req AddItemRequest) product() domain.Product {
	available := true
	if req.Available != nil {
		available = *req.Available
	}
	return domain.Product{
		ID:         req.ProductID,
		Name:       req.Name,
		UnitPrice:  req.UnitPrice,
		ImageRef:   req.ImageRef,
		Category:   req.Category,
		Available:  available,
		StockLimit: req.StockLimit,
	}
}

// SetQuantityRequest is the JSON request body for setting a line's quantity.
type SetQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required,gte=0,lte=100"`
}

// --- Response DTOs ---

// ErrorView is the last store failure shown next to the cart.
type ErrorView struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// CartView is the cart as the front end renders it.
type CartView struct {
	Lines         domain.Lines    `json:"lines"`
	TotalItems    int             `json:"total_items"`
	TotalPrice    decimal.Decimal `json:"total_price"`
	Loading       bool            `json:"loading"`
	Authenticated bool            `json:"authenticated"`
	SyncPending   bool            `json:"sync_pending"`
	LastError     *ErrorView      `json:"last_error,omitempty"`
}

// ItemView answers whether a product is in the cart.
type ItemView struct {
	ProductID string `json:"product_id"`
	InCart    bool   `json:"in_cart"`
	Quantity  int    `json:"quantity"`
}

// SyncResponse is the result of an explicit merge request.
type SyncResponse struct {
	Outcome domain.SyncOutcome `json:"outcome"`
	Cart    CartView           `json:"cart"`
}

func viewOf(s *session.Session) CartView {
	state := s.Cart.State()
	v := CartView{
		Lines:         state.Lines,
		TotalItems:    state.Lines.TotalItems(),
		TotalPrice:    state.Lines.TotalPrice(),
		Loading:       state.Loading,
		Authenticated: s.Tracker.Current().IsAuthenticated(),
		SyncPending:   s.Reconciler.Pending(),
	}
	if state.LastError != nil {
		code := "INTERNAL_ERROR"
		if appErr := asAppError(state.LastError); appErr != nil {
			code = appErr.Code
		}
		v.LastError = &ErrorView{Code: code, Message: apperrors.Message(state.LastError)}
	}
	return v
}

// --- Handlers ---

// GetCart handles GET /api/v1/session/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	httputil.WriteData(w, http.StatusOK, viewOf(sessionFromContext(r.Context())))
}

// Reload handles POST /api/v1/session/cart/reload
func (h *CartHandler) Reload(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	h.respond(w, r, s, s.Cart.Load(work(r)))
}

// AddItem handles POST /api/v1/session/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())

	var req AddItemRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.respond(w, r, s, s.Cart.Add(work(r), req.product(), req.Quantity))
}

// GetItem handles GET /api/v1/session/cart/items/{productId}
func (h *CartHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	productID := chi.URLParam(r, "productId")

	httputil.WriteData(w, http.StatusOK, ItemView{
		ProductID: productID,
		InCart:    s.Cart.IsInCart(productID),
		Quantity:  s.Cart.QuantityOf(productID),
	})
}

// SetQuantity handles PUT /api/v1/session/cart/items/{productId}
func (h *CartHandler) SetQuantity(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	productID := chi.URLParam(r, "productId")

	var req SetQuantityRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.respond(w, r, s, s.Cart.SetQuantity(work(r), productID, *req.Quantity))
}

// Increment handles POST /api/v1/session/cart/items/{productId}/increment
func (h *CartHandler) Increment(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	h.respond(w, r, s, s.Cart.Increment(work(r), chi.URLParam(r, "productId")))
}

// Decrement handles POST /api/v1/session/cart/items/{productId}/decrement
func (h *CartHandler) Decrement(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	h.respond(w, r, s, s.Cart.Decrement(work(r), chi.URLParam(r, "productId")))
}

// RemoveItem handles DELETE /api/v1/session/cart/items/{productId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	h.respond(w, r, s, s.Cart.Remove(work(r), chi.URLParam(r, "productId")))
}

// ClearCart handles DELETE /api/v1/session/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())
	h.respond(w, r, s, s.Cart.Clear(work(r)))
}

// Sync handles POST /api/v1/session/cart/sync. It merges whatever guest cart
// is still stored into the signed-in user's cart.
func (h *CartHandler) Sync(w http.ResponseWriter, r *http.Request) {
	s := sessionFromContext(r.Context())

	current := s.Tracker.Current()
	if !current.IsAuthenticated() {
		httputil.WriteError(w, r, apperrors.Unauthorized("sign in to sync your cart"), h.logger)
		return
	}

	outcome := s.Reconciler.Reconcile(work(r), current.UserID())
	httputil.WriteData(w, http.StatusOK, SyncResponse{Outcome: outcome, Cart: viewOf(s)})
}

// respond writes the cart after a mutation, or the mutation's error. A failed
// mutation has already been rolled back.
func (h *CartHandler) respond(w http.ResponseWriter, r *http.Request, s *session.Session, err error) {
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	httputil.WriteData(w, http.StatusOK, viewOf(s))
}

// work detaches cart operations from the client connection so a store call
// in flight is always settled.
func work(r *http.Request) context.Context {
	return context.WithoutCancel(r.Context())
}

func asAppError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}
	return nil
}
