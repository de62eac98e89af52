package validator

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

type lineRequest struct {
	ProductID string          `json:"product_id" validate:"required,max=64"`
	Quantity  int             `json:"quantity" validate:"gte=0,lte=999"`
	UnitPrice decimal.Decimal `json:"unit_price" validate:"gte=0"`
}

func TestValidate_Success(t *testing.T) {
	err := Validate(lineRequest{ProductID: "p-1", Quantity: 2, UnitPrice: decimal.NewFromInt(10)})
	assert.NoError(t, err)
}

func TestValidate_UsesJSONFieldNames(t *testing.T) {
	err := Validate(lineRequest{Quantity: 1})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "is required", valErr.Fields()["product_id"])
}

func TestValidate_NumericBounds(t *testing.T) {
	err := Validate(lineRequest{ProductID: "p-1", Quantity: 1000})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "must be less than or equal to 999", valErr.Fields()["quantity"])
}

func TestValidate_NegativeDecimalPrice(t *testing.T) {
	err := Validate(lineRequest{ProductID: "p-1", UnitPrice: decimal.RequireFromString("-0.01")})
	var valErr *ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Fields(), "unit_price")
}

func TestValidationError_Message(t *testing.T) {
	err := Validate(lineRequest{Quantity: -1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "field 'product_id' is required")
	assert.Contains(t, err.Error(), "field 'quantity'")
}

func TestDecodeAndValidate_Success(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"product_id":"p-1","quantity":3,"unit_price":"12.50"}`))
	var dst lineRequest
	require.NoError(t, DecodeAndValidate(req, &dst))
	assert.Equal(t, 3, dst.Quantity)
	assert.True(t, dst.UnitPrice.Equal(decimal.RequireFromString("12.5")))
}

func TestDecodeAndValidate_MalformedJSON(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{bad`))
	var dst lineRequest
	err := DecodeAndValidate(req, &dst)
	assert.True(t, errors.Is(err, apperrors.ErrInvalidInput))
}

func TestDecodeAndValidate_EmptyBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var dst lineRequest
	err := DecodeAndValidate(req, &dst)
	require.Error(t, err)
	assert.Equal(t, "request body is required", apperrors.Message(err))
}

func TestDecodeAndValidate_ValidationFailure(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"quantity":1}`))
	var dst lineRequest
	err := DecodeAndValidate(req, &dst)
	var valErr *ValidationError
	assert.ErrorAs(t, err, &valErr)
}
