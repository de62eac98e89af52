package httpclient

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 1 << 20

// ErrUnstructuredResponse marks an error response that carried no error
// envelope, so its message is only the status text.
var ErrUnstructuredResponse = errors.New("unstructured error response")

// DownstreamErrorResponse mirrors the httputil.Response error envelope
// returned by our services.
type DownstreamErrorResponse struct {
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// ParseResponseError reads the body of a non-2xx HTTP response and translates
// it into an error wrapping an AppError. The AppError message is the
// downstream message verbatim so it can be shown to an end user; the
// service name only appears in the outer error string.
//
// The response body is fully consumed and closed.
func ParseResponseError(resp *http.Response, serviceName string) error {
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil {
		return fmt.Errorf("%s: %w: %w", serviceName, ErrUnstructuredResponse, apperrors.ServiceUnavailable(
			fmt.Sprintf("%s returned status %d", serviceName, resp.StatusCode)))
	}

	var downstream DownstreamErrorResponse
	if json.Unmarshal(bodyBytes, &downstream) == nil && downstream.Error != nil && downstream.Error.Message != "" {
		return fmt.Errorf("%s: %w", serviceName,
			mapDownstreamError(resp.StatusCode, downstream.Error.Code, downstream.Error.Message))
	}

	// Unstructured body: keep the status semantics, drop the raw body from the message.
	return fmt.Errorf("%s: status %d: %w: %w", serviceName, resp.StatusCode, ErrUnstructuredResponse,
		mapDownstreamError(resp.StatusCode, "", http.StatusText(resp.StatusCode)))
}

// mapDownstreamError translates a downstream status code into an AppError
// carrying the same semantics.
func mapDownstreamError(status int, code, message string) *apperrors.AppError {
	var appErr *apperrors.AppError

	switch {
	case status == http.StatusNotFound:
		appErr = &apperrors.AppError{Code: "NOT_FOUND", Message: message, Status: status, Err: apperrors.ErrNotFound}
	case status == http.StatusBadRequest, status == http.StatusUnprocessableEntity:
		appErr = apperrors.InvalidInput(message)
	case status == http.StatusConflict:
		appErr = apperrors.Conflict(message)
	case status == http.StatusUnauthorized:
		appErr = apperrors.Unauthorized(message)
	case status == http.StatusForbidden:
		appErr = apperrors.Forbidden(message)
	case status == http.StatusGone:
		appErr = apperrors.Gone(message)
	case status == http.StatusTooManyRequests:
		appErr = apperrors.TooManyRequests(message)
	case status >= 500:
		appErr = apperrors.ServiceUnavailable(message)
	default:
		appErr = &apperrors.AppError{Code: "UNEXPECTED_STATUS", Message: message, Status: status}
	}

	if code != "" {
		appErr.Code = code
	}
	return appErr
}

// IsClientError returns true if the HTTP status code is a 4xx client error.
// Client errors are the caller's fault and are not counted against a circuit breaker.
func IsClientError(status int) bool {
	return status >= 400 && status < 500
}
