package middleware

import (
	"log/slog"
	"net/http"

	"github.com/utafrali/cartsync/pkg/logger"
)

// UserIDHeader identifies the authenticated user on internal service calls.
const UserIDHeader = "X-User-ID"

// RequestLogger returns middleware that builds a request-scoped logger enriched
// with correlation_id, user_id, session_id, trace_id, and span_id, then stores
// it in context via logger.NewContext.
//
// Mount it after RequestLogging and Tracing. A user or session id placed in
// the context by an earlier middleware wins over the X-User-ID header.
func RequestLogger(base *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if logger.UserIDFromContext(ctx) == "" {
				if userID := r.Header.Get(UserIDHeader); userID != "" {
					ctx = logger.WithUserID(ctx, userID)
				}
			}

			ctx = logger.NewContext(ctx, logger.WithContext(ctx, base))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
