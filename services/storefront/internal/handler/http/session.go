package http

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/httputil"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/session"
)

// SessionCookie names the cookie carrying the browser session id.
const SessionCookie = "cart_session"

// IdentityResolver derives the visitor's identity from a request.
type IdentityResolver interface {
	Resolve(r *http.Request) domain.Identity
}

type contextKey string

const sessionKey contextKey = "cart_session"

// CookieConfig controls the session cookie.
type CookieConfig struct {
	Secure bool
	MaxAge time.Duration
}

// SessionMiddleware attaches the visitor's session to the request. A request
// without a valid session cookie starts a new session. The identity is
// re-checked on every request, so signing in triggers the guest cart merge.
func SessionMiddleware(registry *session.Registry, resolver IdentityResolver, cookie CookieConfig, l *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := sessionIDFromCookie(r)
			if id == "" {
				id = uuid.NewString()
				http.SetCookie(w, &http.Cookie{
					Name:     SessionCookie,
					Value:    id,
					Path:     "/",
					MaxAge:   int(cookie.MaxAge.Seconds()),
					HttpOnly: true,
					Secure:   cookie.Secure,
					SameSite: http.SameSiteLaxMode,
				})
			}

			ctx := logger.WithSessionID(r.Context(), id)
			// Store calls must finish even if the client goes away.
			work := context.WithoutCancel(ctx)

			s, created := registry.Open(work, id)
			if created {
				l.DebugContext(ctx, "new cart session", slog.String("session_id", id))
			}

			current := resolver.Resolve(r)
			if current.IsAuthenticated() {
				ctx = logger.WithUserID(ctx, current.UserID())
			}
			s.Tracker.Observe(work, current)

			ctx = context.WithValue(ctx, sessionKey, s)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func sessionIDFromCookie(r *http.Request) string {
	c, err := r.Cookie(SessionCookie)
	if err != nil {
		return ""
	}
	if _, err := uuid.Parse(c.Value); err != nil {
		return ""
	}
	return c.Value
}

func sessionFromContext(ctx context.Context) *session.Session {
	s, _ := ctx.Value(sessionKey).(*session.Session)
	return s
}

// RetryPendingMerge re-runs a sign-in merge that failed on an earlier request.
func RetryPendingMerge(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s := sessionFromContext(r.Context()); s != nil {
			s.Reconciler.RetryPending(context.WithoutCancel(r.Context()), s.Tracker.Current())
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimitMutations rejects cart changes beyond the session's rate with 429.
// Reads are never limited.
func RateLimitMutations(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Method != http.MethodOptions {
			if s := sessionFromContext(r.Context()); s != nil && !s.Allow() {
				logger.FromContext(r.Context()).WarnContext(r.Context(), "cart rate limit exceeded",
					slog.String("path", r.URL.Path),
				)
				httputil.WriteError(w, r, apperrors.TooManyRequests("too many cart updates, slow down"), nil)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
