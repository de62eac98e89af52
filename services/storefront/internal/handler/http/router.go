package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/cartsync/pkg/health"
	"github.com/utafrali/cartsync/pkg/middleware"
	"github.com/utafrali/cartsync/services/storefront/internal/session"
)

// RouterConfig carries the HTTP settings of the storefront.
type RouterConfig struct {
	Cookie CookieConfig
	CORS   middleware.CORSConfig
}

// NewRouter creates a chi router with all storefront cart routes registered.
func NewRouter(
	registry *session.Registry,
	resolver IdentityResolver,
	healthHandler *health.Handler,
	cfg RouterConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("storefront"))
	r.Use(middleware.Tracing("storefront"))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	cartHandler := NewCartHandler(logger)

	r.Route("/api/v1/session/cart", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(SessionMiddleware(registry, resolver, cfg.Cookie, logger))
		r.Use(middleware.RequestLogger(logger))
		r.Use(RateLimitMutations)

		// Sync runs the merge itself and reports its outcome.
		r.Post("/sync", cartHandler.Sync)

		r.Group(func(r chi.Router) {
			r.Use(RetryPendingMerge)

			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)
			r.Post("/reload", cartHandler.Reload)

			r.Post("/items", cartHandler.AddItem)
			r.Get("/items/{productId}", cartHandler.GetItem)
			r.Put("/items/{productId}", cartHandler.SetQuantity)
			r.Delete("/items/{productId}", cartHandler.RemoveItem)
			r.Post("/items/{productId}/increment", cartHandler.Increment)
			r.Post("/items/{productId}/decrement", cartHandler.Decrement)
		})
	})

	return r
}
