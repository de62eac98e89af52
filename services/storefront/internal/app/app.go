package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/cartsync/pkg/database"
	"github.com/utafrali/cartsync/pkg/health"
	"github.com/utafrali/cartsync/pkg/httpclient"
	"github.com/utafrali/cartsync/pkg/middleware"
	"github.com/utafrali/cartsync/pkg/tracing"
	"github.com/utafrali/cartsync/services/storefront/internal/config"
	handler "github.com/utafrali/cartsync/services/storefront/internal/handler/http"
	"github.com/utafrali/cartsync/services/storefront/internal/identity"
	"github.com/utafrali/cartsync/services/storefront/internal/session"
	"github.com/utafrali/cartsync/services/storefront/internal/store/durable"
	"github.com/utafrali/cartsync/services/storefront/internal/store/ephemeral"
)

// App wires together all dependencies and runs the storefront service.
type App struct {
	cfg            *config.Config
	logger         *slog.Logger
	rdb            *redis.Client
	registry       *session.Registry
	httpServer     *http.Server
	tracerShutdown func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tracerShutdown, err := tracing.InitTracer(ctx, cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("init tracer: %w", err)
	}

	healthHandler := health.NewHandler()

	// Guest carts live in Redis unless the in-process backend was chosen.
	var (
		rdb     *redis.Client
		storage ephemeral.Storage
	)
	if cfg.EphemeralBackend == config.BackendRedis {
		rdb, err = database.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			_ = tracerShutdown(ctx)
			return nil, fmt.Errorf("connect to redis: %w", err)
		}
		logger.Info("connected to Redis",
			slog.String("addr", cfg.Redis.Addr()),
			slog.Int("db", cfg.Redis.DB),
		)
		storage = ephemeral.NewRedisStorage(rdb, cfg.SessionTTL)
		healthHandler.RegisterCritical("redis", database.RedisChecker(rdb))
	} else {
		logger.Warn("guest carts are kept in process memory and will not survive a restart")
		storage = ephemeral.NewMemoryStorage()
	}

	// Cart service client behind a circuit breaker.
	httpClient := httpclient.New(httpclient.Config{
		Timeout:         cfg.CartTimeout,
		MaxRetries:      cfg.CartMaxRetries,
		RetryWaitMin:    cfg.CartRetryWait,
		RetryWaitMax:    4 * cfg.CartRetryWait,
		MaxConnsPerHost: cfg.CartMaxConnsPer,
	})
	cbCfg := httpclient.DefaultCircuitBreakerConfig("cart-service")
	cbCfg.MaxRequests = cfg.CBMaxRequests
	cbCfg.Interval = cfg.CircuitBreakerInterval()
	cbCfg.Timeout = cfg.CircuitBreakerTimeout()
	cbCfg.FailureRatio = cfg.CBFailureRatio
	cbCfg.MinRequests = cfg.CBMinRequests
	cartBreaker := httpclient.NewCircuitBreakerClient(httpClient, cbCfg, logger).
		WithFallback(durable.CircuitOpenFallback)
	cartClient := durable.NewClient(cartBreaker, cfg.CartServiceURL, logger)
	logger.Info("cart service client initialized", slog.String("url", cfg.CartServiceURL))

	// The storefront still serves guest carts while the cart service is down.
	healthHandler.RegisterNonCritical("cart-service", cartClient.Ping)

	registry := session.NewRegistry(storage, cartClient, session.Config{
		IdleTTL:   cfg.SessionTTL,
		RateLimit: cfg.RateLimit,
		RateBurst: cfg.RateBurst,
	}, logger)

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.CORSAllowedOrigins

	router := handler.NewRouter(
		registry,
		identity.NewJWTResolver(cfg.JWTSecret, logger),
		healthHandler,
		handler.RouterConfig{
			Cookie: handler.CookieConfig{Secure: cfg.CookieSecure, MaxAge: cfg.SessionTTL},
			CORS:   cors,
		},
		logger,
	)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 35 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		rdb:            rdb,
		registry:       registry,
		httpServer:     httpServer,
		tracerShutdown: tracerShutdown,
	}, nil
}

// Run starts the HTTP server and the session sweeper, and blocks until the
// context is canceled.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go a.registry.Run(sweepCtx)

	go func() {
		a.logger.Info("starting HTTP server",
			slog.String("addr", a.httpServer.Addr),
		)
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		return err
	}

	return a.Shutdown()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.logger.Error("redis close error", slog.String("error", err.Error()))
		}
	}

	if err := a.tracerShutdown(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Info("application shutdown complete")
	return nil
}
