package config

import (
	"fmt"
	"net/url"
	"time"

	pkgconfig "github.com/utafrali/cartsync/pkg/config"
	"github.com/utafrali/cartsync/pkg/database"
	"github.com/utafrali/cartsync/pkg/tracing"
)

// EnvPrefix namespaces every storefront variable so it can share an
// environment with the cart service.
const EnvPrefix = "STOREFRONT_"

// Ephemeral cart backends.
const (
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// Config holds all configuration for the storefront service.
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// HTTP server
	HTTPPort int `env:"HTTP_PORT" envDefault:"8010"`

	// Auth: HMAC secret shared with the gateway for bearer tokens.
	JWTSecret string `env:"JWT_SECRET,required"`

	// Durable cart store
	CartServiceURL  string        `env:"CART_SERVICE_URL" envDefault:"http://localhost:8003"`
	CartTimeout     time.Duration `env:"CART_TIMEOUT" envDefault:"5s"`
	CartMaxRetries  int           `env:"CART_MAX_RETRIES" envDefault:"2"`
	CartRetryWait   time.Duration `env:"CART_RETRY_WAIT" envDefault:"100ms"`
	CartMaxConnsPer int           `env:"CART_MAX_CONNS_PER_HOST" envDefault:"50"`

	// Circuit breaker settings for the cart service
	CBMaxRequests  uint32  `env:"CB_MAX_REQUESTS" envDefault:"1"`
	CBInterval     int     `env:"CB_INTERVAL_SECONDS" envDefault:"60"`
	CBTimeout      int     `env:"CB_TIMEOUT_SECONDS" envDefault:"30"`
	CBFailureRatio float64 `env:"CB_FAILURE_RATIO" envDefault:"0.5"`
	CBMinRequests  uint32  `env:"CB_MIN_REQUESTS" envDefault:"5"`

	// Sessions: idle lifetime doubles as the guest cart TTL.
	SessionTTL       time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	EphemeralBackend string        `env:"EPHEMERAL_BACKEND" envDefault:"redis"`
	CookieSecure     bool          `env:"COOKIE_SECURE" envDefault:"false"`

	// Per-session mutation rate (requests/sec) and burst
	RateLimit float64 `env:"RATE_LIMIT" envDefault:"10"`
	RateBurst int     `env:"RATE_BURST" envDefault:"20"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	Redis   database.RedisConfig
	Tracing tracing.Config
}

// Load reads configuration from STOREFRONT_-prefixed environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := pkgconfig.LoadWithPrefix(cfg, EnvPrefix); err != nil {
		return nil, fmt.Errorf("load storefront config: %w", err)
	}
	cfg.Tracing.ServiceName = "storefront"
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// CircuitBreakerInterval returns the breaker's counting window.
func (c *Config) CircuitBreakerInterval() time.Duration {
	return time.Duration(c.CBInterval) * time.Second
}

// CircuitBreakerTimeout returns how long the breaker stays open.
func (c *Config) CircuitBreakerTimeout() time.Duration {
	return time.Duration(c.CBTimeout) * time.Second
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.CartServiceURL == "" {
		return fmt.Errorf("CART_SERVICE_URL is required")
	}
	if _, err := url.ParseRequestURI(c.CartServiceURL); err != nil {
		return fmt.Errorf("invalid CART_SERVICE_URL %q: %w", c.CartServiceURL, err)
	}
	if c.CartTimeout <= 0 {
		return fmt.Errorf("CART_TIMEOUT must be positive, got %s", c.CartTimeout)
	}
	if c.CartMaxRetries < 0 {
		return fmt.Errorf("CART_MAX_RETRIES must not be negative, got %d", c.CartMaxRetries)
	}
	if c.CBFailureRatio <= 0 || c.CBFailureRatio > 1 {
		return fmt.Errorf("CB_FAILURE_RATIO must be in (0, 1], got %v", c.CBFailureRatio)
	}
	if c.CBInterval < 0 || c.CBTimeout <= 0 {
		return fmt.Errorf("CB_INTERVAL_SECONDS must not be negative and CB_TIMEOUT_SECONDS must be positive")
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive, got %s", c.SessionTTL)
	}
	switch c.EphemeralBackend {
	case BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("EPHEMERAL_BACKEND must be %q or %q, got %q", BackendRedis, BackendMemory, c.EphemeralBackend)
	}
	if c.RateLimit <= 0 {
		return fmt.Errorf("RATE_LIMIT must be positive, got %v", c.RateLimit)
	}
	if c.RateBurst < 1 {
		return fmt.Errorf("RATE_BURST must be at least 1, got %d", c.RateBurst)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATE must be between 0.0 and 1.0, got %v", c.Tracing.SampleRate)
	}
	return nil
}
