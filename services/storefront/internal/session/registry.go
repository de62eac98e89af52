// Package session keeps one cart stack per browser session.
package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/identity"
	"github.com/utafrali/cartsync/services/storefront/internal/orchestrator"
	"github.com/utafrali/cartsync/services/storefront/internal/reconcile"
	"github.com/utafrali/cartsync/services/storefront/internal/store"
	"github.com/utafrali/cartsync/services/storefront/internal/store/ephemeral"
)

// Durable is the cart service as the sessions use it.
type Durable interface {
	ForUser(userID string) store.Adapter
	reconcile.Merger
}

// Config sets the limits applied to every session.
type Config struct {
	IdleTTL   time.Duration
	RateLimit float64
	RateBurst int
}

// Session is the cart state of one browser session.
type Session struct {
	ID         string
	Tracker    *identity.Tracker
	Guest      *ephemeral.Store
	Cart       *orchestrator.Orchestrator
	Reconciler *reconcile.Reconciler

	limiter  *rate.Limiter
	lastSeen time.Time
}

// Allow reports whether the session may perform another mutation now.
func (s *Session) Allow() bool {
	return s.limiter.Allow()
}

// Registry holds the live sessions.
type Registry struct {
	storage ephemeral.Storage
	durable Durable
	cfg     Config
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	nowFunc  func() time.Time
}

// NewRegistry creates an empty registry.
func NewRegistry(storage ephemeral.Storage, durable Durable, cfg Config, logger *slog.Logger) *Registry {
	return &Registry{
		storage:  storage,
		durable:  durable,
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
		nowFunc:  time.Now,
	}
}

// Open returns the session for id, creating it when absent. A new session
// starts as a guest and loads whatever guest cart is stored for id. It
// reports whether the session was created.
func (r *Registry) Open(ctx context.Context, id string) (*Session, bool) {
	r.mu.Lock()
	if s, ok := r.sessions[id]; ok {
		s.lastSeen = r.nowFunc()
		r.mu.Unlock()
		return s, false
	}
	s := r.build(id)
	r.sessions[id] = s
	r.mu.Unlock()

	if err := s.Cart.Load(ctx); err != nil {
		r.logger.WarnContext(ctx, "initial cart load failed",
			slog.String("session_id", id),
			slog.String("error", err.Error()),
		)
	}
	r.logger.DebugContext(ctx, "session opened", slog.String("session_id", id))
	return s, true
}

func (r *Registry) build(id string) *Session {
	tracker := identity.NewTracker(domain.Anonymous())
	guest := ephemeral.NewStore(r.storage, id, r.logger)
	selector := store.Selector{
		Ephemeral: guest.Adapter(),
		Durable:   r.durable.ForUser,
	}
	cart := orchestrator.New(selector, tracker, r.logger.With(slog.String("session_id", id)))
	rec := reconcile.New(id, guest, r.durable, cart, r.logger)
	rec.Bind(tracker)

	return &Session{
		ID:         id,
		Tracker:    tracker,
		Guest:      guest,
		Cart:       cart,
		Reconciler: rec,
		limiter:    rate.NewLimiter(rate.Limit(r.cfg.RateLimit), r.cfg.RateBurst),
		lastSeen:   r.nowFunc(),
	}
}

// Evict ends every session idle for longer than the idle TTL. Ending a
// session discards its guest cart.
func (r *Registry) Evict(ctx context.Context) int {
	r.mu.Lock()
	now := r.nowFunc()
	var idle []*Session
	for id, s := range r.sessions {
		if now.Sub(s.lastSeen) > r.cfg.IdleTTL {
			idle = append(idle, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range idle {
		if err := s.Guest.Clear(ctx); err != nil {
			r.logger.WarnContext(ctx, "guest cart not cleared at session end",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(idle) > 0 {
		r.logger.InfoContext(ctx, "evicted idle sessions", slog.Int("count", len(idle)))
	}
	return len(idle)
}

// Run evicts idle sessions periodically until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	interval := r.cfg.IdleTTL / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Evict(ctx)
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
