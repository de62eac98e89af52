// Package identity tracks who the visitor of a session is and tells
// subscribers when that changes.
package identity

import (
	"context"
	"sync"

	"github.com/utafrali/cartsync/services/storefront/internal/domain"
)

// Listener is called with the identity before and after a change.
type Listener func(ctx context.Context, prev, next domain.Identity)

// Tracker holds the current identity of one session.
type Tracker struct {
	// observeMu serializes Observe so listeners see changes one at a time
	// and in order.
	observeMu sync.Mutex

	mu        sync.RWMutex
	current   domain.Identity
	listeners []Listener
}

// NewTracker creates a tracker starting at initial.
func NewTracker(initial domain.Identity) *Tracker {
	return &Tracker{current: initial}
}

// Current returns the identity last observed.
func (t *Tracker) Current() domain.Identity {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Subscribe registers l for identity changes.
func (t *Tracker) Subscribe(l Listener) {
	t.mu.Lock()
	t.listeners = append(t.listeners, l)
	t.mu.Unlock()
}

// Observe records next as the current identity. Listeners run only when it
// differs from the previous one; observing the same identity again is a
// no-op. It reports whether the identity changed.
func (t *Tracker) Observe(ctx context.Context, next domain.Identity) bool {
	t.observeMu.Lock()
	defer t.observeMu.Unlock()

	t.mu.Lock()
	prev := t.current
	if prev == next {
		t.mu.Unlock()
		return false
	}
	t.current = next
	listeners := append([]Listener(nil), t.listeners...)
	t.mu.Unlock()

	for _, l := range listeners {
		l(ctx, prev, next)
	}
	return true
}
