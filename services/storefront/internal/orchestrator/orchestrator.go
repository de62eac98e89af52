// Package orchestrator owns a visitor's cart state. Every mutation is applied
// locally first, then sent to the store the current identity selects, and
// rolled back when that store rejects it.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/store"
)

// IdentitySource reports who the visitor currently is.
type IdentitySource interface {
	Current() domain.Identity
}

// EventKind says what produced a ChangeEvent.
type EventKind string

const (
	EventApplied    EventKind = "applied"
	EventRolledBack EventKind = "rolled_back"
	EventLoaded     EventKind = "loaded"
	EventError      EventKind = "error"
	// EventSuperseded reports a guest write dropped because the cart now
	// belongs to another store.
	EventSuperseded EventKind = "superseded"
)

// errSuperseded marks a guest write whose cart was reloaded from the durable
// store before the write ran.
var errSuperseded = errors.New("cart no longer held by the guest store")

// ChangeEvent is broadcast to subscribers after every state change.
type ChangeEvent struct {
	Kind  EventKind
	Lines domain.Lines
	Err   error
}

// State is a snapshot of the cart as the visitor sees it.
type State struct {
	Lines     domain.Lines
	Loading   bool
	LastError error
}

// call is a mutation applied to the view whose store call has not settled.
type call struct {
	op        store.Op
	version   uint64
	snapshot  domain.Lines
	transform func(domain.Lines) domain.Lines
	done      bool
}

// plan is what a mutator wants to do, computed from the current view.
type plan struct {
	key       string
	mutation  store.Mutation
	transform func(domain.Lines) domain.Lines
}

// Orchestrator is the cart facade for one visitor.
//
// The visible cart is the settled state with every pending call replayed
// on top, in call order. A failed call leaves the pending list and the view
// is rebuilt without it, so later calls keep their effect.
type Orchestrator struct {
	selector store.Selector
	identity IdentitySource
	queue    *lineQueue
	logger   *slog.Logger

	mu      sync.Mutex
	base    domain.Lines
	pending []*call
	view    domain.Lines
	version uint64
	loading int
	lastErr error
	// source is the store base was last loaded from.
	source store.Mode
	// outbox holds events not yet delivered, in state order.
	outbox []ChangeEvent

	// notifyMu delivers events one at a time. It is never taken while
	// holding mu.
	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     map[int]func(ChangeEvent)
	nextSub  int

	// persistMu serializes whole-cart ephemeral writes.
	persistMu sync.Mutex
}

// New creates an orchestrator with an empty cart. Call Load to fill it.
func New(selector store.Selector, identity IdentitySource, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		selector: selector,
		identity: identity,
		queue:    newLineQueue(),
		logger:   logger,
		base:     domain.Lines{},
		view:     domain.Lines{},
		source:   store.ModeEphemeral,
		subs:     make(map[int]func(ChangeEvent)),
	}
}

// Subscribe registers fn for every change event and returns a function that
// removes it. Events arrive one at a time in the order the state changed,
// before the call that caused them returns. fn may read the cart through the
// getters but must not call a mutator, Load or ReportError.
func (o *Orchestrator) Subscribe(fn func(ChangeEvent)) (unsubscribe func()) {
	o.subsMu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = fn
	o.subsMu.Unlock()

	return func() {
		o.subsMu.Lock()
		delete(o.subs, id)
		o.subsMu.Unlock()
	}
}

// publishLocked queues ev, releases o.mu and delivers every queued event.
// Events are queued under o.mu, so the outbox is in state order whichever
// goroutine ends up delivering them.
func (o *Orchestrator) publishLocked(ev ChangeEvent) {
	o.outbox = append(o.outbox, ev)
	o.mu.Unlock()
	o.deliver()
}

func (o *Orchestrator) deliver() {
	o.notifyMu.Lock()
	defer o.notifyMu.Unlock()

	for {
		o.mu.Lock()
		if len(o.outbox) == 0 {
			o.mu.Unlock()
			return
		}
		ev := o.outbox[0]
		o.outbox = o.outbox[1:]
		o.mu.Unlock()

		o.subsMu.Lock()
		fns := make([]func(ChangeEvent), 0, len(o.subs))
		for _, fn := range o.subs {
			fns = append(fns, fn)
		}
		o.subsMu.Unlock()

		for _, fn := range fns {
			fn(ev)
		}
	}
}

// State returns a snapshot of the cart.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return State{
		Lines:     o.view.Clone(),
		Loading:   o.loading > 0,
		LastError: o.lastErr,
	}
}

// Lines returns a copy of the visible cart.
func (o *Orchestrator) Lines() domain.Lines {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.Clone()
}

// TotalItems is the sum of quantities.
func (o *Orchestrator) TotalItems() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.TotalItems()
}

// TotalPrice is the sum of unit price times quantity.
func (o *Orchestrator) TotalPrice() decimal.Decimal {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.TotalPrice()
}

// IsInCart reports whether productID has a line.
func (o *Orchestrator) IsInCart(productID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.view.Index(productID) >= 0
}

// QuantityOf returns productID's quantity, or 0.
func (o *Orchestrator) QuantityOf(productID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, _ := o.view.Find(productID)
	return l.Quantity
}

// ReportError records err as the last error without touching the lines.
func (o *Orchestrator) ReportError(err error) {
	o.mu.Lock()
	o.lastErr = err
	o.publishLocked(ChangeEvent{Kind: EventError, Lines: o.view.Clone(), Err: err})
}

// Drain waits until every store call issued so far has settled.
func (o *Orchestrator) Drain(ctx context.Context) error {
	t := o.queue.cartWide()
	defer t.release()
	return t.wait(ctx)
}

// Load replaces the cart with what the current identity's store holds. It
// runs after every earlier call has settled. When the store fails the cart
// is left empty and the error is recorded and returned. Calls issued while
// the load is in flight are replayed on top of its result.
func (o *Orchestrator) Load(ctx context.Context) error {
	o.mu.Lock()
	adapter := o.selector.For(o.identity.Current())
	o.loading++
	o.lastErr = nil
	t := o.queue.cartWide()
	o.mu.Unlock()

	err := t.wait(ctx)
	var lines domain.Lines
	if err == nil {
		lines, err = adapter.Load(ctx)
	}

	o.mu.Lock()
	o.loading--
	if err != nil {
		o.logger.WarnContext(ctx, "cart load failed",
			slog.String("mode", string(adapter.Mode())),
			slog.String("error", err.Error()),
		)
		lines = domain.Lines{}
		o.lastErr = err
	}
	if lines == nil {
		lines = domain.Lines{}
	}

	// Calls issued before the load have all settled; only later ones remain.
	live := o.pending[:0:0]
	for _, c := range o.pending {
		if !c.done {
			live = append(live, c)
		}
	}
	o.pending = live
	o.base = lines
	o.source = adapter.Mode()
	o.view = o.replay()
	o.version++
	o.publishLocked(ChangeEvent{Kind: EventLoaded, Lines: o.view.Clone(), Err: err})

	t.release()
	return err
}

// Add puts qty of p in the cart. A quantity of 0 adds one.
func (o *Orchestrator) Add(ctx context.Context, p domain.Product, qty int) error {
	if qty < 0 {
		return apperrors.InvalidInput("quantity must not be negative")
	}
	if qty == 0 {
		qty = 1
	}
	if err := p.Validate(); err != nil {
		return err
	}

	return o.mutate(ctx, func(cur domain.Lines) (plan, bool, error) {
		if cur.Index(p.ID) < 0 && len(cur) >= domain.MaxLines {
			return plan{}, false, apperrors.InvalidInput(fmt.Sprintf("cart must not contain more than %d products", domain.MaxLines))
		}
		transform := func(ls domain.Lines) domain.Lines { return ls.WithAdded(p, qty) }
		next := transform(cur)
		m, ok := diff(cur, next, p.ID, true)
		return plan{key: p.ID, mutation: m, transform: transform}, ok, nil
	})
}

// Remove deletes productID's line. Removing an absent line does nothing.
func (o *Orchestrator) Remove(ctx context.Context, productID string) error {
	return o.mutate(ctx, func(cur domain.Lines) (plan, bool, error) {
		if cur.Index(productID) < 0 {
			return plan{}, false, nil
		}
		return plan{
			key:       productID,
			mutation:  store.Mutation{Op: store.OpRemove, ProductID: productID},
			transform: func(ls domain.Lines) domain.Lines { return ls.Without(productID) },
		}, true, nil
	})
}

// SetQuantity sets productID's quantity, clamped to its stock limit. Zero
// removes the line.
func (o *Orchestrator) SetQuantity(ctx context.Context, productID string, qty int) error {
	if qty < 0 {
		return apperrors.InvalidInput("quantity must not be negative")
	}
	return o.mutate(ctx, func(cur domain.Lines) (plan, bool, error) {
		if cur.Index(productID) < 0 {
			return plan{}, false, apperrors.NotFound("cart line", productID)
		}
		return setPlan(cur, productID, qty)
	})
}

// Increment raises productID's quantity by one, up to its stock limit.
func (o *Orchestrator) Increment(ctx context.Context, productID string) error {
	return o.step(ctx, productID, 1)
}

// Decrement lowers productID's quantity by one. A line at quantity one is
// removed.
func (o *Orchestrator) Decrement(ctx context.Context, productID string) error {
	return o.step(ctx, productID, -1)
}

func (o *Orchestrator) step(ctx context.Context, productID string, delta int) error {
	return o.mutate(ctx, func(cur domain.Lines) (plan, bool, error) {
		line, ok := cur.Find(productID)
		if !ok {
			return plan{}, false, apperrors.NotFound("cart line", productID)
		}
		return setPlan(cur, productID, line.Quantity+delta)
	})
}

func setPlan(cur domain.Lines, productID string, qty int) (plan, bool, error) {
	transform := func(ls domain.Lines) domain.Lines { return ls.WithQuantity(productID, qty) }
	m, ok := diff(cur, transform(cur), productID, false)
	return plan{key: productID, mutation: m, transform: transform}, ok, nil
}

// Clear empties the cart. It is always sent to the store, even when the cart
// already looks empty.
func (o *Orchestrator) Clear(ctx context.Context) error {
	return o.mutate(ctx, func(domain.Lines) (plan, bool, error) {
		return plan{
			mutation:  store.Mutation{Op: store.OpClear},
			transform: func(domain.Lines) domain.Lines { return domain.Lines{} },
		}, true, nil
	})
}

// diff turns the change of productID's line from cur to next into the store
// call that produces it. It reports false when nothing changed.
func diff(cur, next domain.Lines, productID string, adding bool) (store.Mutation, bool) {
	before, had := cur.Find(productID)
	after, has := next.Find(productID)
	switch {
	case !has && !had:
		return store.Mutation{}, false
	case !has:
		return store.Mutation{Op: store.OpRemove, ProductID: productID}, true
	case had && before.Equal(after):
		return store.Mutation{}, false
	case adding && after.Quantity > before.Quantity:
		return store.Mutation{Op: store.OpAdd, ProductID: productID, Quantity: after.Quantity - before.Quantity, Line: after}, true
	default:
		return store.Mutation{Op: store.OpSetQuantity, ProductID: productID, Quantity: after.Quantity}, true
	}
}

// mutate runs the optimistic apply, dispatch, settle cycle for one call.
func (o *Orchestrator) mutate(ctx context.Context, compute func(domain.Lines) (plan, bool, error)) error {
	o.mu.Lock()
	// The store is chosen together with the queue ticket so a call issued
	// after an identity change never uses the previous identity's store.
	adapter := o.selector.For(o.identity.Current())
	mode := adapter.Mode()
	o.lastErr = nil
	p, ok, err := compute(o.view)
	if err != nil || !ok {
		o.mu.Unlock()
		return err
	}

	o.version++
	c := &call{
		op:        p.mutation.Op,
		version:   o.version,
		snapshot:  o.view,
		transform: p.transform,
	}
	o.pending = append(o.pending, c)
	o.view = p.transform(o.view)

	// Queue order must match apply order, so the ticket is taken under o.mu.
	var t *ticket
	if p.key == "" {
		t = o.queue.cartWide()
	} else {
		t = o.queue.line(p.key)
	}
	o.publishLocked(ChangeEvent{Kind: EventApplied, Lines: o.view.Clone()})

	// Guest writes are never rolled back, so they outlive the caller.
	callCtx := ctx
	if mode == store.ModeEphemeral {
		callCtx = context.WithoutCancel(ctx)
	}
	err = t.wait(callCtx)
	if err == nil {
		err = o.dispatch(callCtx, adapter, p.mutation)
	}
	err = o.settle(ctx, c, mode, err)
	t.release()

	if err != nil {
		return fmt.Errorf("cart %s: %w", p.mutation.Op, err)
	}
	return nil
}

func (o *Orchestrator) dispatch(ctx context.Context, adapter store.Adapter, m store.Mutation) error {
	mode := adapter.Mode()
	if mode == store.ModeEphemeral {
		// The ephemeral store keeps the whole cart, so write the latest view,
		// but only while that view was loaded from the guest store.
		o.persistMu.Lock()
		defer o.persistMu.Unlock()

		o.mu.Lock()
		owned := o.source == store.ModeEphemeral
		next := o.view.Clone()
		o.mu.Unlock()
		if !owned {
			return errSuperseded
		}
		mutationsTotal.WithLabelValues(string(m.Op), string(mode)).Inc()
		return adapter.Apply(ctx, m, next)
	}
	mutationsTotal.WithLabelValues(string(m.Op), string(mode)).Inc()
	return adapter.Apply(ctx, m, nil)
}

// settle records the outcome of c's store call and returns the error the
// caller should see.
func (o *Orchestrator) settle(ctx context.Context, c *call, mode store.Mode, err error) error {
	o.mu.Lock()

	if err != nil && mode == store.ModeEphemeral && !errors.Is(err, errSuperseded) {
		o.logger.WarnContext(ctx, "guest cart write failed, keeping change",
			slog.String("op", string(c.op)),
			slog.String("error", err.Error()),
		)
		err = nil
	}
	if err == nil {
		c.done = true
		o.fold()
		o.mu.Unlock()
		return nil
	}

	o.drop(c)
	if errors.Is(err, errSuperseded) {
		o.logger.InfoContext(ctx, "guest cart write dropped, cart was reloaded from another store",
			slog.String("op", string(c.op)),
		)
		o.publishLocked(ChangeEvent{Kind: EventSuperseded, Lines: o.view.Clone()})
		return nil
	}
	o.lastErr = err

	rollbacksTotal.WithLabelValues(string(c.op)).Inc()
	o.logger.WarnContext(ctx, "cart mutation rolled back",
		slog.String("op", string(c.op)),
		slog.String("mode", string(mode)),
		slog.String("error", err.Error()),
	)
	o.publishLocked(ChangeEvent{Kind: EventRolledBack, Lines: o.view.Clone(), Err: err})
	return err
}

// drop removes c from pending and rebuilds the view without it.
func (o *Orchestrator) drop(c *call) {
	for i, p := range o.pending {
		if p == c {
			o.pending = append(o.pending[:i:i], o.pending[i+1:]...)
			break
		}
	}
	if o.version == c.version {
		o.view = c.snapshot
	} else {
		o.view = o.replay()
	}
	o.fold()
	o.version++
}

// fold moves the settled prefix of pending into base.
func (o *Orchestrator) fold() {
	n := 0
	for n < len(o.pending) && o.pending[n].done {
		o.base = o.pending[n].transform(o.base)
		n++
	}
	o.pending = o.pending[n:]
}

func (o *Orchestrator) replay() domain.Lines {
	lines := o.base
	for _, c := range o.pending {
		lines = c.transform(lines)
	}
	return lines
}
