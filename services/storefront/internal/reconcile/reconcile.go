// Package reconcile moves a guest cart into the user's durable cart when the
// visitor signs in.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/services/storefront/internal/domain"
	"github.com/utafrali/cartsync/services/storefront/internal/identity"
)

var reconciliationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "storefront_reconciliations_total",
		Help: "Guest cart merges at sign-in, by result",
	},
	[]string{"result"},
)

// mergeNamespace scopes merge idempotency keys.
var mergeNamespace = uuid.MustParse("6f1c2a4e-3b7d-5e90-8a41-c2d7b9e05f13")

// GuestCart is the session's ephemeral cart.
type GuestCart interface {
	Load(ctx context.Context) domain.Lines
	Save(ctx context.Context, lines domain.Lines) error
	Clear(ctx context.Context) error
}

// Merger sends a batch of lines to the user's durable cart and returns the
// cart after the merge. Lines the durable cart could not take are absent
// from the result.
type Merger interface {
	Merge(ctx context.Context, userID, key string, lines domain.Lines) (domain.Lines, error)
}

// Cart is the orchestrator as seen by the reconciler.
type Cart interface {
	Drain(ctx context.Context) error
	Load(ctx context.Context) error
	ReportError(err error)
}

// Reconciler runs the sign-in merge for one session.
type Reconciler struct {
	sessionID string
	guest     GuestCart
	merger    Merger
	cart      Cart
	logger    *slog.Logger

	// mu serializes merges.
	mu      sync.Mutex
	pending string
}

// New creates a reconciler for sessionID.
func New(sessionID string, guest GuestCart, merger Merger, cart Cart, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		sessionID: sessionID,
		guest:     guest,
		merger:    merger,
		cart:      cart,
		logger:    logger,
	}
}

// MergeKey names one merge batch. The same session sending the same lines
// gets the same key, so a retry after a lost response is not applied twice.
func MergeKey(sessionID string, lines domain.Lines) (string, error) {
	data, err := json.Marshal(lines)
	if err != nil {
		return "", fmt.Errorf("encode merge batch: %w", err)
	}
	name := append([]byte(sessionID+"\n"), data...)
	return uuid.NewSHA1(mergeNamespace, name).String(), nil
}

// Reconcile merges the guest cart into userID's durable cart. An empty guest
// cart is a no-op. On success the guest cart is cleared and the cart
// reloaded from the durable store; lines the durable cart could not take stay
// in the guest cart and are reported. On failure the guest cart is kept and
// the error is reported on the cart. A failure that may pass on its own
// stays pending for a retry; a rejected batch does not.
func (r *Reconciler) Reconcile(ctx context.Context, userID string) domain.SyncOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Guest writes still in flight must land before the guest cart is read.
	if err := r.cart.Drain(ctx); err != nil {
		return r.fail(ctx, userID, 0, err)
	}

	lines := r.guest.Load(ctx)
	if len(lines) == 0 {
		r.pending = ""
		reconciliationsTotal.WithLabelValues("noop").Inc()
		return domain.SyncOutcome{Success: true}
	}

	key, err := MergeKey(r.sessionID, lines)
	if err != nil {
		return r.fail(ctx, userID, len(lines), err)
	}
	merged, err := r.merger.Merge(ctx, userID, key, lines)
	if err != nil {
		return r.fail(ctx, userID, len(lines), err)
	}
	r.pending = ""

	left := notMerged(lines, merged)
	if len(left) == 0 {
		err = r.guest.Clear(ctx)
	} else {
		err = r.guest.Save(ctx, left)
	}
	if err != nil {
		// The merge key makes a repeat of this batch harmless.
		r.logger.WarnContext(ctx, "guest cart not updated after merge",
			slog.String("session_id", r.sessionID),
			slog.String("error", err.Error()),
		)
	}
	if err := r.cart.Load(ctx); err != nil {
		r.logger.WarnContext(ctx, "cart reload after merge failed",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}

	migrated := len(lines) - len(left)
	r.logger.InfoContext(ctx, "guest cart merged",
		slog.String("user_id", userID),
		slog.String("session_id", r.sessionID),
		slog.Int("migrated", migrated),
		slog.Int("kept_in_guest_cart", len(left)),
		slog.Int("lines_after_merge", len(merged)),
	)
	if len(left) == 0 {
		reconciliationsTotal.WithLabelValues("merged").Inc()
		return domain.SyncOutcome{MigratedCount: migrated, Success: true}
	}

	reconciliationsTotal.WithLabelValues("partial").Inc()
	reason := fmt.Sprintf("%d of %d products did not fit in your cart and were kept in your guest cart", len(left), len(lines))
	r.cart.ReportError(fmt.Errorf("%w: %w", domain.ErrReconciliationFailed, apperrors.InvalidInput(reason)))
	return domain.SyncOutcome{MigratedCount: migrated, Success: true, Reason: reason}
}

// notMerged returns the guest lines whose product is missing from merged.
// Sold out lines are dropped by the merge and are not kept.
func notMerged(guest, merged domain.Lines) domain.Lines {
	var left domain.Lines
	for _, l := range guest {
		if merged.Index(l.ProductID) < 0 && l.Clamp(l.Quantity) > 0 {
			left = append(left, l)
		}
	}
	return left
}

func (r *Reconciler) fail(ctx context.Context, userID string, lines int, cause error) domain.SyncOutcome {
	// Sending a rejected batch again gets the same answer.
	retry := !errors.Is(cause, apperrors.ErrInvalidInput)
	r.pending = ""
	if retry {
		r.pending = userID
	}
	reconciliationsTotal.WithLabelValues("failed").Inc()
	r.logger.WarnContext(ctx, "guest cart merge failed, guest cart kept",
		slog.String("user_id", userID),
		slog.String("session_id", r.sessionID),
		slog.Int("lines", lines),
		slog.Bool("retry", retry),
		slog.String("error", cause.Error()),
	)

	// Show the durable cart; the guest lines stay stored until a retry succeeds.
	_ = r.cart.Load(ctx)
	err := fmt.Errorf("%w: %w", domain.ErrReconciliationFailed, cause)
	r.cart.ReportError(err)
	return domain.SyncOutcome{Success: false, Reason: apperrors.Message(cause)}
}

// Pending reports whether a failed merge is waiting for a retry.
func (r *Reconciler) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending != ""
}

// RetryPending re-runs a failed merge while its user is still signed in.
// It reports whether a merge was attempted.
func (r *Reconciler) RetryPending(ctx context.Context, current domain.Identity) (domain.SyncOutcome, bool) {
	r.mu.Lock()
	userID := r.pending
	if userID != "" && current.UserID() != userID {
		r.pending = ""
		userID = ""
	}
	r.mu.Unlock()

	if userID == "" {
		return domain.SyncOutcome{}, false
	}
	return r.Reconcile(ctx, userID), true
}

// Bind reacts to identity changes on t. Signing in runs the merge exactly
// once for that edge; any other change reloads the cart for the new identity.
func (r *Reconciler) Bind(t *identity.Tracker) {
	t.Subscribe(func(ctx context.Context, prev, next domain.Identity) {
		if domain.IsLogin(prev, next) {
			outcome := r.Reconcile(ctx, next.UserID())
			if outcome.Success && outcome.MigratedCount == 0 && outcome.Reason == "" {
				r.reload(ctx, next)
			}
			return
		}

		r.mu.Lock()
		r.pending = ""
		r.mu.Unlock()
		r.reload(ctx, next)
	})
}

func (r *Reconciler) reload(ctx context.Context, id domain.Identity) {
	if err := r.cart.Load(ctx); err != nil {
		r.logger.WarnContext(ctx, "cart reload after identity change failed",
			slog.String("identity", id.String()),
			slog.String("error", err.Error()),
		)
	}
}
