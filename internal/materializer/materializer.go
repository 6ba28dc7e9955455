// Package materializer converts a verified payment confirmation into exactly
// one durable order.
//
// Confirmations for the same provider transaction arrive through two
// unsynchronized paths — the provider's at-least-once webhook and the
// client's success callback — and may race or duplicate freely. The engine
// collapses them with an idempotency claim: the provider transaction ID keys
// a claim-or-discover primitive in the store, the first claimant creates the
// order and everyone else observes the identical committed record, so neither
// entry point needs to know which of them won.
package materializer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"storefront-backend/internal/order"
	"storefront-backend/internal/payment"
	"storefront-backend/internal/storage"
)

// ErrUnknownUser is returned when the confirmation's payer identity resolves
// to no user. Fatal for the operation; never silently dropped. The same
// transaction can succeed later once the identity is known.
var ErrUnknownUser = errors.New("materializer: payer identity resolves to no user")

// ErrConflictRetryable is returned when a concurrent claim for the same key
// was still committing after the bounded retry window. The caller should
// retry; the webhook path relies on provider-side redelivery for this.
var ErrConflictRetryable = errors.New("materializer: concurrent claim in flight, retry")

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 50 * time.Millisecond
)

// ResultCache is an optional fast-path cache of materialized orders by
// transaction ID. May be nil.
type ResultCache interface {
	Get(ctx context.Context, txID string) (*order.Order, error)
	Put(ctx context.Context, txID string, o *order.Order) error
}

// Materializer orchestrates claim and order creation.
type Materializer struct {
	orders storage.OrderStore
	users  storage.UserStore
	cache  ResultCache

	maxAttempts int
	backoff     time.Duration
}

// Option configures a Materializer.
type Option func(*Materializer)

// WithCache installs a result cache consulted before the durable store.
func WithCache(c ResultCache) Option {
	return func(m *Materializer) { m.cache = c }
}

// WithRetry overrides the bounded retry used when a concurrent claim for the
// same key is still committing.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(m *Materializer) {
		m.maxAttempts = attempts
		m.backoff = backoff
	}
}

// New builds a Materializer over the given stores.
func New(orders storage.OrderStore, users storage.UserStore, opts ...Option) *Materializer {
	m := &Materializer{
		orders:      orders,
		users:       users,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Materialize returns the single order owned by the confirmation's
// transaction, creating it if this caller wins the claim. Repeated and
// concurrent calls with the same transaction ID all return the same order;
// the result's shape does not reveal whether the call was the creator.
func (m *Materializer) Materialize(ctx context.Context, c *payment.Confirmation) (*order.Order, error) {
	key := c.ProviderTransactionID
	if key == "" {
		return nil, fmt.Errorf("%w: empty transaction id", payment.ErrMalformedEvent)
	}

	if m.cache != nil {
		if cached, err := m.cache.Get(ctx, key); err != nil {
			slog.WarnContext(ctx, "order cache read failed", "tx_id", key, "error", err)
		} else if cached != nil {
			slog.InfoContext(ctx, "order served from cache", "tx_id", key, "order_id", cached.ID)
			return cached, nil
		}
	}

	// Resolve the payer before any store transaction opens.
	user, err := m.users.LookupUserByIdentity(ctx, c.PayerIdentity)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownUser, c.PayerIdentity)
		}
		return nil, fmt.Errorf("materializer: resolve payer: %w", err)
	}

	candidate := m.buildOrder(c, user.ID)

	// Detach the claim transaction from request cancellation: once it begins
	// it either commits or rolls back whole, never half-abandoned. Tracing
	// metadata still propagates.
	claimCtx := context.WithoutCancel(ctx)

	var res storage.ClaimResult
	for attempt := 1; ; attempt++ {
		res, err = m.orders.InsertOrderWithItemsIfKeyUnclaimed(claimCtx, key, candidate)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrClaimInFlight) {
			return nil, fmt.Errorf("materializer: claim %q: %w", key, err)
		}
		if attempt >= m.maxAttempts {
			return nil, fmt.Errorf("%w: key %q", ErrConflictRetryable, key)
		}
		// Another caller holds the claim mid-commit; back off and re-check.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(m.backoff << (attempt - 1)):
		}
	}

	if res.Fresh {
		slog.InfoContext(ctx, "order materialized", "tx_id", key, "order_id", res.Order.ID, "total_minor", res.Order.TotalMinorUnits)
	} else {
		slog.InfoContext(ctx, "duplicate confirmation, returning existing order", "tx_id", key, "order_id", res.Order.ID)
	}

	if m.cache != nil {
		if err := m.cache.Put(ctx, key, res.Order); err != nil {
			slog.WarnContext(ctx, "order cache write failed", "tx_id", key, "error", err)
		}
	}
	return res.Order, nil
}

// buildOrder freezes the confirmation into a candidate order. The total is
// the provider-confirmed amount and item prices come from the snapshot, so
// later catalog changes never alter the record.
func (m *Materializer) buildOrder(c *payment.Confirmation, userID string) *order.Order {
	o := &order.Order{
		ID:              uuid.NewString(),
		UserID:          userID,
		Status:          order.StatusPaid,
		TotalMinorUnits: c.AmountMinorUnits,
		Currency:        c.Currency,
		CreatedAt:       time.Now().UTC(),
	}
	o.Items = make([]order.Item, len(c.CartSnapshot))
	for i, it := range c.CartSnapshot {
		o.Items[i] = order.Item{
			ID:                  uuid.NewString(),
			OrderID:             o.ID,
			ProductRef:          it.ProductRef,
			Quantity:            it.Quantity,
			UnitPriceMinorUnits: it.UnitPriceMinorUnits,
		}
	}
	return o
}
