// Package storage defines the ports (interfaces) for the durable stores the
// engine depends on. The materializer depends on these abstractions, not on
// SQLite directly, so the implementation can be swapped for Postgres or an
// in-memory fake in tests.
package storage

import (
	"context"
	"errors"
	"time"

	"storefront-backend/internal/order"
)

// ErrUserNotFound is returned when no user resolves for an identity.
var ErrUserNotFound = errors.New("storage: user not found")

// ErrOrderNotFound is returned when an order ID does not exist.
var ErrOrderNotFound = errors.New("storage: order not found")

// ErrClaimInFlight is returned when the idempotency key is claimed but the
// owning order is not yet visible — another caller's transaction is still
// committing. The caller should back off and retry the whole operation.
var ErrClaimInFlight = errors.New("storage: idempotency claim in flight")

// ClaimResult is the outcome of the claim-or-discover primitive.
// Fresh means this caller won the claim and Order is the newly created
// record; otherwise Order is the record a previous claimant committed.
// The two are indistinguishable in shape.
type ClaimResult struct {
	Order *order.Order
	Fresh bool
}

// OrderStore is the durable order store.
type OrderStore interface {
	// InsertOrderWithItemsIfKeyUnclaimed is the single transactional
	// primitive behind exactly-once materialization: within one atomic
	// transaction it claims the idempotency key and inserts the order with
	// its items. If the key is already claimed it returns the previously
	// committed order instead. Safe for concurrent callers with the same
	// key: exactly one observes Fresh.
	InsertOrderWithItemsIfKeyUnclaimed(ctx context.Context, key string, o *order.Order) (ClaimResult, error)

	GetOrder(ctx context.Context, id string) (*order.Order, error)
	ListOrdersByUser(ctx context.Context, userID string) ([]order.Order, error)

	// UpdateOrderStatus transitions an order's status and returns the
	// updated record. Orders are never deleted.
	UpdateOrderStatus(ctx context.Context, id string, status order.Status) (*order.Order, error)
}

// User is an account resolved — not owned — by this engine.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// UserStore resolves payer identities to users.
type UserStore interface {
	// LookupUserByIdentity resolves an email or stable user reference.
	// Returns ErrUserNotFound when no user matches.
	LookupUserByIdentity(ctx context.Context, identity string) (*User, error)
}
