// Package sqlite provides the SQLite-backed implementation of the storage
// ports.
//
// WAL mode is enabled on Open so readers never block the writer. Writes go
// through a single connection (SQLite performs best with one writer), which
// also serializes concurrent claim transactions for the same idempotency key:
// the first insert wins, later ones hit the primary-key conflict and discover
// the committed order.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	// Register the pure-Go SQLite driver. modernc.org/sqlite avoids CGO,
	// keeping the binary easy to build in minimal containers.
	_ "modernc.org/sqlite"

	"storefront-backend/internal/order"
	"storefront-backend/internal/storage"
)

// schema is the DDL applied once on startup. Idempotent via IF NOT EXISTS.
//
// idempotency_keys is the ledger: one row per provider transaction, written
// in the same transaction as the order it owns, so a claimed key without an
// order is never durable.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    id          TEXT PRIMARY KEY,
    email       TEXT NOT NULL UNIQUE,
    name        TEXT NOT NULL DEFAULT '',
    created_at  TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS orders (
    id           TEXT PRIMARY KEY,
    user_id      TEXT NOT NULL REFERENCES users(id),
    status       TEXT NOT NULL,
    total_minor  INTEGER NOT NULL,
    currency     TEXT NOT NULL DEFAULT 'usd',
    created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_orders_user ON orders(user_id, created_at);

CREATE TABLE IF NOT EXISTS order_items (
    id               TEXT PRIMARY KEY,
    order_id         TEXT NOT NULL REFERENCES orders(id),
    product_ref      TEXT NOT NULL,
    quantity         INTEGER NOT NULL,
    unit_price_minor INTEGER NOT NULL,
    position         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_order_items_order ON order_items(order_id, position);

-- No FK on order_id: the ledger row is written before the order row inside
-- the same transaction, and SQLite checks foreign keys immediately.
CREATE TABLE IF NOT EXISTS idempotency_keys (
    key         TEXT PRIMARY KEY,
    order_id    TEXT NOT NULL,
    claimed_at  TEXT NOT NULL
);
`

// Store implements storage.OrderStore and storage.UserStore on SQLite.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and applies the schema.
//
//	store, err := sqlite.Open("./data/storefront.db")
func Open(path string) (*Store, error) {
	// The pure-Go driver takes _pragma query parameters. busy_timeout makes
	// a second writer wait for the lock instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection. Call it with defer in main().
func (s *Store) Close() error {
	return s.db.Close()
}

// InsertOrderWithItemsIfKeyUnclaimed implements the claim-or-discover
// primitive. The ledger row and the order rows commit in one transaction.
func (s *Store) InsertOrderWithItemsIfKeyUnclaimed(ctx context.Context, key string, o *order.Order) (storage.ClaimResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storage.ClaimResult{}, fmt.Errorf("sqlite: begin claim tx for %q: %w", key, err)
	}
	defer tx.Rollback()

	// First writer wins the insert; anyone else's insert is a no-op and
	// must re-read to discover the committed owner.
	res, err := tx.ExecContext(ctx,
		`INSERT INTO idempotency_keys (key, order_id, claimed_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		key, o.ID, formatTime(time.Now().UTC()),
	)
	if err != nil {
		return storage.ClaimResult{}, fmt.Errorf("sqlite: claim key %q: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storage.ClaimResult{}, fmt.Errorf("sqlite: claim key %q: %w", key, err)
	}

	if n == 0 {
		var existingID string
		err := tx.QueryRowContext(ctx,
			`SELECT order_id FROM idempotency_keys WHERE key = ?`, key,
		).Scan(&existingID)
		if err != nil || existingID == "" {
			// Claimed but the owning order is not yet readable: the winner's
			// transaction has not finished committing.
			return storage.ClaimResult{}, storage.ErrClaimInFlight
		}
		_ = tx.Rollback()

		existing, err := s.GetOrder(ctx, existingID)
		if err != nil {
			if errors.Is(err, storage.ErrOrderNotFound) {
				return storage.ClaimResult{}, storage.ErrClaimInFlight
			}
			return storage.ClaimResult{}, err
		}
		return storage.ClaimResult{Order: existing, Fresh: false}, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO orders (id, user_id, status, total_minor, currency, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		o.ID, o.UserID, string(o.Status), o.TotalMinorUnits, o.Currency, formatTime(o.CreatedAt),
	); err != nil {
		return storage.ClaimResult{}, fmt.Errorf("sqlite: insert order %q: %w", o.ID, err)
	}

	for pos, it := range o.Items {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO order_items (id, order_id, product_ref, quantity, unit_price_minor, position)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			it.ID, o.ID, it.ProductRef, it.Quantity, it.UnitPriceMinorUnits, pos,
		); err != nil {
			return storage.ClaimResult{}, fmt.Errorf("sqlite: insert item %d of order %q: %w", pos, o.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isBusy(err) {
			return storage.ClaimResult{}, storage.ErrClaimInFlight
		}
		return storage.ClaimResult{}, fmt.Errorf("sqlite: commit order %q: %w", o.ID, err)
	}
	return storage.ClaimResult{Order: o, Fresh: true}, nil
}

// GetOrder returns the order and its items, items in insertion order.
func (s *Store) GetOrder(ctx context.Context, id string) (*order.Order, error) {
	var o order.Order
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, status, total_minor, currency, created_at FROM orders WHERE id = ?`, id,
	).Scan(&o.ID, &o.UserID, (*string)(&o.Status), &o.TotalMinorUnits, &o.Currency, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get order %q: %w", id, err)
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if o.Items, err = s.itemsFor(ctx, o.ID); err != nil {
		return nil, err
	}
	return &o, nil
}

// ListOrdersByUser returns a user's orders, newest first, items included.
func (s *Store) ListOrdersByUser(ctx context.Context, userID string) ([]order.Order, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, status, total_minor, currency, created_at
		 FROM orders WHERE user_id = ? ORDER BY created_at DESC, id`, userID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list orders for user %q: %w", userID, err)
	}
	defer rows.Close()

	var out []order.Order
	for rows.Next() {
		var o order.Order
		var createdAt string
		if err := rows.Scan(&o.ID, &o.UserID, (*string)(&o.Status), &o.TotalMinorUnits, &o.Currency, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlite: scan order row: %w", err)
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list orders for user %q: %w", userID, err)
	}
	for i := range out {
		if out[i].Items, err = s.itemsFor(ctx, out[i].ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// UpdateOrderStatus transitions the order's status.
func (s *Store) UpdateOrderStatus(ctx context.Context, id string, status order.Status) (*order.Order, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return nil, fmt.Errorf("sqlite: update status of order %q: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, storage.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

// LookupUserByIdentity resolves an email to a user.
func (s *Store) LookupUserByIdentity(ctx context.Context, identity string) (*storage.User, error) {
	var u storage.User
	var createdAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, email, name, created_at FROM users WHERE email = ?`, identity,
	).Scan(&u.ID, &u.Email, &u.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: lookup user %q: %w", identity, err)
	}
	if u.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	return &u, nil
}

// SeedUser inserts a user if the email is not already taken. Used by dev
// bootstrap and tests; account issuance itself lives outside this engine.
func (s *Store) SeedUser(ctx context.Context, u *storage.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, name, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(email) DO NOTHING`,
		u.ID, u.Email, u.Name, formatTime(u.CreatedAt))
	if err != nil {
		return fmt.Errorf("sqlite: seed user %q: %w", u.Email, err)
	}
	return nil
}

func (s *Store) itemsFor(ctx context.Context, orderID string) ([]order.Item, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, order_id, product_ref, quantity, unit_price_minor
		 FROM order_items WHERE order_id = ? ORDER BY position`, orderID)
	if err != nil {
		return nil, fmt.Errorf("sqlite: items of order %q: %w", orderID, err)
	}
	defer rows.Close()

	var items []order.Item
	for rows.Next() {
		var it order.Item
		if err := rows.Scan(&it.ID, &it.OrderID, &it.ProductRef, &it.Quantity, &it.UnitPriceMinorUnits); err != nil {
			return nil, fmt.Errorf("sqlite: scan item row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: items of order %q: %w", orderID, err)
	}
	return items, nil
}

// isBusy reports whether err is SQLite's locked/busy condition, which is
// retryable from the caller's perspective.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
