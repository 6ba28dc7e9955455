// Package order defines the domain types for materialized orders.
//
// An Order is created exactly once per payment-provider transaction by the
// materializer and is never deleted. After creation only its Status field
// changes, through the order-management workflow.
package order

import "time"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCancelled Status = "CANCELLED"
)

// Valid reports whether s is one of the known lifecycle states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// Order is a durable record of a confirmed purchase.
// TotalMinorUnits is the amount the provider confirmed, in the smallest
// currency unit (cents for USD) — integer arithmetic, never floats.
type Order struct {
	ID              string    `json:"id"`
	UserID          string    `json:"user_id"`
	Status          Status    `json:"status"`
	TotalMinorUnits int64     `json:"total_minor_units"`
	Currency        string    `json:"currency"`
	CreatedAt       time.Time `json:"created_at"`
	Items           []Item    `json:"items"`
}

// Item is a single line of an order. Its price is frozen from the cart
// snapshot at confirmation time; later catalog price changes never alter it.
type Item struct {
	ID                  string `json:"id"`
	OrderID             string `json:"order_id"`
	ProductRef          string `json:"product_ref"`
	Quantity            int    `json:"quantity"`
	UnitPriceMinorUnits int64  `json:"unit_price_minor_units"`
}

// Subtotal returns quantity × unit price for the line.
func (i Item) Subtotal() int64 {
	return int64(i.Quantity) * i.UnitPriceMinorUnits
}
