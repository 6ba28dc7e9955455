package httpx

import (
	"strings"
	"time"

	"storefront-backend/internal/cart"
	"storefront-backend/internal/order"
)

// orderStatus normalizes a wire status string to the domain enum.
func orderStatus(s string) order.Status {
	return order.Status(strings.ToUpper(strings.TrimSpace(s)))
}

// CartItemDTO is one line of a client-supplied cart snapshot.
type CartItemDTO struct {
	ProductRef          string `json:"product_ref"`
	Quantity            int    `json:"quantity"`
	UnitPriceMinorUnits int64  `json:"unit_price_minor_units"`
}

// ConfirmCheckoutRequest is the body of the client success callback, fired
// when the browser returns from an inline payment.
type ConfirmCheckoutRequest struct {
	TransactionID          string        `json:"transaction_id"`
	Items                  []CartItemDTO `json:"items"`
	ClaimedTotalMinorUnits int64         `json:"claimed_total_minor_units"`
	Currency               string        `json:"currency"`
}

// CreateIntentRequest asks the provider for a payment intent over the given
// snapshot. The amount is recomputed server-side; no client total is read.
type CreateIntentRequest struct {
	Items    []CartItemDTO `json:"items"`
	Currency string        `json:"currency"`
}

// CreateIntentResponse returns what the browser SDK needs to collect payment.
type CreateIntentResponse struct {
	TransactionID    string `json:"transaction_id"`
	ClientSecret     string `json:"client_secret"`
	AmountMinorUnits int64  `json:"amount_minor_units"`
	Currency         string `json:"currency"`
}

// UpdateStatusRequest transitions an order's lifecycle state.
type UpdateStatusRequest struct {
	Status string `json:"status"`
}

// OrderResponse is the wire shape of a materialized order. Fresh and
// duplicate materializations serialize identically.
type OrderResponse struct {
	ID              string              `json:"id"`
	UserID          string              `json:"user_id"`
	Status          string              `json:"status"`
	TotalMinorUnits int64               `json:"total_minor_units"`
	Currency        string              `json:"currency"`
	Items           []OrderItemResponse `json:"items"`
	CreatedAt       string              `json:"created_at"`
}

type OrderItemResponse struct {
	ProductRef          string `json:"product_ref"`
	Quantity            int    `json:"quantity"`
	UnitPriceMinorUnits int64  `json:"unit_price_minor_units"`
}

// WebhookAck acknowledges a webhook delivery.
type WebhookAck struct {
	Received bool   `json:"received"`
	OrderID  string `json:"order_id,omitempty"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func mapItemsToSnapshot(items []CartItemDTO) []cart.Item {
	out := make([]cart.Item, len(items))
	for i, it := range items {
		out[i] = cart.Item{
			ProductRef:          it.ProductRef,
			Quantity:            it.Quantity,
			UnitPriceMinorUnits: it.UnitPriceMinorUnits,
		}
	}
	return out
}

func mapOrderToResponse(o *order.Order) OrderResponse {
	items := make([]OrderItemResponse, len(o.Items))
	for i, it := range o.Items {
		items[i] = OrderItemResponse{
			ProductRef:          it.ProductRef,
			Quantity:            it.Quantity,
			UnitPriceMinorUnits: it.UnitPriceMinorUnits,
		}
	}
	return OrderResponse{
		ID:              o.ID,
		UserID:          o.UserID,
		Status:          string(o.Status),
		TotalMinorUnits: o.TotalMinorUnits,
		Currency:        o.Currency,
		Items:           items,
		CreatedAt:       o.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
