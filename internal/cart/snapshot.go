// Package cart resolves the point-in-time cart snapshot carried by a payment
// confirmation into priced order lines.
//
// Two sources exist. The webhook path carries the snapshot inside the payment
// intent's metadata, set server-side at intent creation time, and is trusted
// as-is. The client path carries the browser's locally held cart state and is
// never trusted: the total is recomputed here and compared against the
// client-declared total with zero tolerance.
package cart

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPriceMismatch is returned when a client-declared total diverges from the
// total recomputed from the snapshot's lines. The request is rejected, never
// silently corrected.
var ErrPriceMismatch = errors.New("cart: declared total does not match recomputed total")

// ErrInvalidSnapshot is returned for structurally invalid snapshots
// (no lines, non-positive quantity, negative price, missing product ref).
var ErrInvalidSnapshot = errors.New("cart: invalid snapshot")

// Item is one line of a cart snapshot.
type Item struct {
	ProductRef          string `json:"product_ref"`
	Quantity            int    `json:"quantity"`
	UnitPriceMinorUnits int64  `json:"unit_price_minor_units"`
}

// Snapshot is an immutable, ordered record of cart lines at the moment
// payment was confirmed.
type Snapshot []Item

// Total returns Σ(quantity × unit price) over all lines.
func (s Snapshot) Total() int64 {
	var total int64
	for _, it := range s {
		total += int64(it.Quantity) * it.UnitPriceMinorUnits
	}
	return total
}

// Validate checks the structural invariants of the snapshot.
func (s Snapshot) Validate() error {
	if len(s) == 0 {
		return fmt.Errorf("%w: no lines", ErrInvalidSnapshot)
	}
	for i, it := range s {
		if it.ProductRef == "" {
			return fmt.Errorf("%w: line %d has no product ref", ErrInvalidSnapshot, i)
		}
		if it.Quantity <= 0 {
			return fmt.Errorf("%w: line %d has quantity %d", ErrInvalidSnapshot, i, it.Quantity)
		}
		if it.UnitPriceMinorUnits < 0 {
			return fmt.Errorf("%w: line %d has negative unit price", ErrInvalidSnapshot, i)
		}
	}
	return nil
}

// ParseMetadata decodes the snapshot embedded in payment-intent metadata.
// The webhook path trusts the decoded lines as-is because they were written
// server-side at intent creation time.
func ParseMetadata(raw string) (Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("cart: decode metadata snapshot: %w", err)
	}
	return s, nil
}

// EncodeMetadata serializes the snapshot for embedding in payment-intent
// metadata. Inverse of ParseMetadata.
func EncodeMetadata(s Snapshot) (string, error) {
	b, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("cart: encode metadata snapshot: %w", err)
	}
	return string(b), nil
}

// ResolveClient validates a client-supplied snapshot and recomputes its total.
// The declared total must equal the recomputed total exactly; a manipulated
// request can therefore never create an under-priced order.
func ResolveClient(items []Item, declaredTotal int64) (Snapshot, int64, error) {
	s := Snapshot(items)
	if err := s.Validate(); err != nil {
		return nil, 0, err
	}
	total := s.Total()
	if total != declaredTotal {
		return nil, 0, fmt.Errorf("%w: declared %d, recomputed %d", ErrPriceMismatch, declaredTotal, total)
	}
	return s, total, nil
}
