// Package stock defines the all-or-nothing stock reservation boundary of
// checkout.
package stock

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/go-faster/errors"
)

// ErrInvalidQuantity is returned for a line with a non-positive quantity.
var ErrInvalidQuantity = errors.New("quantity must be greater than 0")

// InsufficientStockError reports the first line whose variant cannot cover
// the requested quantity.
type InsufficientStockError struct {
	VariantID string
	Requested int
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for variant %s: requested %d, available %d",
		e.VariantID, e.Requested, e.Available)
}

// Line is a variant quantity to reserve.
type Line struct {
	VariantID string
	Quantity  int
}

// Ledger decrements and restores stock for an order.
//
// Reserve either decrements every line or none of them. Restore returns
// the quantities reserved for orderID and reports whether anything was
// restored; a second Restore for the same order is a no-op.
type Ledger interface {
	Reserve(ctx context.Context, orderID string, lines []Line) error
	Restore(ctx context.Context, orderID string) (bool, error)
}

// Normalize merges duplicate variants and sorts lines by variant ID, which
// is the lock order used by every Ledger implementation.
func Normalize(lines []Line) ([]Line, error) {
	merged := make(map[string]int, len(lines))
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, errors.Wrapf(ErrInvalidQuantity, "variant %s", l.VariantID)
		}
		merged[l.VariantID] += l.Quantity
	}

	out := make([]Line, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Line{VariantID: id, Quantity: qty})
	}
	slices.SortFunc(out, func(a, b Line) int {
		return strings.Compare(a.VariantID, b.VariantID)
	})
	return out, nil
}

// VariantIDs returns the variant IDs of lines in order.
func VariantIDs(lines []Line) []string {
	ids := make([]string, len(lines))
	for i, l := range lines {
		ids[i] = l.VariantID
	}
	return ids
}
