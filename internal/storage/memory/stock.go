package memory

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/stock"
)

// Reserve decrements stock for every line or for none of them.
func (s *Store) Reserve(_ context.Context, orderID string, lines []stock.Line) error {
	lines, err := stock.Normalize(lines)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reservations[orderID]; ok {
		return errors.Errorf("stock already reserved for order %s", orderID)
	}
	for _, l := range lines {
		v, ok := s.variants[l.VariantID]
		if !ok {
			return &catalog.VariantNotFoundError{VariantID: l.VariantID}
		}
		if v.Stock < l.Quantity {
			return &stock.InsufficientStockError{
				VariantID: l.VariantID,
				Requested: l.Quantity,
				Available: v.Stock,
			}
		}
	}

	res := make([]*reservation, len(lines))
	for i, l := range lines {
		s.variants[l.VariantID].Stock -= l.Quantity
		res[i] = &reservation{line: l}
	}
	s.reservations[orderID] = res
	return nil
}

// Restore returns the unreleased reservations of orderID to stock.
func (s *Store) Restore(_ context.Context, orderID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restoreLocked(orderID), nil
}

func (s *Store) restoreLocked(orderID string) bool {
	var restored bool
	for _, r := range s.reservations[orderID] {
		if r.released {
			continue
		}
		if v, ok := s.variants[r.line.VariantID]; ok {
			v.Stock += r.line.Quantity
		}
		r.released = true
		restored = true
	}
	return restored
}
