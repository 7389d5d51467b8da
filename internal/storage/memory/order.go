package memory

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

// Create stores a new order.
func (s *Store) Create(_ context.Context, o *order.Order) error {
	if err := o.CheckTotals(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.numbers[o.Number]; ok {
		return order.ErrDuplicateNumber
	}
	if _, ok := s.orders[o.ID]; ok {
		return errors.Errorf("order %s already exists", o.ID)
	}
	s.orders[o.ID] = copyOrder(o)
	s.numbers[o.Number] = o.ID
	return nil
}

// NumberExists reports whether an order number is taken.
func (s *Store) NumberExists(_ context.Context, number string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.numbers[number]
	return ok, nil
}

// Get returns an order with its items.
func (s *Store) Get(_ context.Context, id string) (*order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, order.ErrNotFound
	}
	return copyOrder(o), nil
}

// HasEvent reports whether eventID was applied to the order.
func (s *Store) HasEvent(_ context.Context, orderID, eventID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.events[orderID][eventID]
	return ok, nil
}

// ApplyTransition commits a status change with its side effects.
func (s *Store) ApplyTransition(_ context.Context, c order.Change) (*order.Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[c.OrderID]
	if !ok {
		return nil, order.ErrNotFound
	}
	if _, ok := s.events[o.ID][c.EventID]; ok {
		return nil, order.ErrDuplicateEvent
	}
	if o.Status != c.From {
		return nil, order.ErrStatusConflict
	}

	out := &order.Outcome{}
	if c.IncrementVoucher != nil {
		v, ok := s.vouchers[*c.IncrementVoucher]
		if !ok {
			return nil, errors.Errorf("voucher %s not found", *c.IncrementVoucher)
		}
		if v.UsageLimit != nil && v.UsageCount >= *v.UsageLimit {
			out.VoucherExhausted = true
		} else {
			v.UsageCount++
		}
	}
	if c.RestoreStock {
		s.restoreLocked(o.ID)
	}

	o.Status = c.To
	o.UpdatedAt = c.At

	if s.events[o.ID] == nil {
		s.events[o.ID] = make(map[string]struct{})
	}
	s.events[o.ID][c.EventID] = struct{}{}
	s.transitions[o.ID] = append(s.transitions[o.ID], order.Transition{
		OrderID:    o.ID,
		From:       c.From,
		To:         c.To,
		EventID:    c.EventID,
		Actor:      c.Actor,
		Reason:     c.Reason,
		OccurredAt: c.At,
	})
	for _, m := range c.Messages {
		s.outbox = append(s.outbox, &outboxEntry{msg: m})
	}

	out.Order = copyOrder(o)
	return out, nil
}

// Transitions returns the audit history of an order, oldest first.
func (s *Store) Transitions(_ context.Context, orderID string) ([]order.Transition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[orderID]; !ok {
		return nil, order.ErrNotFound
	}
	return slices.Clone(s.transitions[orderID]), nil
}

// ListByStatus returns orders in status updated before the given time.
func (s *Store) ListByStatus(_ context.Context, status order.Status, updatedBefore time.Time, limit int) ([]order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []order.Order
	for _, o := range s.orders {
		if o.Status == status && o.UpdatedAt.Before(updatedBefore) {
			out = append(out, *copyOrder(o))
		}
	}
	slices.SortFunc(out, func(a, b order.Order) int {
		return a.UpdatedAt.Compare(b.UpdatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
