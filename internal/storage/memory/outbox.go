package memory

import (
	"context"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

// Claim leases due messages, oldest first.
func (s *Store) Claim(_ context.Context, limit int, lease time.Duration) ([]notify.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []notify.Message
	for _, e := range s.outbox {
		if e.sent || e.dead || e.dueAt.After(now) {
			continue
		}
		e.dueAt = now.Add(lease)
		out = append(out, e.msg)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// MarkSent acknowledges a delivered message.
func (s *Store) MarkSent(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.sent = true
	return nil
}

// MarkFailed records a failed delivery attempt due again at retryAt.
func (s *Store) MarkFailed(_ context.Context, id, cause string, retryAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.msg.Attempts++
	e.lastError = cause
	e.dueAt = retryAt
	return nil
}

// MarkDead parks a message for good.
func (s *Store) MarkDead(_ context.Context, id, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.entry(id)
	if err != nil {
		return err
	}
	e.msg.Attempts++
	e.lastError = cause
	e.dead = true
	return nil
}

// Backlog counts messages awaiting delivery.
func (s *Store) Backlog(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int
	for _, e := range s.outbox {
		if !e.sent && !e.dead {
			n++
		}
	}
	return n, nil
}

// DeadLetters returns the messages parked after exhausting their attempts.
func (s *Store) DeadLetters() []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notify.Message
	for _, e := range s.outbox {
		if e.dead {
			out = append(out, e.msg)
		}
	}
	return out
}

// Messages returns every outbox message of an order.
func (s *Store) Messages(orderID string) []notify.Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []notify.Message
	for _, e := range s.outbox {
		if e.msg.OrderID == orderID {
			out = append(out, e.msg)
		}
	}
	return out
}

func (s *Store) entry(id string) (*outboxEntry, error) {
	for _, e := range s.outbox {
		if e.msg.ID == id {
			return e, nil
		}
	}
	return nil, errors.Errorf("outbox message %s not found", id)
}
