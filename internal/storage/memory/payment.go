package memory

import (
	"context"
	"slices"
	"time"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Payments stores payment sessions in a Store.
type Payments struct {
	s *Store
}

// Create stores a new session. It becomes the order's current session.
func (p *Payments) Create(_ context.Context, ps *payment.Session) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	if _, ok := p.s.sessions[ps.Token]; ok {
		return errors.Errorf("payment token %s already exists", ps.Token)
	}
	c := *ps
	p.s.sessions[ps.Token] = &c
	p.s.sessionByOrder[ps.OrderID] = ps.Token
	return nil
}

// GetByToken returns a session by gateway token.
func (p *Payments) GetByToken(_ context.Context, token string) (*payment.Session, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	ps, ok := p.s.sessions[token]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	c := *ps
	return &c, nil
}

// GetByOrder returns the current session of an order.
func (p *Payments) GetByOrder(_ context.Context, orderID string) (*payment.Session, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	token, ok := p.s.sessionByOrder[orderID]
	if !ok {
		return nil, payment.ErrSessionNotFound
	}
	c := *p.s.sessions[token]
	return &c, nil
}

// UpdateStatus records the latest gateway status of a session.
func (p *Payments) UpdateStatus(_ context.Context, token, status string, at time.Time) error {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	ps, ok := p.s.sessions[token]
	if !ok {
		return payment.ErrSessionNotFound
	}
	ps.Status = status
	ps.UpdatedAt = at
	return nil
}

// ListExpired returns pending sessions that expired before now.
func (p *Payments) ListExpired(_ context.Context, now time.Time, limit int) ([]payment.Session, error) {
	p.s.mu.Lock()
	defer p.s.mu.Unlock()

	var out []payment.Session
	for _, ps := range p.s.sessions {
		if ps.Status == payment.StatusPending && ps.ExpiresAt.Before(now) {
			out = append(out, *ps)
		}
	}
	slices.SortFunc(out, func(a, b payment.Session) int {
		return a.ExpiresAt.Compare(b.ExpiresAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
