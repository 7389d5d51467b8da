package memory

import (
	"context"
	"sync"
	"time"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
)

var (
	_ shipping.SessionStore     = (*QuoteSessions)(nil)
	_ payment.Deduper           = (*Deduper)(nil)
	_ checkout.IdempotencyGuard = (*Guard)(nil)
)

// QuoteSessions keeps quote sessions until they expire.
type QuoteSessions struct {
	mu       sync.Mutex
	sessions map[string]shipping.QuoteSession
	now      func() time.Time
}

// NewQuoteSessions creates an empty QuoteSessions.
func NewQuoteSessions() *QuoteSessions {
	return &QuoteSessions{
		sessions: make(map[string]shipping.QuoteSession),
		now:      time.Now,
	}
}

// Save stores a session until its ExpiresAt.
func (q *QuoteSessions) Save(_ context.Context, s *shipping.QuoteSession) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	c := *s
	c.Quotes = append([]shipping.Quote(nil), s.Quotes...)
	q.sessions[s.ID] = c
	return nil
}

// Get returns an unexpired session.
func (q *QuoteSessions) Get(_ context.Context, id string) (*shipping.QuoteSession, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	s, ok := q.sessions[id]
	if !ok || !q.now().Before(s.ExpiresAt) {
		delete(q.sessions, id)
		return nil, shipping.ErrQuoteSessionNotFound
	}
	s.Quotes = append([]shipping.Quote(nil), s.Quotes...)
	return &s, nil
}

// Deduper remembers callback keys for the lifetime of the process.
type Deduper struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewDeduper creates an empty Deduper.
func NewDeduper() *Deduper {
	return &Deduper{seen: make(map[string]struct{})}
}

// Seen reports whether key was remembered.
func (d *Deduper) Seen(_ context.Context, key string) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.seen[key]
	return ok, nil
}

// Remember records key.
func (d *Deduper) Remember(_ context.Context, key string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = struct{}{}
	return nil
}

type guardEntry struct {
	orderID   string
	expiresAt time.Time
}

// Guard tracks checkout idempotency keys.
type Guard struct {
	mu      sync.Mutex
	entries map[string]guardEntry
	now     func() time.Time
}

// NewGuard creates an empty Guard.
func NewGuard() *Guard {
	return &Guard{entries: make(map[string]guardEntry), now: time.Now}
}

// Begin claims key unless an unexpired claim exists.
func (g *Guard) Begin(_ context.Context, key string, ttl time.Duration) (string, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if e, ok := g.entries[key]; ok && now.Before(e.expiresAt) {
		return e.orderID, false, nil
	}
	g.entries[key] = guardEntry{expiresAt: now.Add(ttl)}
	return "", true, nil
}

// Complete binds key to the order it produced.
func (g *Guard) Complete(_ context.Context, key, orderID string, ttl time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = guardEntry{orderID: orderID, expiresAt: g.now().Add(ttl)}
	return nil
}

// Abort releases key so the request can be retried.
func (g *Guard) Abort(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.entries, key)
	return nil
}
