package shipping

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrQuoteSessionNotFound is returned when a checkout session is unknown,
	// expired or belongs to another buyer.
	ErrQuoteSessionNotFound = errors.New("quote session not found or expired")
	// ErrQuoteNotFound is returned when the selected courier service was not
	// offered in the session.
	ErrQuoteNotFound = errors.New("selected shipping quote was not offered")
	// ErrQuoteMismatch is returned when the order no longer matches what was
	// quoted: a different price, parcel or destination.
	ErrQuoteMismatch = errors.New("shipping quote does not match checkout")
)

// QuoteSession holds the quotes offered during one checkout attempt. Only a
// quote from the session may be used to price the order.
type QuoteSession struct {
	ID          string
	BuyerID     string
	StoreID     string
	Destination Location
	// Fingerprint identifies the normalized cart lines the quotes were
	// computed for.
	Fingerprint string
	Quotes      []Quote
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

// Select returns the offered quote for courier and service. When claimed is
// non-nil it must equal the offered price.
func (s *QuoteSession) Select(courier, service string, claimed *decimal.Decimal) (Quote, error) {
	for _, q := range s.Quotes {
		if q.CourierCode != courier || q.ServiceCode != service {
			continue
		}
		if claimed != nil && !claimed.Equal(q.Price) {
			return Quote{}, errors.Wrapf(ErrQuoteMismatch,
				"claimed %s, quoted %s", claimed.String(), q.Price.String())
		}
		return q, nil
	}
	return Quote{}, ErrQuoteNotFound
}

// SessionStore keeps quote sessions for a bounded time. Get returns
// ErrQuoteSessionNotFound for unknown or expired sessions.
type SessionStore interface {
	Save(ctx context.Context, s *QuoteSession) error
	Get(ctx context.Context, id string) (*QuoteSession, error)
}
