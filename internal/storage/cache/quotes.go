package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/shipping"
)

var _ shipping.SessionStore = (*QuoteSessions)(nil)

// QuoteSessions stores quote sessions as JSON values that expire with the
// session.
type QuoteSessions struct {
	client redis.Cmdable
	now    func() time.Time
}

// NewQuoteSessions returns a QuoteSessions backed by client.
func NewQuoteSessions(client redis.Cmdable) *QuoteSessions {
	return &QuoteSessions{client: client, now: time.Now}
}

// Save stores s until its ExpiresAt.
func (q *QuoteSessions) Save(ctx context.Context, s *shipping.QuoteSession) error {
	ttl := s.ExpiresAt.Sub(q.now())
	if ttl <= 0 {
		return errors.Errorf("quote session %s already expired", s.ID)
	}
	if err := q.client.Set(ctx, quotePrefix+s.ID, encodeSession(s), ttl).Err(); err != nil {
		return fmt.Errorf("saving quote session %q: %w", s.ID, err)
	}
	return nil
}

// Get returns an unexpired session or shipping.ErrQuoteSessionNotFound.
func (q *QuoteSessions) Get(ctx context.Context, id string) (*shipping.QuoteSession, error) {
	raw, err := q.client.Get(ctx, quotePrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, shipping.ErrQuoteSessionNotFound
		}
		return nil, fmt.Errorf("getting quote session %q: %w", id, err)
	}

	s, err := decodeSession(raw)
	if err != nil {
		return nil, fmt.Errorf("decoding quote session %q: %w", id, err)
	}
	if !q.now().Before(s.ExpiresAt) {
		return nil, shipping.ErrQuoteSessionNotFound
	}
	return s, nil
}

func encodeSession(s *shipping.QuoteSession) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("id", func(e *jx.Encoder) { e.Str(s.ID) })
		e.Field("buyer_id", func(e *jx.Encoder) { e.Str(s.BuyerID) })
		e.Field("store_id", func(e *jx.Encoder) { e.Str(s.StoreID) })
		e.Field("destination", func(e *jx.Encoder) { encodeLocation(e, s.Destination) })
		e.Field("fingerprint", func(e *jx.Encoder) { e.Str(s.Fingerprint) })
		e.Field("quotes", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, q := range s.Quotes {
					encodeQuote(e, q)
				}
			})
		})
		e.Field("created_at", func(e *jx.Encoder) { e.Str(s.CreatedAt.Format(time.RFC3339Nano)) })
		e.Field("expires_at", func(e *jx.Encoder) { e.Str(s.ExpiresAt.Format(time.RFC3339Nano)) })
	})
	return e.Bytes()
}

func encodeLocation(e *jx.Encoder, l shipping.Location) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("area_id", func(e *jx.Encoder) { e.Str(l.AreaID) })
		if l.Coordinates != nil {
			e.Field("lat", func(e *jx.Encoder) { e.Float64(l.Coordinates.Latitude) })
			e.Field("lng", func(e *jx.Encoder) { e.Float64(l.Coordinates.Longitude) })
		}
	})
}

func encodeQuote(e *jx.Encoder, q shipping.Quote) {
	e.Obj(func(e *jx.Encoder) {
		e.Field("courier", func(e *jx.Encoder) { e.Str(q.CourierCode) })
		e.Field("service", func(e *jx.Encoder) { e.Str(q.ServiceCode) })
		e.Field("description", func(e *jx.Encoder) { e.Str(q.Description) })
		e.Field("duration", func(e *jx.Encoder) { e.Str(q.Duration) })
		e.Field("price", func(e *jx.Encoder) { e.Str(q.Price.String()) })
	})
}

func decodeSession(raw []byte) (*shipping.QuoteSession, error) {
	s := &shipping.QuoteSession{}
	err := jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			s.ID, err = d.Str()
		case "buyer_id":
			s.BuyerID, err = d.Str()
		case "store_id":
			s.StoreID, err = d.Str()
		case "destination":
			s.Destination, err = decodeLocation(d)
		case "fingerprint":
			s.Fingerprint, err = d.Str()
		case "quotes":
			err = d.Arr(func(d *jx.Decoder) error {
				q, err := decodeQuote(d)
				if err != nil {
					return err
				}
				s.Quotes = append(s.Quotes, q)
				return nil
			})
		case "created_at":
			s.CreatedAt, err = decodeTime(d)
		case "expires_at":
			s.ExpiresAt, err = decodeTime(d)
		default:
			err = d.Skip()
		}
		return errors.Wrap(err, key)
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func decodeLocation(d *jx.Decoder) (shipping.Location, error) {
	var (
		l        shipping.Location
		lat, lng *float64
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "area_id":
			v, err := d.Str()
			l.AreaID = v
			return err
		case "lat":
			v, err := d.Float64()
			lat = &v
			return err
		case "lng":
			v, err := d.Float64()
			lng = &v
			return err
		default:
			return d.Skip()
		}
	})
	if lat != nil && lng != nil {
		l.Coordinates = &shipping.Coordinates{Latitude: *lat, Longitude: *lng}
	}
	return l, err
}

func decodeQuote(d *jx.Decoder) (shipping.Quote, error) {
	var q shipping.Quote
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "courier":
			q.CourierCode, err = d.Str()
		case "service":
			q.ServiceCode, err = d.Str()
		case "description":
			q.Description, err = d.Str()
		case "duration":
			q.Duration, err = d.Str()
		case "price":
			var v string
			if v, err = d.Str(); err == nil {
				q.Price, err = decimal.NewFromString(v)
			}
		default:
			err = d.Skip()
		}
		return err
	})
	return q, err
}

func decodeTime(d *jx.Decoder) (time.Time, error) {
	v, err := d.Str()
	if err != nil {
		return time.Time{}, err
	}
	return time.Parse(time.RFC3339Nano, v)
}
