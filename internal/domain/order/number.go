package order

import (
	"context"
	"crypto/rand"
	"encoding/base32"
	"io"
	"time"

	"github.com/go-faster/errors"
)

// DefaultNumberAttempts bounds order number allocation.
const DefaultNumberAttempts = 5

const crockford = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var numberEncoding = base32.NewEncoding(crockford).WithPadding(base32.NoPadding)

// NumberGenerator produces human-readable order numbers of the form
// ORD-YYYYMMDD-XXXXXXXX.
type NumberGenerator struct {
	rand io.Reader
	now  func() time.Time
}

// NewNumberGenerator creates a generator backed by crypto/rand.
func NewNumberGenerator() *NumberGenerator {
	return &NumberGenerator{rand: rand.Reader, now: time.Now}
}

// Next returns a new candidate order number.
func (g *NumberGenerator) Next() (string, error) {
	var buf [5]byte
	if _, err := io.ReadFull(g.rand, buf[:]); err != nil {
		return "", errors.Wrap(err, "read random suffix")
	}
	return "ORD-" + g.now().UTC().Format("20060102") + "-" + numberEncoding.EncodeToString(buf[:]), nil
}

// Allocate returns a number not yet used by repo. The unique constraint in
// Create remains authoritative.
func (g *NumberGenerator) Allocate(ctx context.Context, repo Repository, attempts int) (string, error) {
	for range attempts {
		n, err := g.Next()
		if err != nil {
			return "", err
		}
		exists, err := repo.NumberExists(ctx, n)
		if err != nil {
			return "", errors.Wrap(err, "check order number")
		}
		if !exists {
			return n, nil
		}
	}
	return "", ErrOrderNumberExhausted
}
