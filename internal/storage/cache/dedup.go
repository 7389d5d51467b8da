package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// DefaultDedupTTL bounds how long processed callback keys are remembered.
const DefaultDedupTTL = 72 * time.Hour

var _ payment.Deduper = (*Deduper)(nil)

// Deduper remembers processed payment callbacks. The order event log stays
// authoritative; a lost key only costs a database round trip.
type Deduper struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewDeduper returns a Deduper that keeps keys for ttl.
func NewDeduper(client redis.Cmdable, ttl time.Duration) *Deduper {
	if ttl <= 0 {
		ttl = DefaultDedupTTL
	}
	return &Deduper{client: client, ttl: ttl}
}

// Seen reports whether key was remembered.
func (d *Deduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := d.client.Exists(ctx, dedupPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("checking callback %q: %w", key, err)
	}
	return n > 0, nil
}

// Remember records key.
func (d *Deduper) Remember(ctx context.Context, key string) error {
	if err := d.client.SetNX(ctx, dedupPrefix+key, "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("remembering callback %q: %w", key, err)
	}
	return nil
}
