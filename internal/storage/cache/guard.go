package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

var _ checkout.IdempotencyGuard = (*Guard)(nil)

// Guard claims checkout idempotency keys with SET NX. A claimed key holds
// a placeholder until the attempt finishes and then the order ID.
type Guard struct {
	client redis.Cmdable
}

// NewGuard returns a Guard backed by client.
func NewGuard(client redis.Cmdable) *Guard {
	return &Guard{client: client}
}

// Begin claims key for ttl.
func (g *Guard) Begin(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	ok, err := g.client.SetNX(ctx, guardPrefix+key, pendingValue, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("claiming idempotency key: %w", err)
	}
	if ok {
		return "", true, nil
	}

	v, err := g.client.Get(ctx, guardPrefix+key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			// Expired between SETNX and GET.
			return g.Begin(ctx, key, ttl)
		}
		return "", false, fmt.Errorf("reading idempotency key: %w", err)
	}
	if v == pendingValue {
		return "", false, nil
	}
	return v, false, nil
}

// Complete binds key to orderID.
func (g *Guard) Complete(ctx context.Context, key, orderID string, ttl time.Duration) error {
	if err := g.client.Set(ctx, guardPrefix+key, orderID, ttl).Err(); err != nil {
		return fmt.Errorf("completing idempotency key: %w", err)
	}
	return nil
}

// Abort releases key.
func (g *Guard) Abort(ctx context.Context, key string) error {
	if err := g.client.Del(ctx, guardPrefix+key).Err(); err != nil {
		return fmt.Errorf("releasing idempotency key: %w", err)
	}
	return nil
}
