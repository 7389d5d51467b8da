// Package cache implements the short-lived checkout state on Redis: quote
// sessions, payment callback dedup and checkout idempotency keys.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Key prefixes.
const (
	quotePrefix  = "checkout:quote:"
	dedupPrefix  = "payment:callback:"
	guardPrefix  = "checkout:idem:"
	pendingValue = "-"
)

// NewClient connects to the Redis server at url and pings it.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}
	return client, nil
}
