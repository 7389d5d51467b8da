package payment

import (
	"context"
	"time"
)

// ExpireStaleAt runs ExpireStale with the manager clock set to now.
func ExpireStaleAt(ctx context.Context, m *Manager, now time.Time, limit int) (int, error) {
	m.now = func() time.Time { return now }
	return m.ExpireStale(ctx, limit)
}
