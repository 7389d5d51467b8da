package health

import (
	"context"
	"runtime"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
)

// Pinger is implemented by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck fails when p cannot be reached.
func PingCheck(p Pinger) CheckFunc {
	return func(ctx context.Context) error {
		return p.Ping(ctx)
	}
}

// RedisCheck fails when the Redis server does not answer PING.
func RedisCheck(client redis.Cmdable) CheckFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// BacklogCheck fails when more than limit messages wait for delivery,
// which means the relay is stuck or the broker is down.
func BacklogCheck(backlog func(ctx context.Context) (int, error), limit int) CheckFunc {
	return func(ctx context.Context) error {
		n, err := backlog(ctx)
		if err != nil {
			return errors.Wrap(err, "count backlog")
		}
		if n > limit {
			return errors.Errorf("%d undelivered messages, limit %d", n, limit)
		}
		return nil
	}
}

// GoroutineCountCheck fails when more than limit goroutines are running.
func GoroutineCountCheck(limit int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > limit {
			return errors.Errorf("%d goroutines, limit %d", n, limit)
		}
		return nil
	}
}
