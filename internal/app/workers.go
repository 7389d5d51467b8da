package app

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Relay drains the outbox.
type Relay interface {
	Run(ctx context.Context, interval time.Duration) error
}

// Expirer cancels orders whose payment session expired.
type Expirer interface {
	ExpireStale(ctx context.Context, limit int) (int, error)
}

// Completer completes delivered orders.
type Completer interface {
	CompleteDelivered(ctx context.Context, deliveredBefore time.Time, limit int) (int, error)
}

// Workers runs the background jobs: the outbox relay, the payment expiry
// sweep and the auto-complete sweep.
type Workers struct {
	relay     Relay
	expirer   Expirer
	completer Completer
	cfg       WorkersConfig
	lg        *zap.Logger
	now       func() time.Time
}

// NewWorkers creates Workers.
func NewWorkers(relay Relay, expirer Expirer, completer Completer, cfg WorkersConfig, lg *zap.Logger) *Workers {
	return &Workers{
		relay:     relay,
		expirer:   expirer,
		completer: completer,
		cfg:       cfg,
		lg:        lg,
		now:       time.Now,
	}
}

// Run blocks until ctx is done.
func (w *Workers) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.relay.Run(ctx, w.cfg.RelayInterval) })
	g.Go(func() error {
		every(ctx, w.cfg.ExpiryInterval, w.expire)
		return nil
	})
	g.Go(func() error {
		every(ctx, w.cfg.CompleteInterval, w.complete)
		return nil
	})
	return g.Wait()
}

func (w *Workers) expire(ctx context.Context) {
	n, err := w.expirer.ExpireStale(ctx, w.cfg.BatchSize)
	if err != nil && ctx.Err() == nil {
		w.lg.Error("Payment expiry sweep failed", zap.Int("cancelled", n), zap.Error(err))
		return
	}
	if n > 0 {
		w.lg.Info("Cancelled orders with expired payment", zap.Int("count", n))
	}
}

func (w *Workers) complete(ctx context.Context) {
	before := w.now().Add(-w.cfg.CompleteAfter)
	n, err := w.completer.CompleteDelivered(ctx, before, w.cfg.BatchSize)
	if err != nil && ctx.Err() == nil {
		w.lg.Error("Auto-complete sweep failed", zap.Int("completed", n), zap.Error(err))
		return
	}
	if n > 0 {
		w.lg.Info("Completed delivered orders", zap.Int("count", n))
	}
}

// every runs fn immediately and then each interval until ctx is done.
func every(ctx context.Context, interval time.Duration, fn func(context.Context)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
