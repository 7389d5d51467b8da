package notify

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-faster/errors"
	"go.uber.org/zap"
)

// Defaults for RelayConfig fields left zero.
const (
	DefaultBatchSize    = 100
	DefaultLease        = time.Minute
	DefaultMaxAttempts  = 10
	DefaultRetryInitial = 5 * time.Second
	DefaultRetryMax     = 30 * time.Minute
)

// RelayConfig tunes outbox delivery.
type RelayConfig struct {
	BatchSize int
	// Lease hides a claimed message from other relays while it is being
	// delivered.
	Lease time.Duration
	// MaxAttempts is the number of failed deliveries after which a message
	// is parked as dead.
	MaxAttempts  int
	RetryInitial time.Duration
	RetryMax     time.Duration
}

func (c *RelayConfig) setDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.Lease <= 0 {
		c.Lease = DefaultLease
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = DefaultRetryInitial
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = max(DefaultRetryMax, c.RetryInitial)
	}
}

// Relay moves outbox messages to their delivery ports.
type Relay struct {
	outbox   Outbox
	notifier Notifier
	payouts  Payouts
	cfg      RelayConfig
	lg       *zap.Logger
	now      func() time.Time
}

// NewRelay creates a Relay draining outbox into notifier and payouts.
func NewRelay(outbox Outbox, notifier Notifier, payouts Payouts, cfg RelayConfig, lg *zap.Logger) *Relay {
	cfg.setDefaults()
	return &Relay{
		outbox:   outbox,
		notifier: notifier,
		payouts:  payouts,
		cfg:      cfg,
		lg:       lg,
		now:      time.Now,
	}
}

// Flush delivers one batch of due messages and returns how many were
// delivered. A failed delivery is rescheduled with exponential backoff, so
// a message that keeps failing does not hold back the ones behind it. After
// MaxAttempts failures the message is parked as dead.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	msgs, err := r.outbox.Claim(ctx, r.cfg.BatchSize, r.cfg.Lease)
	if err != nil {
		return 0, errors.Wrap(err, "claim messages")
	}

	var sent int
	for _, m := range msgs {
		if err := r.deliver(ctx, m); err != nil {
			if err := r.fail(ctx, m, err); err != nil {
				return sent, err
			}
			continue
		}
		if err := r.outbox.MarkSent(ctx, m.ID); err != nil {
			return sent, errors.Wrapf(err, "mark message %s sent", m.ID)
		}
		sent++
	}
	return sent, nil
}

func (r *Relay) fail(ctx context.Context, m Message, cause error) error {
	attempts := m.Attempts + 1
	fields := []zap.Field{
		zap.String("message_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("order_id", m.OrderID),
		zap.Int("attempts", attempts),
		zap.Error(cause),
	}

	if attempts >= r.cfg.MaxAttempts {
		r.lg.Error("Outbox message dead-lettered", fields...)
		if err := r.outbox.MarkDead(ctx, m.ID, cause.Error()); err != nil {
			return errors.Wrapf(err, "mark message %s dead", m.ID)
		}
		return nil
	}

	retryAt := r.now().Add(r.retryDelay(attempts))
	r.lg.Warn("Outbox delivery failed", append(fields, zap.Time("retry_at", retryAt))...)
	if err := r.outbox.MarkFailed(ctx, m.ID, cause.Error(), retryAt); err != nil {
		return errors.Wrapf(err, "mark message %s failed", m.ID)
	}
	return nil
}

// retryDelay is the jittered exponential delay before attempt number
// attempts+1.
func (r *Relay) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInitial
	b.MaxInterval = r.cfg.RetryMax
	d := b.NextBackOff()
	for range attempts - 1 {
		d = b.NextBackOff()
	}
	return d
}

func (r *Relay) deliver(ctx context.Context, m Message) error {
	switch m.Kind {
	case KindOrderStatus:
		return r.notifier.Notify(ctx, m.BuyerID, m.OrderID, m.Status)
	case KindFundsRelease:
		return r.payouts.ReleaseFunds(ctx, m.StoreID, m.OrderID, m.Amount)
	default:
		return errors.Errorf("unknown message kind %q", m.Kind)
	}
}

// Run flushes the outbox every interval until ctx is done. A full batch is
// followed by another flush without waiting.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		n, err := r.Flush(ctx)
		if err != nil && ctx.Err() == nil {
			r.lg.Error("Outbox flush failed", zap.Error(err))
		}
		if err == nil && n == r.cfg.BatchSize && ctx.Err() == nil {
			continue
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
