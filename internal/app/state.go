package app

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/notify/kafka"
	"github.com/xenking/kart-checkout/internal/storage/cache"
	"github.com/xenking/kart-checkout/internal/storage/memory"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// state is the short-lived checkout state: quote sessions, callback dedup
// keys and idempotency keys. It lives in Redis when configured and in
// process otherwise, which only suits a single instance.
type state struct {
	redis  *redis.Client
	quotes shipping.SessionStore
	dedup  payment.Deduper
	guard  checkout.IdempotencyGuard
}

func newState(ctx context.Context, lg *zap.Logger, cfg *Config) (*state, error) {
	if cfg.Redis.URL == "" {
		lg.Warn("Redis is not configured, keeping checkout state in process")
		return &state{
			quotes: memory.NewQuoteSessions(),
			dedup:  memory.NewDeduper(),
			guard:  memory.NewGuard(),
		}, nil
	}

	client, err := cache.NewClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, errors.Wrap(err, "connect redis")
	}
	return &state{
		redis:  client,
		quotes: cache.NewQuoteSessions(client),
		dedup:  cache.NewDeduper(client, cache.DefaultDedupTTL),
		guard:  cache.NewGuard(client),
	}, nil
}

// limiter shares rate limit counters through Redis when available.
func (s *state) limiter(cfg RateLimitConfig) httpmiddleware.Limiter {
	if s.redis != nil {
		return httpmiddleware.NewRedisLimiter(s.redis, cfg.Max, cfg.Window)
	}
	return httpmiddleware.NewMemoryLimiter(cfg.Max, cfg.Window)
}

func (s *state) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
}

// publisher delivers notifications, payouts and operator alerts.
type publisher interface {
	Notify(ctx context.Context, buyerID, orderID, status string) error
	ReleaseFunds(ctx context.Context, storeID, orderID string, amount decimal.Decimal) error
	Alert(ctx context.Context, a notify.Alert) error
	Close() error
}

func newPublisher(lg *zap.Logger, cfg KafkaConfig) (publisher, error) {
	if len(cfg.Brokers) == 0 {
		lg.Warn("Kafka is not configured, notifications are only logged")
		return logPublisher{lg: lg.Named("notify")}, nil
	}
	return kafka.NewPublisher(kafka.NewWriter(cfg.Brokers), kafka.Topics{
		OrderStatus: cfg.Topics.OrderStatus,
		Payouts:     cfg.Topics.Payouts,
		Alerts:      cfg.Topics.Alerts,
	}), nil
}

type logPublisher struct {
	lg *zap.Logger
}

func (p logPublisher) Notify(_ context.Context, buyerID, orderID, status string) error {
	p.lg.Info("Order status notification",
		zap.String("buyer_id", buyerID),
		zap.String("order_id", orderID),
		zap.String("status", status),
	)
	return nil
}

func (p logPublisher) ReleaseFunds(_ context.Context, storeID, orderID string, amount decimal.Decimal) error {
	p.lg.Info("Funds release",
		zap.String("store_id", storeID),
		zap.String("order_id", orderID),
		zap.Stringer("amount", amount),
	)
	return nil
}

func (p logPublisher) Alert(_ context.Context, a notify.Alert) error {
	p.lg.Error("Operator alert",
		zap.String("order_id", a.OrderID),
		zap.String("stage", a.Stage),
		zap.String("reason", a.Reason),
		zap.Time("at", a.At),
	)
	return nil
}

func (logPublisher) Close() error { return nil }
