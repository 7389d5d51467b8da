package main

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"go.uber.org/zap"

	checkout "github.com/xenking/kart-checkout/internal/app"
)

func main() {
	app.Run(run)
}

func run(ctx context.Context, lg *zap.Logger, m *app.Telemetry) error {
	cfg, err := checkout.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "config")
	}
	lg.Info("Starting checkout API",
		zap.String("addr", cfg.Addr),
		zap.Bool("redis", cfg.Redis.URL != ""),
		zap.Int("kafka_brokers", len(cfg.Kafka.Brokers)),
	)
	return checkout.Run(ctx, lg, m, cfg)
}
