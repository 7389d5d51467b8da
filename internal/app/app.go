// Package app wires the checkout API server.
package app

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
	"github.com/xenking/kart-checkout/internal/handler"
	"github.com/xenking/kart-checkout/internal/provider"
	"github.com/xenking/kart-checkout/internal/provider/courier"
	"github.com/xenking/kart-checkout/internal/provider/gateway"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/pkg/health"
	"github.com/xenking/kart-checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the background
// workers, and handles graceful shutdown.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	st, err := newState(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	pub, err := newPublisher(lg, cfg.Kafka)
	if err != nil {
		return err
	}
	defer func() {
		if err := pub.Close(); err != nil {
			lg.Warn("Close publisher", zap.Error(err))
		}
	}()

	// Repositories.
	catalogRepo := postgres.NewCatalogRepository(pool)
	ledger := postgres.NewStockLedger(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	paymentRepo := postgres.NewPaymentRepository(pool)
	voucherRepo := postgres.NewVoucherRepository(pool)
	outboxRepo := postgres.NewOutboxRepository(pool)

	// External providers.
	tp, mp := m.TracerProvider(), m.MeterProvider()
	rates := courier.New(courier.Config{
		BaseURL:  cfg.Courier.BaseURL,
		APIKey:   cfg.Courier.APIKey,
		Couriers: cfg.Courier.Couriers,
	}, provider.NewHTTPClient(provider.HTTPConfig{Timeout: cfg.Courier.Timeout, TracerProvider: tp, MeterProvider: mp}))
	gw := gateway.New(gateway.Config{
		BaseURL:   cfg.Gateway.BaseURL,
		ServerKey: cfg.Gateway.ServerKey,
	}, provider.NewHTTPClient(provider.HTTPConfig{Timeout: cfg.Gateway.Timeout, TracerProvider: tp, MeterProvider: mp}))

	// Domain services.
	machine, err := order.NewMachine(orderRepo, lg.Named("order"), mp.Meter("checkout/order"))
	if err != nil {
		return errors.Wrap(err, "create order machine")
	}
	payments := payment.NewManager(gw, paymentRepo, machine, st.dedup, pub, payment.Config{
		CallbackURL: cfg.Gateway.CallbackURL,
		Secret:      []byte(cfg.Gateway.Secret),
		SessionTTL:  cfg.Gateway.SessionTTL,
	}, lg.Named("payment"))

	svc, err := checkout.NewService(checkout.Deps{
		Catalog:         catalogRepo,
		Rates:           shipping.NewAggregator(lg.Named("shipping"), cfg.Courier.Timeout, rates),
		Sessions:        st.quotes,
		Vouchers:        voucher.NewEvaluator(voucherRepo),
		Ledger:          ledger,
		Assembler:       order.NewAssembler(orderRepo, cfg.Checkout.NumberAttempts),
		Orders:          orderRepo,
		Machine:         machine,
		Payments:        payments,
		PaymentSessions: paymentRepo,
		Guard:           st.guard,
		Alerter:         pub,
		TracerProvider:  tp,
		MeterProvider:   mp,
	}, checkout.Config{
		QuoteTTL:       cfg.Checkout.QuoteTTL,
		IdempotencyTTL: cfg.Checkout.IdempotencyTTL,
		ProviderRetry:  checkout.RetryConfig{Tries: cfg.Checkout.RetryTries},
	}, lg.Named("checkout"))
	if err != nil {
		return errors.Wrap(err, "create checkout service")
	}

	// Health checks.
	healthSvc := health.New(lg.Named("health"))
	healthSvc.Add(health.Check{Name: "postgres", Kind: health.Readiness, Func: health.PingCheck(pool)})
	if st.redis != nil {
		healthSvc.Add(health.Check{Name: "redis", Kind: health.Readiness, Func: health.RedisCheck(st.redis)})
	}
	healthSvc.Add(health.Check{
		Name: "outbox",
		Kind: health.Readiness,
		Func: health.BacklogCheck(outboxRepo.Backlog, cfg.Workers.MaxBacklog),
	})
	healthSvc.Add(health.Check{Name: "goroutines", Kind: health.Liveness, Func: health.GoroutineCountCheck(10000)})

	// HTTP.
	h := handler.New(handler.Deps{
		Checkout: svc,
		Orders:   orderRepo,
		Machine:  machine,
		Payments: payments,
		Sessions: paymentRepo,
	}, lg)

	limiter := st.limiter(cfg.RateLimit)
	r := chi.NewRouter()
	r.Use(
		middleware.RealIP,
		httpmiddleware.RequestID(),
		httpmiddleware.InjectLogger(lg),
		httpmiddleware.LogRequests(),
		httpmiddleware.Labeler(),
	)
	r.Get("/livez", healthSvc.LiveEndpoint)
	r.Get("/readyz", healthSvc.ReadyEndpoint)
	h.Routes(r, httpmiddleware.RateLimit(httpmiddleware.RateLimitConfig{
		Limiter: limiter,
		Max:     cfg.RateLimit.Max,
		Key:     httpmiddleware.BuyerOrIP(handler.HeaderBuyerID),
	}))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		BaseContext: func(net.Listener) context.Context {
			return zctx.Base(context.Background(), lg)
		},
		Handler: httpmiddleware.Wrap(r,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				Origins:     cfg.CORS.Origins,
				Methods:     []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				Headers:     []string{"Content-Type", handler.HeaderBuyerID, handler.HeaderIdempotencyKey},
				Expose:      []string{httpmiddleware.HeaderRequestID, "Retry-After"},
				Credentials: cfg.CORS.AllowCredentials,
				MaxAge:      86400,
			}),
			httpmiddleware.Instrument("checkout-api", tp, mp),
		),
	}

	workers := NewWorkers(
		notify.NewRelay(outboxRepo, pub, pub, notify.RelayConfig{
			BatchSize:   cfg.Workers.BatchSize,
			Lease:       cfg.Workers.RelayLease,
			MaxAttempts: cfg.Workers.RelayMaxAttempts,
			RetryMax:    cfg.Workers.RelayRetryMax,
		}, lg.Named("outbox")),
		payments, machine, cfg.Workers, lg.Named("workers"),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return healthSvc.Run(ctx, 10*time.Second) })
	g.Go(func() error { return workers.Run(ctx) })
	if mem, ok := limiter.(*httpmiddleware.MemoryLimiter); ok {
		g.Go(func() error {
			mem.Sweep(ctx)
			return nil
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			return errors.Wrap(err, "shutdown")
		}
		return nil
	})
	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	return g.Wait()
}
