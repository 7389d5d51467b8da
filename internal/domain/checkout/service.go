package checkout

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/domain/stock"
)

// Defaults for Config fields left zero.
const (
	DefaultQuoteTTL       = 30 * time.Minute
	DefaultIdempotencyTTL = 24 * time.Hour
)

// Config holds Service settings.
type Config struct {
	QuoteTTL       time.Duration
	IdempotencyTTL time.Duration
	ProviderRetry  RetryConfig

	// CompensationRetry bounds stock restore and order abort attempts.
	CompensationRetry RetryConfig
}

// Deps are the collaborators of Service.
type Deps struct {
	Catalog         catalog.Reader
	Rates           RateQuoter
	Sessions        shipping.SessionStore
	Vouchers        VoucherEvaluator
	Ledger          stock.Ledger
	Assembler       OrderAssembler
	Orders          order.Repository
	Machine         payment.Transitioner
	Payments        PaymentSessions
	PaymentSessions payment.Repository
	Guard           IdempotencyGuard
	Alerter         notify.Alerter
	TracerProvider  trace.TracerProvider
	MeterProvider   metric.MeterProvider
}

// Service runs checkouts.
type Service struct {
	Deps
	cfg    Config
	lg     *zap.Logger
	now    func() time.Time
	tracer trace.Tracer

	placed metric.Int64Counter
	failed metric.Int64Counter
}

// NewService creates a checkout Service.
func NewService(deps Deps, cfg Config, lg *zap.Logger) (*Service, error) {
	if cfg.QuoteTTL <= 0 {
		cfg.QuoteTTL = DefaultQuoteTTL
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	cfg.ProviderRetry = cfg.ProviderRetry.withDefaults()
	cfg.CompensationRetry = cfg.CompensationRetry.withDefaults()
	if deps.TracerProvider == nil {
		deps.TracerProvider = tracenoop.NewTracerProvider()
	}
	if deps.MeterProvider == nil {
		deps.MeterProvider = metricnoop.NewMeterProvider()
	}

	meter := deps.MeterProvider.Meter("checkout")
	placed, err := meter.Int64Counter("checkout.orders.placed",
		metric.WithDescription("Orders placed through checkout"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create placed counter")
	}
	failed, err := meter.Int64Counter("checkout.orders.failed",
		metric.WithDescription("Checkouts that did not produce an order"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create failed counter")
	}

	return &Service{
		Deps:   deps,
		cfg:    cfg,
		lg:     lg,
		now:    time.Now,
		tracer: deps.TracerProvider.Tracer("checkout"),
		placed: placed,
		failed: failed,
	}, nil
}

// cart is a normalized cart priced from one catalog snapshot.
type cart struct {
	lines    []stock.Line
	variants map[string]catalog.Variant
	storeID  string
	subtotal decimal.Decimal
}

func (s *Service) loadCart(ctx context.Context, lines []stock.Line) (*cart, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}
	normalized, err := stock.Normalize(lines)
	if err != nil {
		return nil, err
	}

	variants, err := catalog.Snapshot(ctx, s.Catalog, stock.VariantIDs(normalized))
	if err != nil {
		return nil, err
	}

	c := &cart{lines: normalized, variants: variants, subtotal: decimal.Zero}
	for _, l := range normalized {
		v := variants[l.VariantID]
		switch {
		case c.storeID == "":
			c.storeID = v.StoreID
		case c.storeID != v.StoreID:
			return nil, errors.Wrapf(ErrMixedStores, "stores %s and %s", c.storeID, v.StoreID)
		}
		c.subtotal = c.subtotal.Add(v.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return c, nil
}

// Quote prices shipping for a cart and opens a checkout session holding
// the offered quotes.
func (s *Service) Quote(ctx context.Context, req QuoteRequest) (_ *QuoteResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.Quote")
	defer func() { endSpan(span, rerr) }()

	if req.BuyerID == "" {
		return nil, ErrMissingBuyer
	}
	c, err := s.loadCart(ctx, req.Lines)
	if err != nil {
		return nil, err
	}

	store, err := s.Catalog.GetStore(ctx, c.storeID)
	if err != nil {
		return nil, errors.Wrap(err, "get store")
	}

	rateReq := shipping.RateRequest{
		Origin:      storeLocation(store),
		Destination: req.Destination,
		Items:       manifest(c),
	}
	quotes, err := retry(ctx, s.cfg.ProviderRetry, isRateTransient, func(ctx context.Context) ([]shipping.Quote, error) {
		return s.Rates.Rates(ctx, rateReq)
	})
	if err != nil {
		if isRateTransient(err) {
			return nil, errors.Wrap(ErrCheckoutUnavailable, err.Error())
		}
		return nil, err
	}

	now := s.now().UTC()
	session := &shipping.QuoteSession{
		ID:          uuid.NewString(),
		BuyerID:     req.BuyerID,
		StoreID:     c.storeID,
		Destination: req.Destination,
		Fingerprint: Fingerprint(c.lines),
		Quotes:      quotes,
		CreatedAt:   now,
		ExpiresAt:   now.Add(s.cfg.QuoteTTL),
	}
	if err := s.Sessions.Save(ctx, session); err != nil {
		return nil, errors.Wrap(err, "save quote session")
	}

	return &QuoteResult{
		SessionID: session.ID,
		StoreID:   c.storeID,
		Subtotal:  c.subtotal,
		Quotes:    quotes,
		ExpiresAt: session.ExpiresAt,
	}, nil
}

// PlaceOrder validates the selected quote and voucher, reserves stock,
// persists the order and opens its payment session. A failure after stock
// was reserved is compensated before returning.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (_ *PlaceOrderResult, rerr error) {
	ctx, span := s.tracer.Start(ctx, "checkout.PlaceOrder")
	defer func() { endSpan(span, rerr) }()

	if req.BuyerID == "" {
		return nil, ErrMissingBuyer
	}

	if req.IdempotencyKey == "" {
		res, err := s.placeOrder(ctx, req)
		s.record(ctx, err)
		return res, err
	}

	key := req.BuyerID + ":" + req.IdempotencyKey
	orderID, started, err := s.Guard.Begin(ctx, key, s.cfg.IdempotencyTTL)
	if err != nil {
		return nil, errors.Wrap(err, "claim idempotency key")
	}
	if !started {
		if orderID == "" {
			return nil, ErrCheckoutInProgress
		}
		return s.replay(ctx, orderID)
	}

	res, err := s.placeOrder(ctx, req)
	s.record(ctx, err)
	if err != nil {
		if abortErr := s.Guard.Abort(context.WithoutCancel(ctx), key); abortErr != nil {
			s.lg.Warn("Release idempotency key failed", zap.String("key", key), zap.Error(abortErr))
		}
		return nil, err
	}
	if err := s.Guard.Complete(ctx, key, res.Order.ID, s.cfg.IdempotencyTTL); err != nil {
		s.lg.Warn("Record idempotency key failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

func (s *Service) placeOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	session, err := s.Sessions.Get(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	if session.BuyerID != req.BuyerID {
		return nil, shipping.ErrQuoteSessionNotFound
	}

	c, err := s.loadCart(ctx, req.Lines)
	if err != nil {
		return nil, err
	}
	if Fingerprint(c.lines) != session.Fingerprint || c.storeID != session.StoreID {
		return nil, errors.Wrap(shipping.ErrQuoteMismatch, "cart changed since quote")
	}
	if session.Destination.AreaID != "" && req.Address.AreaID != session.Destination.AreaID {
		return nil, errors.Wrap(shipping.ErrQuoteMismatch, "destination changed since quote")
	}
	quote, err := session.Select(req.CourierCode, req.ServiceCode, req.ShippingPrice)
	if err != nil {
		return nil, err
	}

	assemble := order.AssembleRequest{
		OrderID:      uuid.NewString(),
		BuyerID:      req.BuyerID,
		StoreID:      c.storeID,
		Address:      req.Address,
		Lines:        orderLines(c),
		CourierCode:  quote.CourierCode,
		ServiceCode:  quote.ServiceCode,
		ShippingCost: quote.Price,
		Discount:     decimal.Zero,
	}
	if req.VoucherCode != "" {
		ev, err := s.Vouchers.Evaluate(ctx, req.VoucherCode, c.storeID, c.subtotal)
		if err != nil {
			return nil, err
		}
		assemble.Discount = ev.Amount
		assemble.VoucherID = &ev.VoucherID
		assemble.VoucherCode = ev.Code
	}
	// Reject bad input before any stock is touched.
	if _, err := order.Price(assemble); err != nil {
		return nil, err
	}

	if err := s.Ledger.Reserve(ctx, assemble.OrderID, c.lines); err != nil {
		return nil, err
	}

	o, err := s.Assembler.Assemble(ctx, assemble)
	if err != nil {
		s.releaseStock(context.WithoutCancel(ctx), assemble.OrderID, err)
		return nil, err
	}

	ps, err := retry(ctx, s.cfg.ProviderRetry, isPaymentTransient, func(ctx context.Context) (*payment.Session, error) {
		return s.Payments.CreateSession(ctx, o)
	})
	if err != nil {
		s.abortOrder(context.WithoutCancel(ctx), o.ID, err)
		if isPaymentTransient(err) {
			return nil, errors.Wrap(ErrCheckoutUnavailable, err.Error())
		}
		return nil, err
	}

	s.lg.Info("Order placed",
		zap.String("order_id", o.ID),
		zap.String("order_number", o.Number),
		zap.String("buyer_id", o.BuyerID),
		zap.String("store_id", o.StoreID),
		zap.String("total", o.TotalAmount.String()),
	)
	return &PlaceOrderResult{Order: o, Payment: ps}, nil
}

func (s *Service) replay(ctx context.Context, orderID string) (*PlaceOrderResult, error) {
	o, err := s.Orders.Get(ctx, orderID)
	if err != nil {
		return nil, errors.Wrap(err, "get replayed order")
	}
	res := &PlaceOrderResult{Order: o, Replayed: true}
	ps, err := s.PaymentSessions.GetByOrder(ctx, orderID)
	switch {
	case err == nil:
		res.Payment = ps
	case !errors.Is(err, payment.ErrSessionNotFound):
		return nil, errors.Wrap(err, "get replayed payment session")
	}
	return res, nil
}

// releaseStock compensates a reservation whose order was never persisted.
func (s *Service) releaseStock(ctx context.Context, orderID string, cause error) {
	s.lg.Warn("Order assembly failed, restoring stock",
		zap.String("order_id", orderID),
		zap.Error(cause),
	)
	_, err := retry(ctx, s.cfg.CompensationRetry, always, func(ctx context.Context) (bool, error) {
		return s.Ledger.Restore(ctx, orderID)
	})
	if err != nil {
		s.alert(ctx, orderID, "stock-restore", err)
	}
}

// abortOrder cancels a persisted order whose payment session could not be
// opened. Cancellation restores its stock.
func (s *Service) abortOrder(ctx context.Context, orderID string, cause error) {
	s.lg.Warn("Payment session failed, cancelling order",
		zap.String("order_id", orderID),
		zap.Error(cause),
	)
	_, err := retry(ctx, s.cfg.CompensationRetry, isCompensationTransient, func(ctx context.Context) (*order.TransitionResult, error) {
		return s.Machine.Transition(ctx, order.TransitionRequest{
			OrderID: orderID,
			To:      order.StatusCancelled,
			EventID: "checkout-abort:" + orderID,
			Actor:   "checkout",
			Reason:  "payment session failed: " + cause.Error(),
		})
	})
	if err != nil {
		s.alert(ctx, orderID, "order-abort", err)
	}
}

func (s *Service) alert(ctx context.Context, orderID, stage string, cause error) {
	s.lg.Error("Compensation failed",
		zap.String("order_id", orderID),
		zap.String("stage", stage),
		zap.Error(cause),
	)
	if err := s.Alerter.Alert(ctx, notify.Alert{
		OrderID: orderID,
		Stage:   stage,
		Reason:  cause.Error(),
		At:      s.now().UTC(),
	}); err != nil {
		s.lg.Error("Publish alert failed", zap.String("order_id", orderID), zap.Error(err))
	}
}

func (s *Service) record(ctx context.Context, err error) {
	if err == nil {
		s.placed.Add(ctx, 1)
		return
	}
	s.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", Reason(err))))
}

func storeLocation(st *catalog.Store) shipping.Location {
	loc := shipping.Location{AreaID: st.OriginAreaID}
	if st.Latitude != nil && st.Longitude != nil {
		loc.Coordinates = &shipping.Coordinates{Latitude: *st.Latitude, Longitude: *st.Longitude}
	}
	return loc
}

func manifest(c *cart) []shipping.ManifestItem {
	items := make([]shipping.ManifestItem, len(c.lines))
	for i, l := range c.lines {
		v := c.variants[l.VariantID]
		items[i] = shipping.ManifestItem{
			Name:        v.Name,
			Value:       v.Price,
			WeightGrams: v.WeightGrams,
			LengthCM:    v.LengthCM,
			WidthCM:     v.WidthCM,
			HeightCM:    v.HeightCM,
			Quantity:    l.Quantity,
		}
	}
	return items
}

func orderLines(c *cart) []order.Line {
	lines := make([]order.Line, len(c.lines))
	for i, l := range c.lines {
		v := c.variants[l.VariantID]
		lines[i] = order.Line{
			VariantID: l.VariantID,
			Name:      v.Name,
			Quantity:  l.Quantity,
			UnitPrice: v.Price,
		}
	}
	return lines
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, Reason(err))
	}
	span.End()
}
