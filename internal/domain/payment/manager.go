package payment

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

// DefaultSessionTTL is how long a buyer has to pay.
const DefaultSessionTTL = 24 * time.Hour

// Alert stages raised by the manager.
const (
	StageRefundRequired  = "refund_required"
	StageVoucherOverused = "voucher_overused"
)

// Config holds Manager settings.
type Config struct {
	CallbackURL string
	Secret      []byte
	SessionTTL  time.Duration
}

// Callback is an inbound gateway status update.
type Callback struct {
	Token     string
	Status    string
	Amount    string
	Signature string
}

// ReconcileResult describes what a callback did.
type ReconcileResult struct {
	OrderID string
	// Target is empty when the status drives no transition.
	Target order.Status
	// Applied is set when the callback changed order status.
	Applied bool
	// Duplicate is set for callbacks that were already processed.
	Duplicate bool
	// Stale is set when the order had already left the state the callback
	// applies to.
	Stale bool
	// RefundRequired is set when money was settled for an order that was
	// already cancelled. Operators are alerted to refund it.
	RefundRequired bool
}

// Manager creates payment sessions and reconciles gateway callbacks.
type Manager struct {
	gateway  Gateway
	sessions Repository
	orders   Transitioner
	dedup    Deduper
	alerts   notify.Alerter
	cfg      Config
	lg       *zap.Logger
	now      func() time.Time
}

// NewManager creates a Manager. A nil alerts only logs conditions that need
// an operator.
func NewManager(
	gateway Gateway,
	sessions Repository,
	orders Transitioner,
	dedup Deduper,
	alerts notify.Alerter,
	cfg Config,
	lg *zap.Logger,
) *Manager {
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = DefaultSessionTTL
	}
	return &Manager{
		gateway:  gateway,
		sessions: sessions,
		orders:   orders,
		dedup:    dedup,
		alerts:   alerts,
		cfg:      cfg,
		lg:       lg,
		now:      time.Now,
	}
}

// CreateSession opens a gateway session for a pending order. An existing
// pending session for the order is returned as is.
func (m *Manager) CreateSession(ctx context.Context, o *order.Order) (*Session, error) {
	if o.Status != order.StatusPending {
		return nil, &order.InvalidTransitionError{From: o.Status, To: order.StatusPaid}
	}

	existing, err := m.sessions.GetByOrder(ctx, o.ID)
	switch {
	case err == nil:
		if existing.Status == StatusPending && existing.ExpiresAt.After(m.now()) {
			return existing, nil
		}
	case !errors.Is(err, ErrSessionNotFound):
		return nil, errors.Wrap(err, "get session")
	}

	now := m.now().UTC()
	expiresAt := now.Add(m.cfg.SessionTTL)
	gs, err := m.gateway.CreateSession(ctx, CreateRequest{
		OrderID:     o.ID,
		OrderNumber: o.Number,
		Amount:      o.TotalAmount,
		CallbackURL: m.cfg.CallbackURL,
		ExpiresAt:   expiresAt,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create gateway session")
	}

	s := &Session{
		OrderID:     o.ID,
		Token:       gs.Token,
		RedirectURL: gs.RedirectURL,
		Status:      StatusPending,
		Amount:      o.TotalAmount,
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := m.sessions.Create(ctx, s); err != nil {
		return nil, errors.Wrap(err, "save session")
	}
	return s, nil
}

// Reconcile verifies a gateway callback and feeds the resulting event into
// the order state machine. Unsigned callbacks fail with
// ErrUntrustedCallback without touching any state.
func (m *Manager) Reconcile(ctx context.Context, cb Callback) (*ReconcileResult, error) {
	if !Verify(m.cfg.Secret, cb) {
		m.lg.Warn("Dropping untrusted payment callback", zap.String("token", cb.Token))
		return nil, ErrUntrustedCallback
	}

	status := strings.ToLower(strings.TrimSpace(cb.Status))
	target, ok := Target(status)
	if !ok {
		return nil, errors.Wrapf(ErrUnknownStatus, "%q", cb.Status)
	}

	key := EventKey(cb.Token, status)
	seen, err := m.dedup.Seen(ctx, key)
	if err != nil {
		// The event log catches replays the fast path misses.
		m.lg.Warn("Callback dedup lookup failed", zap.String("key", key), zap.Error(err))
	}
	if seen {
		m.lg.Debug("Dropping replayed payment callback", zap.String("key", key))
		return &ReconcileResult{Target: target, Duplicate: true}, nil
	}

	s, err := m.sessions.GetByToken(ctx, cb.Token)
	if err != nil {
		return nil, errors.Wrap(err, "get session")
	}
	res := &ReconcileResult{OrderID: s.OrderID, Target: target}

	if target == order.StatusPaid {
		amount, err := decimal.NewFromString(cb.Amount)
		if err != nil || !amount.Equal(s.Amount) {
			return nil, errors.Wrapf(ErrAmountMismatch, "token %s: got %q, want %s",
				cb.Token, cb.Amount, s.Amount.String())
		}
	}

	if err := m.sessions.UpdateStatus(ctx, s.Token, status, m.now().UTC()); err != nil {
		return nil, errors.Wrap(err, "update session status")
	}

	if target != "" {
		out, err := m.transition(ctx, s.OrderID, target, key, "payment gateway", "gateway status "+status)
		if err != nil {
			return nil, err
		}
		res.Applied = out.applied
		res.Stale = out.staleFrom != ""
		res.Duplicate = !res.Applied && !res.Stale

		switch {
		case target == order.StatusPaid && out.staleFrom == order.StatusCancelled:
			res.RefundRequired = true
			if err := m.alert(ctx, s.OrderID, StageRefundRequired,
				"payment "+status+" of "+s.Amount.String()+" settled for cancelled order"); err != nil {
				return nil, err
			}
		case out.voucherExhausted:
			if err := m.alert(ctx, s.OrderID, StageVoucherOverused,
				"voucher usage limit reached before payment"); err != nil {
				m.lg.Error("Publish alert failed", zap.String("order_id", s.OrderID), zap.Error(err))
			}
		}
	}

	if err := m.dedup.Remember(ctx, key); err != nil {
		m.lg.Warn("Callback dedup store failed", zap.String("key", key), zap.Error(err))
	}
	return res, nil
}

// ExpireStale cancels orders whose payment session expired unpaid and
// returns how many were cancelled.
func (m *Manager) ExpireStale(ctx context.Context, limit int) (int, error) {
	now := m.now().UTC()
	expired, err := m.sessions.ListExpired(ctx, now, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list expired sessions")
	}

	var cancelled int
	for _, s := range expired {
		key := EventKey(s.Token, StatusExpire)
		out, err := m.transition(ctx, s.OrderID, order.StatusCancelled, key, "expiry sweeper", "payment session expired")
		if err != nil {
			return cancelled, errors.Wrapf(err, "expire order %s", s.OrderID)
		}
		if err := m.sessions.UpdateStatus(ctx, s.Token, StatusExpire, now); err != nil {
			return cancelled, errors.Wrap(err, "update session status")
		}
		if out.applied {
			cancelled++
		}
	}
	return cancelled, nil
}

type transitionOutcome struct {
	applied          bool
	voucherExhausted bool
	// staleFrom is the status of an order that had already moved past the
	// target, empty otherwise.
	staleFrom order.Status
}

// transition applies an event, treating an order already past the target as
// stale rather than failing.
func (m *Manager) transition(ctx context.Context, orderID string, to order.Status, eventID, actor, reason string) (transitionOutcome, error) {
	res, err := m.orders.Transition(ctx, order.TransitionRequest{
		OrderID: orderID,
		To:      to,
		EventID: eventID,
		Actor:   actor,
		Reason:  reason,
	})
	var invalid *order.InvalidTransitionError
	switch {
	case errors.As(err, &invalid):
		if invalid.From == to {
			return transitionOutcome{}, nil
		}
		m.lg.Warn("Dropping stale payment event",
			zap.String("order_id", orderID),
			zap.String("from", string(invalid.From)),
			zap.String("to", string(to)),
			zap.String("event_id", eventID),
		)
		return transitionOutcome{staleFrom: invalid.From}, nil
	case err != nil:
		return transitionOutcome{}, errors.Wrap(err, "transition order")
	}
	return transitionOutcome{applied: res.Applied, voucherExhausted: res.VoucherExhausted}, nil
}

// alert logs a condition that needs an operator and hands it to the
// alerter.
func (m *Manager) alert(ctx context.Context, orderID, stage, reason string) error {
	m.lg.Error("Payment needs operator attention",
		zap.String("order_id", orderID),
		zap.String("stage", stage),
		zap.String("reason", reason),
	)
	if m.alerts == nil {
		return nil
	}
	if err := m.alerts.Alert(ctx, notify.Alert{
		OrderID: orderID,
		Stage:   stage,
		Reason:  reason,
		At:      m.now().UTC(),
	}); err != nil {
		return errors.Wrap(err, "raise alert")
	}
	return nil
}
