package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

// conflictRetries bounds re-reads after a concurrent status change.
const conflictRetries = 3

// TransitionRequest asks the machine to move an order to To. EventID is the
// idempotency key of the triggering event.
type TransitionRequest struct {
	OrderID string
	To      Status
	EventID string
	Actor   string
	Reason  string
}

// TransitionResult is the order after the request. Applied is false when
// the event had already been applied. VoucherExhausted reports a payment
// that found the order's voucher already at its usage limit.
type TransitionResult struct {
	Order            *Order
	From             Status
	Applied          bool
	VoucherExhausted bool
}

// Machine is the only writer of order status.
type Machine struct {
	orders  Repository
	lg      *zap.Logger
	now     func() time.Time
	applied metric.Int64Counter
}

// NewMachine creates a Machine over orders.
func NewMachine(orders Repository, lg *zap.Logger, meter metric.Meter) (*Machine, error) {
	applied, err := meter.Int64Counter("order.transitions",
		metric.WithDescription("Applied order status transitions"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create transitions counter")
	}
	return &Machine{
		orders:  orders,
		lg:      lg,
		now:     time.Now,
		applied: applied,
	}, nil
}

// Transition applies req with its side effects. Transitions outside the
// table fail with *InvalidTransitionError; a replayed EventID returns the
// current order with Applied set to false.
func (m *Machine) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	if req.EventID == "" {
		return nil, errors.New("transition event id is required")
	}

	for range conflictRetries {
		o, err := m.orders.Get(ctx, req.OrderID)
		if err != nil {
			return nil, errors.Wrap(err, "get order")
		}

		seen, err := m.orders.HasEvent(ctx, o.ID, req.EventID)
		if err != nil {
			return nil, errors.Wrap(err, "check event")
		}
		if seen {
			return &TransitionResult{Order: o, From: o.Status}, nil
		}

		if !CanTransition(o.Status, req.To) {
			return nil, &InvalidTransitionError{From: o.Status, To: req.To}
		}

		out, err := m.orders.ApplyTransition(ctx, m.change(o, req))
		switch {
		case err == nil:
		case errors.Is(err, ErrDuplicateEvent):
			current, err := m.orders.Get(ctx, o.ID)
			if err != nil {
				return nil, errors.Wrap(err, "get order")
			}
			return &TransitionResult{Order: current, From: current.Status}, nil
		case errors.Is(err, ErrStatusConflict):
			m.lg.Debug("Order status changed concurrently, retrying",
				zap.String("order_id", o.ID),
				zap.String("event_id", req.EventID),
			)
			continue
		default:
			return nil, errors.Wrap(err, "apply transition")
		}

		m.applied.Add(ctx, 1, metric.WithAttributes(
			attribute.String("from", string(o.Status)),
			attribute.String("to", string(req.To)),
		))
		m.lg.Info("Order transitioned",
			zap.String("order_id", o.ID),
			zap.String("from", string(o.Status)),
			zap.String("to", string(req.To)),
			zap.String("event_id", req.EventID),
			zap.String("actor", req.Actor),
		)
		if out.VoucherExhausted {
			m.lg.Error("Voucher usage limit reached before payment, usage not incremented",
				zap.String("order_id", o.ID),
				zap.Stringp("voucher_id", o.VoucherID),
			)
		}
		return &TransitionResult{
			Order:            out.Order,
			From:             o.Status,
			Applied:          true,
			VoucherExhausted: out.VoucherExhausted,
		}, nil
	}
	return nil, errors.Wrapf(ErrStatusConflict, "order %s", req.OrderID)
}

func (m *Machine) change(o *Order, req TransitionRequest) Change {
	at := m.now().UTC()
	c := Change{
		OrderID: o.ID,
		From:    o.Status,
		To:      req.To,
		EventID: req.EventID,
		Actor:   req.Actor,
		Reason:  req.Reason,
		At:      at,
	}

	switch req.To {
	case StatusPaid:
		c.IncrementVoucher = o.VoucherID
	case StatusCancelled, StatusRefunded:
		c.RestoreStock = true
	}

	if req.To == StatusCompleted {
		c.Messages = append(c.Messages, notify.Message{
			ID:        uuid.NewString(),
			Kind:      notify.KindFundsRelease,
			OrderID:   o.ID,
			BuyerID:   o.BuyerID,
			StoreID:   o.StoreID,
			Status:    string(req.To),
			Amount:    o.TotalAmount,
			CreatedAt: at,
		})
	} else {
		c.Messages = append(c.Messages, notify.Message{
			ID:        uuid.NewString(),
			Kind:      notify.KindOrderStatus,
			OrderID:   o.ID,
			BuyerID:   o.BuyerID,
			StoreID:   o.StoreID,
			Status:    string(req.To),
			CreatedAt: at,
		})
	}
	return c
}

// CompleteDelivered moves orders delivered before the given time to
// COMPLETED and returns how many moved. The event ID is fixed per order, so
// overlapping sweeps complete each order once.
func (m *Machine) CompleteDelivered(ctx context.Context, deliveredBefore time.Time, limit int) (int, error) {
	orders, err := m.orders.ListByStatus(ctx, StatusDelivered, deliveredBefore, limit)
	if err != nil {
		return 0, errors.Wrap(err, "list delivered orders")
	}

	var completed int
	for _, o := range orders {
		res, err := m.Transition(ctx, TransitionRequest{
			OrderID: o.ID,
			To:      StatusCompleted,
			EventID: "auto-complete",
			Actor:   "completion sweeper",
			Reason:  "buyer confirmation window elapsed",
		})
		if err != nil {
			var invalid *InvalidTransitionError
			if errors.As(err, &invalid) {
				continue
			}
			return completed, errors.Wrapf(err, "complete order %s", o.ID)
		}
		if res.Applied {
			completed++
		}
	}
	return completed, nil
}
