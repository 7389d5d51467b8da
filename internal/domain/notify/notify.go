// Package notify defines the outbound notification port and the transactional
// outbox that feeds it.
package notify

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates outbox messages.
type Kind string

const (
	// KindOrderStatus tells the buyer that their order changed status.
	KindOrderStatus Kind = "order.status"
	// KindFundsRelease asks the payout system to release funds to the seller.
	KindFundsRelease Kind = "funds.release"
)

// Message is an outbox entry written in the same transaction as the state
// change that produced it.
type Message struct {
	ID        string
	Kind      Kind
	OrderID   string
	BuyerID   string
	StoreID   string
	Status    string
	Amount    decimal.Decimal
	Attempts  int
	CreatedAt time.Time
}

// Notifier delivers order status changes to buyers. Formatting and channel
// selection belong to the implementation.
type Notifier interface {
	Notify(ctx context.Context, buyerID, orderID, status string) error
}

// Payouts releases order funds to the seller.
type Payouts interface {
	ReleaseFunds(ctx context.Context, storeID, orderID string, amount decimal.Decimal) error
}

// Outbox hands out due messages and records delivery outcomes. Messages
// are delivered at least once.
type Outbox interface {
	// Claim leases up to limit messages due for delivery, oldest first.
	// A claimed message is hidden from other claimers until lease elapses
	// or its outcome is recorded.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Message, error)
	MarkSent(ctx context.Context, id string) error
	// MarkFailed records a failed attempt and schedules the next one at
	// retryAt.
	MarkFailed(ctx context.Context, id, cause string, retryAt time.Time) error
	// MarkDead parks a message that ran out of attempts. Dead messages are
	// never claimed again.
	MarkDead(ctx context.Context, id, cause string) error
	// Backlog counts messages still awaiting delivery. Dead messages are
	// not counted.
	Backlog(ctx context.Context) (int, error)
}

// Alert describes a condition that needs an operator, such as a failed
// compensation or a payment that must be refunded by hand.
type Alert struct {
	OrderID string
	Stage   string
	Reason  string
	At      time.Time
}

// Alerter hands alerts to operators.
type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}
