package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

// Sentinel errors for order persistence and lifecycle.
var (
	ErrNotFound             = errors.New("order not found")
	ErrDuplicateNumber      = errors.New("order number already exists")
	ErrOrderNumberExhausted = errors.New("could not allocate a unique order number")
	ErrDuplicateEvent       = errors.New("transition event already applied")
	ErrStatusConflict       = errors.New("order status changed concurrently")
	ErrTotalsMismatch       = errors.New("order total does not match its components")
	ErrEmptyItems           = errors.New("order has no items")
)

// Address is a shipping address copied into the order at creation time.
type Address struct {
	RecipientName string
	Phone         string
	Line1         string
	Line2         string
	City          string
	Province      string
	PostalCode    string
	AreaID        string
}

// Item is an order line with the price frozen at purchase time.
type Item struct {
	OrderID   string
	VariantID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
	LineTotal decimal.Decimal
}

// Order is a placed order. Amounts never change after creation.
type Order struct {
	ID             string
	Number         string
	BuyerID        string
	StoreID        string
	Address        Address
	Status         Status
	ItemsAmount    decimal.Decimal
	ShippingCost   decimal.Decimal
	DiscountAmount decimal.Decimal
	TotalAmount    decimal.Decimal
	VoucherID      *string
	VoucherCode    string
	CourierCode    string
	ServiceCode    string
	Items          []Item
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// CheckTotals reports ErrTotalsMismatch unless
// TotalAmount == ItemsAmount + ShippingCost - DiscountAmount.
func (o *Order) CheckTotals() error {
	want := o.ItemsAmount.Add(o.ShippingCost).Sub(o.DiscountAmount)
	if !o.TotalAmount.Equal(want) {
		return errors.Wrapf(ErrTotalsMismatch, "order %s: total %s, expected %s",
			o.ID, o.TotalAmount.String(), want.String())
	}
	return nil
}

// Transition is an audit record of an applied status change.
type Transition struct {
	OrderID    string
	From       Status
	To         Status
	EventID    string
	Actor      string
	Reason     string
	OccurredAt time.Time
}

// Change describes a status transition and every side effect that must
// commit with it.
type Change struct {
	OrderID string
	From    Status
	To      Status
	EventID string
	Actor   string
	Reason  string
	At      time.Time
	// IncrementVoucher is the voucher whose usage count is increased.
	IncrementVoucher *string
	// RestoreStock releases the order's stock reservations.
	RestoreStock bool
	Messages     []notify.Message
}

// Outcome reports what ApplyTransition did.
type Outcome struct {
	Order *Order
	// VoucherExhausted is set when IncrementVoucher was requested but the
	// voucher had already reached its usage limit.
	VoucherExhausted bool
}

// Repository defines persistence operations for orders.
type Repository interface {
	// Create stores a new order with its items. It returns ErrDuplicateNumber
	// when the order number is taken.
	Create(ctx context.Context, o *Order) error
	NumberExists(ctx context.Context, number string) (bool, error)
	Get(ctx context.Context, id string) (*Order, error)
	HasEvent(ctx context.Context, orderID, eventID string) (bool, error)
	// ApplyTransition commits c atomically. It returns ErrDuplicateEvent when
	// the event was already recorded for the order, and ErrStatusConflict when
	// the order is no longer in c.From.
	ApplyTransition(ctx context.Context, c Change) (*Outcome, error)
	Transitions(ctx context.Context, orderID string) ([]Transition, error)
	// ListByStatus returns orders in status last updated before the given
	// time, oldest first.
	ListByStatus(ctx context.Context, status Status, updatedBefore time.Time, limit int) ([]Order, error)
}
