package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Line is a priced cart line. UnitPrice is the catalog price read at the
// start of checkout.
type Line struct {
	VariantID string
	Name      string
	Quantity  int
	UnitPrice decimal.Decimal
}

// AssembleRequest holds everything needed to build an order.
type AssembleRequest struct {
	OrderID      string
	BuyerID      string
	StoreID      string
	Address      Address
	Lines        []Line
	CourierCode  string
	ServiceCode  string
	ShippingCost decimal.Decimal
	// Discount is zero when no voucher applies.
	Discount    decimal.Decimal
	VoucherID   *string
	VoucherCode string
}

// Assembler prices and persists new orders.
type Assembler struct {
	orders   Repository
	numbers  *NumberGenerator
	attempts int
	now      func() time.Time
}

// NewAssembler creates an Assembler. A non-positive attempts selects
// DefaultNumberAttempts.
func NewAssembler(orders Repository, attempts int) *Assembler {
	if attempts <= 0 {
		attempts = DefaultNumberAttempts
	}
	return &Assembler{
		orders:   orders,
		numbers:  NewNumberGenerator(),
		attempts: attempts,
		now:      time.Now,
	}
}

// Price builds the order with its items and amounts without persisting it.
func Price(req AssembleRequest) (*Order, error) {
	if len(req.Lines) == 0 {
		return nil, ErrEmptyItems
	}

	items := make([]Item, len(req.Lines))
	itemsAmount := decimal.Zero
	for i, l := range req.Lines {
		if l.Quantity <= 0 {
			return nil, errors.Errorf("variant %s: quantity must be greater than 0", l.VariantID)
		}
		lineTotal := l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
		items[i] = Item{
			OrderID:   req.OrderID,
			VariantID: l.VariantID,
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			LineTotal: lineTotal,
		}
		itemsAmount = itemsAmount.Add(lineTotal)
	}

	if req.ShippingCost.IsNegative() {
		return nil, errors.New("shipping cost must not be negative")
	}
	discount := req.Discount
	if discount.IsNegative() {
		return nil, errors.New("discount must not be negative")
	}
	if discount.GreaterThan(itemsAmount) {
		discount = itemsAmount
	}

	o := &Order{
		ID:             req.OrderID,
		BuyerID:        req.BuyerID,
		StoreID:        req.StoreID,
		Address:        req.Address,
		Status:         StatusPending,
		ItemsAmount:    itemsAmount,
		ShippingCost:   req.ShippingCost,
		DiscountAmount: discount,
		TotalAmount:    itemsAmount.Add(req.ShippingCost).Sub(discount),
		CourierCode:    req.CourierCode,
		ServiceCode:    req.ServiceCode,
		Items:          items,
	}
	if req.VoucherID != nil {
		o.VoucherID = req.VoucherID
		o.VoucherCode = req.VoucherCode
	}
	return o, nil
}

// Assemble prices the order, allocates an order number and persists it in
// status PENDING.
func (a *Assembler) Assemble(ctx context.Context, req AssembleRequest) (*Order, error) {
	o, err := Price(req)
	if err != nil {
		return nil, err
	}
	now := a.now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now

	for range a.attempts {
		number, err := a.numbers.Allocate(ctx, a.orders, a.attempts)
		if err != nil {
			return nil, err
		}
		o.Number = number

		err = a.orders.Create(ctx, o)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, ErrDuplicateNumber) {
			return nil, errors.Wrap(err, "create order")
		}
	}
	return nil, ErrOrderNumberExhausted
}
