package voucher

import (
	"context"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// Evaluator validates a voucher code for an order and computes its discount.
type Evaluator struct {
	repo Repository
	now  func() time.Time
}

// NewEvaluator creates an Evaluator backed by the given Repository.
func NewEvaluator(repo Repository) *Evaluator {
	return &Evaluator{repo: repo, now: time.Now}
}

// Evaluate checks the voucher identified by code against the order's store
// and subtotal and returns the discount it grants. Checks run in a fixed
// order and the first failing one is returned.
//
// Evaluate never consumes a use: usage is incremented when the order is paid.
func (e *Evaluator) Evaluate(ctx context.Context, code, storeID string, subtotal decimal.Decimal) (*Evaluation, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrVoucherNotFound
	}

	v, err := e.repo.FindByCode(ctx, code, storeID)
	if err != nil {
		if errors.Is(err, ErrVoucherNotFound) {
			return nil, ErrVoucherNotFound
		}
		return nil, errors.Wrap(err, "lookup voucher")
	}

	if err := check(v, storeID, subtotal, e.now()); err != nil {
		return nil, err
	}

	amount, err := Discount(v, subtotal)
	if err != nil {
		return nil, err
	}

	return &Evaluation{
		VoucherID: v.ID,
		Code:      v.Code,
		Amount:    amount,
	}, nil
}

func check(v *Voucher, storeID string, subtotal decimal.Decimal, now time.Time) error {
	if !v.Active {
		return ErrVoucherNotFound
	}
	if now.After(v.ExpiresAt) {
		return ErrVoucherExpired
	}
	if !v.PlatformWide() && v.StoreID != storeID {
		return ErrVoucherScopeMismatch
	}
	if v.MinPurchase != nil && subtotal.LessThan(*v.MinPurchase) {
		return ErrMinimumPurchaseNotMet
	}
	if v.UsageLimit != nil && v.UsageCount >= *v.UsageLimit {
		return ErrVoucherExhausted
	}
	return nil
}
