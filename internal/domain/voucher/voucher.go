package voucher

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported voucher discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the subtotal, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the subtotal.
	DiscountFixed DiscountType = "fixed"
)

// Validation errors, in the order Evaluate checks them.
var (
	// ErrVoucherNotFound is returned when the code does not exist or is inactive.
	ErrVoucherNotFound = errors.New("voucher not found")
	// ErrVoucherExpired is returned when the voucher is past its expiry.
	ErrVoucherExpired = errors.New("voucher expired")
	// ErrVoucherScopeMismatch is returned when a store voucher is used for another store.
	ErrVoucherScopeMismatch = errors.New("voucher not valid for this store")
	// ErrMinimumPurchaseNotMet is returned when the subtotal is below the minimum purchase.
	ErrMinimumPurchaseNotMet = errors.New("minimum purchase not met")
	// ErrVoucherExhausted is returned when the usage limit has been reached.
	ErrVoucherExhausted = errors.New("voucher usage limit reached")
)

// Voucher defines a discount code and its eligibility constraints. Nil
// pointer fields are unset constraints.
type Voucher struct {
	ID           string
	Code         string
	DiscountType DiscountType
	Value        decimal.Decimal
	MaxDiscount  *decimal.Decimal
	MinPurchase  *decimal.Decimal
	UsageLimit   *int
	UsageCount   int
	ExpiresAt    time.Time
	Active       bool
	// StoreID is empty for platform-wide vouchers.
	StoreID string
}

// PlatformWide reports whether the voucher applies to every store.
func (v *Voucher) PlatformWide() bool {
	return v.StoreID == ""
}

// Evaluation is the result of applying a voucher to an order subtotal.
type Evaluation struct {
	VoucherID string
	Code      string
	Amount    decimal.Decimal
}

// Repository provides lookup of vouchers by code. Codes are unique per
// store, so FindByCode prefers the voucher of storeID, then a platform-wide
// one, then another store's (which the evaluator rejects as out of scope).
// It returns ErrVoucherNotFound when no voucher has the code.
type Repository interface {
	FindByCode(ctx context.Context, code, storeID string) (*Voucher, error)
}
