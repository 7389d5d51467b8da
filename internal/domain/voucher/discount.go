package voucher

import (
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Discount computes the discount a voucher grants on subtotal. The result is
// rounded to 2 decimal places and never exceeds subtotal.
func Discount(v *Voucher, subtotal decimal.Decimal) (decimal.Decimal, error) {
	var amount decimal.Decimal
	switch v.DiscountType {
	case DiscountPercentage:
		amount = subtotal.Mul(v.Value).Div(hundred)
		if v.MaxDiscount != nil {
			amount = decimal.Min(amount, *v.MaxDiscount)
		}
	case DiscountFixed:
		amount = v.Value
	default:
		return decimal.Zero, errors.Errorf("unsupported discount type: %q", v.DiscountType)
	}

	amount = decimal.Min(floorAtZero(amount).Round(2), subtotal)
	return amount, nil
}

func floorAtZero(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
