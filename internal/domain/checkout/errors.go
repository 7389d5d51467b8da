package checkout

import (
	"context"

	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/domain/stock"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

func isRateTransient(err error) bool {
	return errors.Is(err, shipping.ErrRateProviderUnavailable)
}

func isPaymentTransient(err error) bool {
	return errors.Is(err, payment.ErrGatewayUnavailable)
}

// isCompensationTransient retries everything except outcomes a retry
// cannot change.
func isCompensationTransient(err error) bool {
	var invalid *order.InvalidTransitionError
	return !errors.As(err, &invalid) && !errors.Is(err, order.ErrNotFound) && !errors.Is(err, context.Canceled)
}

func always(error) bool { return true }

// Reason returns a short, low-cardinality label for a checkout error.
func Reason(err error) string {
	var (
		notFound     *catalog.VariantNotFoundError
		insufficient *stock.InsufficientStockError
		invalid      *order.InvalidTransitionError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &notFound):
		return "variant_not_found"
	case errors.As(err, &insufficient):
		return "insufficient_stock"
	case errors.As(err, &invalid):
		return "invalid_transition"
	case errors.Is(err, ErrCheckoutUnavailable):
		return "unavailable"
	case errors.Is(err, ErrCheckoutInProgress):
		return "in_progress"
	case errors.Is(err, ErrMixedStores):
		return "mixed_stores"
	case errors.Is(err, ErrEmptyCart), errors.Is(err, stock.ErrInvalidQuantity):
		return "invalid_cart"
	case errors.Is(err, shipping.ErrQuoteSessionNotFound):
		return "quote_session_not_found"
	case errors.Is(err, shipping.ErrQuoteMismatch), errors.Is(err, shipping.ErrQuoteNotFound):
		return "quote_mismatch"
	case errors.Is(err, shipping.ErrNoRatesAvailable):
		return "no_rates"
	case errors.Is(err, voucher.ErrVoucherNotFound),
		errors.Is(err, voucher.ErrVoucherExpired),
		errors.Is(err, voucher.ErrVoucherScopeMismatch),
		errors.Is(err, voucher.ErrMinimumPurchaseNotMet),
		errors.Is(err, voucher.ErrVoucherExhausted):
		return "voucher_rejected"
	case errors.Is(err, payment.ErrGatewayRejected):
		return "payment_rejected"
	default:
		return "internal"
	}
}
