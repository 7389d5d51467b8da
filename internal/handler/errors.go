package handler

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/domain/stock"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

const maxBodyBytes = 1 << 20

// errBadJSON marks an undecodable request body.
var errBadJSON = errors.New("malformed JSON body")

// statusOf maps a domain error to an HTTP status. Unknown errors are 500.
func statusOf(err error) int {
	var (
		validation   validator.ValidationErrors
		notFound     *catalog.VariantNotFoundError
		insufficient *stock.InsufficientStockError
		invalid      *order.InvalidTransitionError
	)
	switch {
	case errors.Is(err, errBadJSON):
		return http.StatusBadRequest
	case errors.Is(err, checkout.ErrMissingBuyer), errors.Is(err, payment.ErrUntrustedCallback):
		return http.StatusUnauthorized
	case errors.Is(err, order.ErrNotFound), errors.Is(err, payment.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.As(err, &insufficient),
		errors.As(err, &invalid),
		errors.Is(err, checkout.ErrCheckoutInProgress),
		errors.Is(err, shipping.ErrQuoteMismatch),
		errors.Is(err, shipping.ErrQuoteNotFound),
		errors.Is(err, voucher.ErrVoucherExhausted):
		return http.StatusConflict
	case errors.As(err, &validation),
		errors.As(err, &notFound),
		errors.Is(err, checkout.ErrEmptyCart),
		errors.Is(err, checkout.ErrMixedStores),
		errors.Is(err, stock.ErrInvalidQuantity),
		errors.Is(err, shipping.ErrQuoteSessionNotFound),
		errors.Is(err, shipping.ErrNoRatesAvailable),
		errors.Is(err, voucher.ErrVoucherNotFound),
		errors.Is(err, voucher.ErrVoucherExpired),
		errors.Is(err, voucher.ErrVoucherScopeMismatch),
		errors.Is(err, voucher.ErrMinimumPurchaseNotMet),
		errors.Is(err, payment.ErrUnknownStatus),
		errors.Is(err, payment.ErrAmountMismatch):
		return http.StatusUnprocessableEntity
	case errors.Is(err, payment.ErrGatewayRejected):
		return http.StatusBadGateway
	case errors.Is(err, checkout.ErrCheckoutUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError responds with {code, message}. Internal errors are logged and
// their details withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		zctx.From(r.Context()).Error("Request failed", zap.Error(err))
		msg = http.StatusText(code)
	}
	if code == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "5")
	}
	writeJSON(w, code, errorResponse{Code: code, Message: msg})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// decode reads a JSON body into dst and validates it.
func (h *Handler) decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return errors.Wrap(errBadJSON, err.Error())
	}
	return h.validate.Struct(dst)
}
