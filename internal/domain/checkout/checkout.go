// Package checkout orchestrates turning a cart into a priced, stock-reserved
// order with an open payment session.
package checkout

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/domain/stock"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

var (
	// ErrEmptyCart is returned for a checkout without lines.
	ErrEmptyCart = errors.New("cart is empty")
	// ErrMixedStores is returned when cart variants belong to different
	// stores. Every order ships from exactly one store.
	ErrMixedStores = errors.New("cart spans more than one store")
	// ErrCheckoutUnavailable is returned when an external provider stayed
	// unavailable after retries.
	ErrCheckoutUnavailable = errors.New("checkout temporarily unavailable")
	// ErrCheckoutInProgress is returned when a request with the same
	// idempotency key is still being processed.
	ErrCheckoutInProgress = errors.New("checkout with this idempotency key is in progress")
	// ErrMissingBuyer is returned when no buyer is given.
	ErrMissingBuyer = errors.New("buyer id is required")
)

// QuoteRequest asks for shipping quotes for a cart.
type QuoteRequest struct {
	BuyerID     string
	Lines       []stock.Line
	Destination shipping.Location
}

// QuoteResult is an open checkout session with its offered quotes.
type QuoteResult struct {
	SessionID string
	StoreID   string
	Subtotal  decimal.Decimal
	Quotes    []shipping.Quote
	ExpiresAt time.Time
}

// PlaceOrderRequest confirms a checkout session.
type PlaceOrderRequest struct {
	BuyerID     string
	SessionID   string
	Lines       []stock.Line
	CourierCode string
	ServiceCode string
	// ShippingPrice is the price the buyer was shown. When set it must match
	// the quoted price.
	ShippingPrice *decimal.Decimal
	VoucherCode   string
	Address       order.Address
	// IdempotencyKey makes repeated submissions return the same order.
	IdempotencyKey string
}

// PlaceOrderResult is a placed order and its payment session.
type PlaceOrderResult struct {
	Order   *order.Order
	Payment *payment.Session
	// Replayed is set when the result was produced by an earlier request
	// with the same idempotency key.
	Replayed bool
}

// RateQuoter prices parcels.
type RateQuoter interface {
	Rates(ctx context.Context, req shipping.RateRequest) ([]shipping.Quote, error)
}

// VoucherEvaluator validates voucher codes.
type VoucherEvaluator interface {
	Evaluate(ctx context.Context, code, storeID string, subtotal decimal.Decimal) (*voucher.Evaluation, error)
}

// OrderAssembler persists new orders.
type OrderAssembler interface {
	Assemble(ctx context.Context, req order.AssembleRequest) (*order.Order, error)
}

// PaymentSessions opens payment sessions.
type PaymentSessions interface {
	CreateSession(ctx context.Context, o *order.Order) (*payment.Session, error)
}

// IdempotencyGuard records checkout attempts by idempotency key.
type IdempotencyGuard interface {
	// Begin claims key. When the key was already claimed started is false
	// and orderID holds the order of the finished attempt, or is empty while
	// that attempt is still running.
	Begin(ctx context.Context, key string, ttl time.Duration) (orderID string, started bool, err error)
	Complete(ctx context.Context, key, orderID string, ttl time.Duration) error
	Abort(ctx context.Context, key string) error
}

// Fingerprint identifies a normalized set of lines.
func Fingerprint(lines []stock.Line) string {
	var b strings.Builder
	for i, l := range lines {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(l.VariantID)
		b.WriteByte(':')
		b.WriteString(strconv.Itoa(l.Quantity))
	}
	return b.String()
}
