// Package handler exposes checkout, order and payment operations over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// Headers read by the API. Buyer and actor identity are asserted by the
// upstream authentication layer.
const (
	HeaderBuyerID        = "X-Buyer-ID"
	HeaderActorID        = "X-Actor-ID"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderSignature      = "X-Callback-Signature"
)

// Checkout runs the two-step checkout.
type Checkout interface {
	Quote(ctx context.Context, req checkout.QuoteRequest) (*checkout.QuoteResult, error)
	PlaceOrder(ctx context.Context, req checkout.PlaceOrderRequest) (*checkout.PlaceOrderResult, error)
}

// Orders reads orders and their history.
type Orders interface {
	Get(ctx context.Context, id string) (*order.Order, error)
	Transitions(ctx context.Context, orderID string) ([]order.Transition, error)
}

// Reconciler applies payment gateway callbacks.
type Reconciler interface {
	Reconcile(ctx context.Context, cb payment.Callback) (*payment.ReconcileResult, error)
}

// Deps are the services behind the API.
type Deps struct {
	Checkout Checkout
	Orders   Orders
	Machine  payment.Transitioner
	Payments Reconciler
	// Sessions is optional; when set order responses carry the payment
	// session.
	Sessions payment.Repository
}

// Handler serves the HTTP API.
type Handler struct {
	deps     Deps
	validate *validator.Validate
	lg       *zap.Logger
}

// New creates a Handler.
func New(deps Deps, lg *zap.Logger) *Handler {
	return &Handler{
		deps:     deps,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		lg:       lg,
	}
}

// Routes mounts the API under r. checkoutMW wraps only the checkout routes.
func (h *Handler) Routes(r chi.Router, checkoutMW ...func(http.Handler) http.Handler) {
	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(checkoutMW...)
			r.Post("/checkout/quotes", h.CreateQuote)
			r.Post("/checkout", h.PlaceOrder)
		})

		r.Route("/orders/{id}", func(r chi.Router) {
			r.Get("/", h.GetOrder)
			r.Get("/transitions", h.ListTransitions)
			r.Post("/ship", h.transitionHandler(order.StatusShipped, "ship"))
			r.Post("/deliver", h.transitionHandler(order.StatusDelivered, "deliver"))
			r.Post("/refund", h.transitionHandler(order.StatusRefunded, "refund"))
			r.Post("/cancel", h.transitionHandler(order.StatusCancelled, "cancel"))
		})

		r.Post("/payments/callback", h.PaymentCallback)
	})
}
