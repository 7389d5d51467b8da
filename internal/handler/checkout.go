package handler

import (
	"net/http"
	"strings"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
)

// CreateQuote opens a checkout session with shipping quotes for the cart.
func (h *Handler) CreateQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.deps.Checkout.Quote(r.Context(), checkout.QuoteRequest{
		BuyerID:     buyerID(r),
		Lines:       toLines(req.Items),
		Destination: req.Destination.location(),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newQuoteResponse(res))
}

// PlaceOrder confirms a checkout session and returns the order with its
// payment session. A replayed Idempotency-Key answers 200 with the original
// order.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	res, err := h.deps.Checkout.PlaceOrder(r.Context(), checkout.PlaceOrderRequest{
		BuyerID:        buyerID(r),
		SessionID:      req.SessionID,
		Lines:          toLines(req.Items),
		CourierCode:    req.CourierCode,
		ServiceCode:    req.ServiceCode,
		ShippingPrice:  req.ShippingPrice,
		VoucherCode:    req.VoucherCode,
		Address:        req.Address.address(),
		IdempotencyKey: strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)),
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, newOrderResponse(res.Order, res.Payment))
}

func buyerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(HeaderBuyerID))
}
