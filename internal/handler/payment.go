package handler

import (
	"net/http"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// PaymentCallback reconciles a gateway status update. Duplicate and stale
// callbacks are acknowledged so the gateway stops retrying them. The
// signature is read from the body, or from X-Callback-Signature.
func (h *Handler) PaymentCallback(w http.ResponseWriter, r *http.Request) {
	var req callbackRequest
	if err := h.decode(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if req.Signature == "" {
		req.Signature = r.Header.Get(HeaderSignature)
	}

	res, err := h.deps.Payments.Reconcile(r.Context(), payment.Callback{
		Token:     req.Token,
		Status:    req.Status,
		Amount:    req.Amount,
		Signature: req.Signature,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, callbackResponse{
		OrderID:   res.OrderID,
		Target:    string(res.Target),
		Applied:   res.Applied,
		Duplicate: res.Duplicate,
		Stale:     res.Stale,

		RefundRequired: res.RefundRequired,
	})
}
