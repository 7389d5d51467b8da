package handler

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"

	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
)

// GetOrder returns an order. When the caller names a buyer, orders of other
// buyers are reported as missing.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownedOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var ps *payment.Session
	if h.deps.Sessions != nil {
		ps, err = h.deps.Sessions.GetByOrder(r.Context(), o.ID)
		if err != nil && !errors.Is(err, payment.ErrSessionNotFound) {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, newOrderResponse(o, ps))
}

// ListTransitions returns the status history of an order, oldest first.
func (h *Handler) ListTransitions(w http.ResponseWriter, r *http.Request) {
	o, err := h.ownedOrder(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	ts, err := h.deps.Orders.Transitions(r.Context(), o.ID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	out := make([]transitionDTO, len(ts))
	for i, t := range ts {
		out[i] = transitionDTO{
			From:       string(t.From),
			To:         string(t.To),
			EventID:    t.EventID,
			Actor:      t.Actor,
			Reason:     t.Reason,
			OccurredAt: t.OccurredAt,
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// transitionHandler moves an order to status. The event ID is the
// Idempotency-Key header when present, otherwise the action name; a status
// is entered at most once per order, so repeating the action is harmless.
func (h *Handler) transitionHandler(to order.Status, action string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if r.ContentLength != 0 {
			if err := h.decode(r, &req); err != nil {
				writeError(w, r, err)
				return
			}
		}

		eventID := action
		if key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey)); key != "" {
			eventID = action + ":" + key
		}
		actor := strings.TrimSpace(r.Header.Get(HeaderActorID))
		if actor == "" {
			actor = "api"
		}

		res, err := h.deps.Machine.Transition(r.Context(), order.TransitionRequest{
			OrderID: chi.URLParam(r, "id"),
			To:      to,
			EventID: eventID,
			Actor:   actor,
			Reason:  req.Reason,
		})
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newOrderResponse(res.Order, nil))
	}
}

func (h *Handler) ownedOrder(r *http.Request) (*order.Order, error) {
	o, err := h.deps.Orders.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		return nil, err
	}
	if buyer := buyerID(r); buyer != "" && buyer != o.BuyerID {
		return nil, order.ErrNotFound
	}
	return o, nil
}
