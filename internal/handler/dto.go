package handler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/domain/stock"
)

type lineRequest struct {
	VariantID string `json:"variant_id" validate:"required"`
	Quantity  int    `json:"quantity" validate:"gt=0"`
}

type coordinatesRequest struct {
	Latitude  float64 `json:"latitude" validate:"latitude"`
	Longitude float64 `json:"longitude" validate:"longitude"`
}

type destinationRequest struct {
	AreaID      string              `json:"area_id" validate:"required_without=Coordinates"`
	Coordinates *coordinatesRequest `json:"coordinates,omitempty"`
}

type quoteRequest struct {
	Items       []lineRequest      `json:"items" validate:"required,min=1,dive"`
	Destination destinationRequest `json:"destination"`
}

type addressDTO struct {
	RecipientName string `json:"recipient_name" validate:"required"`
	Phone         string `json:"phone" validate:"required"`
	Line1         string `json:"line1" validate:"required"`
	Line2         string `json:"line2"`
	City          string `json:"city" validate:"required"`
	Province      string `json:"province" validate:"required"`
	PostalCode    string `json:"postal_code" validate:"required"`
	AreaID        string `json:"area_id"`
}

type placeOrderRequest struct {
	SessionID     string           `json:"session_id" validate:"required"`
	Items         []lineRequest    `json:"items" validate:"required,min=1,dive"`
	CourierCode   string           `json:"courier_code" validate:"required"`
	ServiceCode   string           `json:"service_code" validate:"required"`
	ShippingPrice *decimal.Decimal `json:"shipping_price,omitempty"`
	VoucherCode   string           `json:"voucher_code,omitempty"`
	Address       addressDTO       `json:"address"`
}

type transitionRequest struct {
	Reason string `json:"reason" validate:"max=500"`
}

type callbackRequest struct {
	Token     string `json:"token" validate:"required"`
	Status    string `json:"status" validate:"required"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

type errorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type quoteResponse struct {
	SessionID string          `json:"session_id"`
	StoreID   string          `json:"store_id"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	Quotes    []quoteDTO      `json:"quotes"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type quoteDTO struct {
	CourierCode string          `json:"courier_code"`
	ServiceCode string          `json:"service_code"`
	Description string          `json:"description,omitempty"`
	Duration    string          `json:"duration,omitempty"`
	Price       decimal.Decimal `json:"price"`
}

type itemDTO struct {
	VariantID string          `json:"variant_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price"`
	LineTotal decimal.Decimal `json:"line_total"`
}

type paymentDTO struct {
	Token       string    `json:"token"`
	RedirectURL string    `json:"redirect_url"`
	Status      string    `json:"status"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type orderResponse struct {
	ID             string          `json:"id"`
	Number         string          `json:"number"`
	BuyerID        string          `json:"buyer_id"`
	StoreID        string          `json:"store_id"`
	Status         string          `json:"status"`
	Final          bool            `json:"final"`
	ItemsAmount    decimal.Decimal `json:"items_amount"`
	ShippingCost   decimal.Decimal `json:"shipping_cost"`
	DiscountAmount decimal.Decimal `json:"discount_amount"`
	TotalAmount    decimal.Decimal `json:"total_amount"`
	VoucherCode    string          `json:"voucher_code,omitempty"`
	CourierCode    string          `json:"courier_code"`
	ServiceCode    string          `json:"service_code"`
	Address        addressDTO      `json:"address"`
	Items          []itemDTO       `json:"items"`
	Payment        *paymentDTO     `json:"payment,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type transitionDTO struct {
	From       string    `json:"from"`
	To         string    `json:"to"`
	EventID    string    `json:"event_id"`
	Actor      string    `json:"actor,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type callbackResponse struct {
	OrderID   string `json:"order_id,omitempty"`
	Target    string `json:"target,omitempty"`
	Applied   bool   `json:"applied"`
	Duplicate bool   `json:"duplicate"`
	Stale     bool   `json:"stale"`
	// RefundRequired flags money settled for a cancelled order.
	RefundRequired bool `json:"refund_required,omitempty"`
}

func toLines(in []lineRequest) []stock.Line {
	out := make([]stock.Line, len(in))
	for i, l := range in {
		out[i] = stock.Line{VariantID: l.VariantID, Quantity: l.Quantity}
	}
	return out
}

func (d destinationRequest) location() shipping.Location {
	loc := shipping.Location{AreaID: d.AreaID}
	if d.Coordinates != nil {
		loc.Coordinates = &shipping.Coordinates{
			Latitude:  d.Coordinates.Latitude,
			Longitude: d.Coordinates.Longitude,
		}
	}
	return loc
}

func (a addressDTO) address() order.Address {
	return order.Address(a)
}

func newQuoteResponse(res *checkout.QuoteResult) quoteResponse {
	quotes := make([]quoteDTO, len(res.Quotes))
	for i, q := range res.Quotes {
		quotes[i] = quoteDTO{
			CourierCode: q.CourierCode,
			ServiceCode: q.ServiceCode,
			Description: q.Description,
			Duration:    q.Duration,
			Price:       q.Price,
		}
	}
	return quoteResponse{
		SessionID: res.SessionID,
		StoreID:   res.StoreID,
		Subtotal:  res.Subtotal,
		Quotes:    quotes,
		ExpiresAt: res.ExpiresAt,
	}
}

func newOrderResponse(o *order.Order, ps *payment.Session) orderResponse {
	items := make([]itemDTO, len(o.Items))
	for i, it := range o.Items {
		items[i] = itemDTO{
			VariantID: it.VariantID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice,
			LineTotal: it.LineTotal,
		}
	}
	resp := orderResponse{
		ID:             o.ID,
		Number:         o.Number,
		BuyerID:        o.BuyerID,
		StoreID:        o.StoreID,
		Status:         string(o.Status),
		Final:          o.Status.IsTerminal(),
		ItemsAmount:    o.ItemsAmount,
		ShippingCost:   o.ShippingCost,
		DiscountAmount: o.DiscountAmount,
		TotalAmount:    o.TotalAmount,
		VoucherCode:    o.VoucherCode,
		CourierCode:    o.CourierCode,
		ServiceCode:    o.ServiceCode,
		Address:        addressDTO(o.Address),
		Items:          items,
		CreatedAt:      o.CreatedAt,
		UpdatedAt:      o.UpdatedAt,
	}
	if ps != nil {
		resp.Payment = &paymentDTO{
			Token:       ps.Token,
			RedirectURL: ps.RedirectURL,
			Status:      ps.Status,
			ExpiresAt:   ps.ExpiresAt,
		}
	}
	return resp
}
