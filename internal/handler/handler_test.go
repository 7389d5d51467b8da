package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/checkout"
	"github.com/xenking/kart-checkout/internal/domain/order"
	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/domain/stock"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
	"github.com/xenking/kart-checkout/internal/storage/memory"
)

var secret = []byte("callback-secret")

type stubRates struct{}

func (stubRates) Name() string { return "stub" }

func (stubRates) Rates(context.Context, shipping.RateRequest) ([]shipping.Quote, error) {
	return []shipping.Quote{
		{CourierCode: "jne", ServiceCode: "reg", Price: decimal.NewFromInt(20000)},
	}, nil
}

type stubGateway struct{}

func (stubGateway) CreateSession(_ context.Context, req payment.CreateRequest) (*payment.GatewaySession, error) {
	return &payment.GatewaySession{Token: "tok-" + req.OrderID, RedirectURL: "https://pay.example.com/" + req.OrderID}, nil
}

func newServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	lg := zap.NewNop()

	s := memory.New()
	s.PutStore(catalog.Store{ID: "store-1", Name: "Shop", OriginAreaID: "area-origin"})
	s.PutVariant(catalog.Variant{ID: "A", StoreID: "store-1", Name: "Shirt", Price: decimal.NewFromInt(100000), Stock: 2, WeightGrams: 300})
	s.PutVoucher(voucher.Voucher{
		ID:           "vch-1",
		Code:         "SAVE10",
		DiscountType: voucher.DiscountPercentage,
		Value:        decimal.NewFromInt(10),
		ExpiresAt:    time.Now().Add(time.Hour),
		Active:       true,
	})

	machine, err := order.NewMachine(s, lg, noop.NewMeterProvider().Meter("test"))
	require.NoError(t, err)
	payments := payment.NewManager(stubGateway{}, s.Payments(), machine, memory.NewDeduper(), nil, payment.Config{Secret: secret}, lg)

	fast := checkout.RetryConfig{Tries: 2, InitialInterval: time.Millisecond, MaxInterval: time.Millisecond}
	svc, err := checkout.NewService(checkout.Deps{
		Catalog:         s,
		Rates:           shipping.NewAggregator(lg, time.Second, stubRates{}),
		Sessions:        memory.NewQuoteSessions(),
		Vouchers:        voucher.NewEvaluator(s),
		Ledger:          s,
		Assembler:       order.NewAssembler(s, 0),
		Orders:          s,
		Machine:         machine,
		Payments:        payments,
		PaymentSessions: s.Payments(),
		Guard:           memory.NewGuard(),
	}, checkout.Config{ProviderRetry: fast, CompensationRetry: fast}, lg)
	require.NoError(t, err)

	h := New(Deps{
		Checkout: svc,
		Orders:   s,
		Machine:  machine,
		Payments: payments,
		Sessions: s.Payments(),
	}, lg)
	r := chi.NewRouter()
	h.Routes(r)

	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, s
}

func do(t *testing.T, srv *httptest.Server, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var raw []byte
	switch v := body.(type) {
	case nil:
	case string:
		raw = []byte(v)
	default:
		var err error
		raw, err = json.Marshal(v)
		require.NoError(t, err)
	}

	req, err := http.NewRequest(method, srv.URL+path, bytes.NewReader(raw))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

var buyer = map[string]string{HeaderBuyerID: "buyer-1"}

func items(qty int) []map[string]any {
	return []map[string]any{{"variant_id": "A", "quantity": qty}}
}

func quote(t *testing.T, srv *httptest.Server, qty int) quoteResponse {
	t.Helper()
	resp, body := do(t, srv, http.MethodPost, "/api/checkout/quotes", map[string]any{
		"items":       items(qty),
		"destination": map[string]any{"area_id": "area-dest"},
	}, buyer)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var q quoteResponse
	require.NoError(t, json.Unmarshal(body, &q))
	return q
}

func placeBody(sessionID string, qty int) map[string]any {
	return map[string]any{
		"session_id":   sessionID,
		"items":        items(qty),
		"courier_code": "jne",
		"service_code": "reg",
		"address": map[string]any{
			"recipient_name": "Ana",
			"phone":          "08123",
			"line1":          "Jl. Merdeka 1",
			"city":           "Jakarta",
			"province":       "DKI Jakarta",
			"postal_code":    "10110",
			"area_id":        "area-dest",
		},
	}
}

func place(t *testing.T, srv *httptest.Server, qty int, headers map[string]string) (int, orderResponse) {
	t.Helper()
	q := quote(t, srv, qty)
	resp, body := do(t, srv, http.MethodPost, "/api/checkout", placeBody(q.SessionID, qty), headers)

	var o orderResponse
	if resp.StatusCode < 300 {
		require.NoError(t, json.Unmarshal(body, &o))
	}
	return resp.StatusCode, o
}

func callback(token, status, amount string) map[string]any {
	return map[string]any{
		"token":     token,
		"status":    status,
		"amount":    amount,
		"signature": payment.Sign(secret, token, status, amount),
	}
}

func TestCheckoutAndSettlement(t *testing.T) {
	srv, s := newServer(t)

	code, o := place(t, srv, 1, buyer)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "PENDING", o.Status)
	assert.True(t, decimal.NewFromInt(120000).Equal(o.TotalAmount))
	require.NotNil(t, o.Payment)
	assert.Equal(t, "tok-"+o.ID, o.Payment.Token)
	assert.Equal(t, 1, s.Stock("A"))

	resp, body := do(t, srv, http.MethodPost, "/api/payments/callback", callback(o.Payment.Token, "settlement", "120000"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cb callbackResponse
	require.NoError(t, json.Unmarshal(body, &cb))
	assert.True(t, cb.Applied)
	assert.Equal(t, "PAID", cb.Target)

	// Redelivery is acknowledged without a second transition.
	resp, body = do(t, srv, http.MethodPost, "/api/payments/callback", callback(o.Payment.Token, "settlement", "120000"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &cb))
	assert.True(t, cb.Duplicate)
	assert.False(t, cb.Applied)

	resp, body = do(t, srv, http.MethodGet, "/api/orders/"+o.ID+"/", nil, buyer)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got orderResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "PAID", got.Status)
	assert.False(t, got.Final)
	assert.Equal(t, "Ana", got.Address.RecipientName)

	resp, body = do(t, srv, http.MethodGet, "/api/orders/"+o.ID+"/transitions", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var ts []transitionDTO
	require.NoError(t, json.Unmarshal(body, &ts))
	require.Len(t, ts, 1)
	assert.Equal(t, "PENDING", ts[0].From)
	assert.Equal(t, "PAID", ts[0].To)
}

func TestFulfillment(t *testing.T) {
	srv, _ := newServer(t)
	_, o := place(t, srv, 1, buyer)

	resp, _ := do(t, srv, http.MethodPost, "/api/orders/"+o.ID+"/ship", nil, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "PENDING cannot ship")

	resp, _ = do(t, srv, http.MethodPost, "/api/payments/callback", callback(o.Payment.Token, "settlement", "120000"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body := do(t, srv, http.MethodPost, "/api/orders/"+o.ID+"/ship",
		map[string]any{"reason": "picked up"}, map[string]string{HeaderActorID: "seller-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got orderResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "SHIPPED", got.Status)

	resp, _ = do(t, srv, http.MethodPost, "/api/orders/"+o.ID+"/deliver", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSettlementAfterCancel(t *testing.T) {
	srv, _ := newServer(t)
	_, o := place(t, srv, 1, buyer)

	resp, body := do(t, srv, http.MethodPost, "/api/orders/"+o.ID+"/cancel", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var got orderResponse
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "CANCELLED", got.Status)
	assert.True(t, got.Final)

	resp, body = do(t, srv, http.MethodPost, "/api/payments/callback", callback(o.Payment.Token, "settlement", "120000"), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var cb callbackResponse
	require.NoError(t, json.Unmarshal(body, &cb))
	assert.True(t, cb.Stale)
	assert.True(t, cb.RefundRequired)
	assert.False(t, cb.Applied)
}

func TestPlaceOrder_IdempotencyKeyReplay(t *testing.T) {
	srv, s := newServer(t)
	headers := map[string]string{HeaderBuyerID: "buyer-1", HeaderIdempotencyKey: "key-1"}

	q := quote(t, srv, 1)
	resp, body := do(t, srv, http.MethodPost, "/api/checkout", placeBody(q.SessionID, 1), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var first orderResponse
	require.NoError(t, json.Unmarshal(body, &first))

	resp, body = do(t, srv, http.MethodPost, "/api/checkout", placeBody(q.SessionID, 1), headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var second orderResponse
	require.NoError(t, json.Unmarshal(body, &second))

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, s.OrderCount())
	assert.Equal(t, 1, s.Stock("A"))
}

func TestErrors(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		name    string
		method  string
		path    string
		body    any
		headers map[string]string
		code    int
	}{
		{
			name:    "malformed body",
			method:  http.MethodPost,
			path:    "/api/checkout/quotes",
			body:    `{"items": [`,
			headers: buyer,
			code:    http.StatusBadRequest,
		},
		{
			name:    "unknown field",
			method:  http.MethodPost,
			path:    "/api/checkout/quotes",
			body:    `{"items": [], "extra": 1}`,
			headers: buyer,
			code:    http.StatusBadRequest,
		},
		{
			name:    "empty cart",
			method:  http.MethodPost,
			path:    "/api/checkout/quotes",
			body:    map[string]any{"items": []any{}, "destination": map[string]any{"area_id": "x"}},
			headers: buyer,
			code:    http.StatusUnprocessableEntity,
		},
		{
			name:    "no destination",
			method:  http.MethodPost,
			path:    "/api/checkout/quotes",
			body:    map[string]any{"items": items(1)},
			headers: buyer,
			code:    http.StatusUnprocessableEntity,
		},
		{
			name:   "no buyer",
			method: http.MethodPost,
			path:   "/api/checkout/quotes",
			body:   map[string]any{"items": items(1), "destination": map[string]any{"area_id": "x"}},
			code:   http.StatusUnauthorized,
		},
		{
			name:    "unknown variant",
			method:  http.MethodPost,
			path:    "/api/checkout/quotes",
			body:    map[string]any{"items": []map[string]any{{"variant_id": "Z", "quantity": 1}}, "destination": map[string]any{"area_id": "x"}},
			headers: buyer,
			code:    http.StatusUnprocessableEntity,
		},
		{
			name:   "unknown order",
			method: http.MethodGet,
			path:   "/api/orders/missing/",
			code:   http.StatusNotFound,
		},
		{
			name:   "forged callback",
			method: http.MethodPost,
			path:   "/api/payments/callback",
			body:   map[string]any{"token": "tok-x", "status": "settlement", "amount": "1", "signature": "deadbeef"},
			code:   http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := do(t, srv, tt.method, tt.path, tt.body, tt.headers)
			assert.Equal(t, tt.code, resp.StatusCode, string(body))

			var e errorResponse
			require.NoError(t, json.Unmarshal(body, &e))
			assert.Equal(t, tt.code, e.Code)
			assert.NotEmpty(t, e.Message)
		})
	}
}

func TestPlaceOrder_InsufficientStock(t *testing.T) {
	srv, s := newServer(t)

	code, _ := place(t, srv, 3, buyer)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, 2, s.Stock("A"))
	assert.Zero(t, s.OrderCount())
}

func TestGetOrder_OtherBuyer(t *testing.T) {
	srv, _ := newServer(t)
	_, o := place(t, srv, 1, buyer)

	resp, _ := do(t, srv, http.MethodGet, "/api/orders/"+o.ID+"/", nil, map[string]string{HeaderBuyerID: "buyer-2"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{errors.Wrap(errBadJSON, "eof"), http.StatusBadRequest},
		{checkout.ErrMissingBuyer, http.StatusUnauthorized},
		{payment.ErrUntrustedCallback, http.StatusUnauthorized},
		{errors.Wrap(order.ErrNotFound, "get"), http.StatusNotFound},
		{&stock.InsufficientStockError{VariantID: "A", Requested: 2, Available: 1}, http.StatusConflict},
		{&order.InvalidTransitionError{From: order.StatusPending, To: order.StatusShipped}, http.StatusConflict},
		{checkout.ErrCheckoutInProgress, http.StatusConflict},
		{shipping.ErrQuoteMismatch, http.StatusConflict},
		{voucher.ErrVoucherExhausted, http.StatusConflict},
		{&catalog.VariantNotFoundError{VariantID: "Z"}, http.StatusUnprocessableEntity},
		{checkout.ErrMixedStores, http.StatusUnprocessableEntity},
		{voucher.ErrVoucherExpired, http.StatusUnprocessableEntity},
		{payment.ErrAmountMismatch, http.StatusUnprocessableEntity},
		{payment.ErrGatewayRejected, http.StatusBadGateway},
		{errors.Wrap(checkout.ErrCheckoutUnavailable, "gateway"), http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.code, statusOf(tt.err), tt.err.Error())
	}
}
