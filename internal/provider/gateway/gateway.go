// Package gateway implements payment.Gateway against a hosted-checkout
// payment API.
package gateway

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/sony/gobreaker/v2"

	"github.com/xenking/kart-checkout/internal/domain/payment"
	"github.com/xenking/kart-checkout/internal/provider"
)

const (
	sessionsPath = "/v1/sessions"
	maxBody      = 1 << 20
)

var _ payment.Gateway = (*Client)(nil)

// Config configures a Client.
type Config struct {
	BaseURL   string
	ServerKey string
}

// Client creates payment sessions.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[*payment.GatewaySession]
}

// New returns a Client.
func New(cfg Config, httpClient *http.Client) *Client {
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: httpClient,
		breaker: provider.NewBreaker[*payment.GatewaySession](provider.BreakerConfig{
			Name: "payment-gateway",
			Transient: func(err error) bool {
				return errors.Is(err, payment.ErrGatewayUnavailable)
			},
		}),
	}
}

// CreateSession registers a payment for the order. Transport failures, 5xx
// answers and an open circuit yield payment.ErrGatewayUnavailable; 4xx
// answers yield payment.ErrGatewayRejected.
func (c *Client) CreateSession(ctx context.Context, req payment.CreateRequest) (*payment.GatewaySession, error) {
	s, err := c.breaker.Execute(func() (*payment.GatewaySession, error) {
		return c.createSession(ctx, req)
	})
	if provider.IsOpen(err) {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
	}
	return s, err
}

func (c *Client) createSession(ctx context.Context, req payment.CreateRequest) (*payment.GatewaySession, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+sessionsPath, bytes.NewReader(encodeRequest(req)))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(c.cfg.ServerKey, "")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, err.Error())
	}

	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, fmt.Sprintf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return nil, errors.Wrap(payment.ErrGatewayRejected,
			fmt.Sprintf("status %d: %s", resp.StatusCode, errorMessage(body)))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, fmt.Sprintf("status %d", resp.StatusCode))
	}

	s, err := decodeSession(body)
	if err != nil {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, "decode response: "+err.Error())
	}
	if s.Token == "" {
		return nil, errors.Wrap(payment.ErrGatewayUnavailable, "response has no token")
	}
	return s, nil
}

func encodeRequest(req payment.CreateRequest) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("order_id", func(e *jx.Encoder) { e.Str(req.OrderID) })
		e.Field("order_number", func(e *jx.Encoder) { e.Str(req.OrderNumber) })
		e.Field("amount", func(e *jx.Encoder) { e.Str(req.Amount.StringFixed(2)) })
		if req.CallbackURL != "" {
			e.Field("callback_url", func(e *jx.Encoder) { e.Str(req.CallbackURL) })
		}
		if !req.ExpiresAt.IsZero() {
			e.Field("expires_at", func(e *jx.Encoder) { e.Str(req.ExpiresAt.UTC().Format(time.RFC3339)) })
		}
	})
	return e.Bytes()
}

func decodeSession(body []byte) (*payment.GatewaySession, error) {
	s := &payment.GatewaySession{}
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "token":
			s.Token, err = d.Str()
		case "redirect_url":
			s.RedirectURL, err = d.Str()
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

// errorMessage extracts {"message": ...} from an error body, if present.
func errorMessage(body []byte) string {
	var msg string
	err := jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		if key == "message" && d.Next() == jx.String {
			v, err := d.Str()
			msg = v
			return err
		}
		return d.Skip()
	})
	if err != nil || msg == "" {
		return "request rejected"
	}
	return msg
}
