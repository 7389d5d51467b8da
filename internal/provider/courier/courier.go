// Package courier implements shipping.Provider against a rate-shopping HTTP
// API.
package courier

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker/v2"

	"github.com/xenking/kart-checkout/internal/domain/shipping"
	"github.com/xenking/kart-checkout/internal/provider"
)

const ratesPath = "/v1/rates/couriers"

// maxBody bounds the response size read from the provider.
const maxBody = 1 << 20

var _ shipping.Provider = (*Client)(nil)

// Config configures a Client.
type Config struct {
	Name    string
	BaseURL string
	APIKey  string
	// Couriers restricts the quote to these courier codes. Empty asks for all.
	Couriers []string
}

// Client prices parcels with a rate-shopping API.
type Client struct {
	cfg     Config
	http    *http.Client
	breaker *gobreaker.CircuitBreaker[[]shipping.Quote]
}

// New returns a Client. The http client should carry its own timeout; the
// aggregator bounds each call as well.
func New(cfg Config, httpClient *http.Client) *Client {
	if cfg.Name == "" {
		cfg.Name = "courier"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		cfg:  cfg,
		http: httpClient,
		breaker: provider.NewBreaker[[]shipping.Quote](provider.BreakerConfig{
			Name: cfg.Name,
			Transient: func(err error) bool {
				return errors.Is(err, shipping.ErrRateProviderUnavailable)
			},
		}),
	}
}

// Name identifies the provider in logs.
func (c *Client) Name() string { return c.cfg.Name }

// Rates asks the provider for quotes. Transport errors, non-2xx answers and
// an open circuit yield shipping.ErrRateProviderUnavailable; an answer with
// no usable pricing yields shipping.ErrNoRatesAvailable.
func (c *Client) Rates(ctx context.Context, req shipping.RateRequest) ([]shipping.Quote, error) {
	quotes, err := c.breaker.Execute(func() ([]shipping.Quote, error) {
		return c.rates(ctx, req)
	})
	if provider.IsOpen(err) {
		return nil, errors.Wrap(shipping.ErrRateProviderUnavailable, err.Error())
	}
	return quotes, err
}

func (c *Client) rates(ctx context.Context, req shipping.RateRequest) ([]shipping.Quote, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+ratesPath, bytes.NewReader(c.encodeRequest(req)))
	if err != nil {
		return nil, errors.Wrap(err, "build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", c.cfg.APIKey)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(shipping.ErrRateProviderUnavailable, err.Error())
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, errors.Wrap(shipping.ErrRateProviderUnavailable, err.Error())
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Wrap(shipping.ErrRateProviderUnavailable,
			fmt.Sprintf("status %d", resp.StatusCode))
	}

	quotes, ok, err := decodeResponse(body)
	if err != nil {
		return nil, errors.Wrap(shipping.ErrRateProviderUnavailable, "decode response: "+err.Error())
	}
	if !ok || len(quotes) == 0 {
		return nil, shipping.ErrNoRatesAvailable
	}
	return quotes, nil
}

func (c *Client) encodeRequest(req shipping.RateRequest) []byte {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		encodeLocation(e, "origin", req.Origin)
		encodeLocation(e, "destination", req.Destination)
		if len(c.cfg.Couriers) > 0 {
			e.Field("couriers", func(e *jx.Encoder) { e.Str(strings.Join(c.cfg.Couriers, ",")) })
		}
		e.Field("items", func(e *jx.Encoder) {
			e.Arr(func(e *jx.Encoder) {
				for _, it := range req.Items {
					e.Obj(func(e *jx.Encoder) {
						e.Field("name", func(e *jx.Encoder) { e.Str(it.Name) })
						e.Field("value", func(e *jx.Encoder) { e.Num(jx.Num(it.Value.String())) })
						e.Field("weight", func(e *jx.Encoder) { e.Int(it.WeightGrams) })
						e.Field("length", func(e *jx.Encoder) { e.Int(it.LengthCM) })
						e.Field("width", func(e *jx.Encoder) { e.Int(it.WidthCM) })
						e.Field("height", func(e *jx.Encoder) { e.Int(it.HeightCM) })
						e.Field("quantity", func(e *jx.Encoder) { e.Int(it.Quantity) })
					})
				}
			})
		})
	})
	return e.Bytes()
}

func encodeLocation(e *jx.Encoder, prefix string, l shipping.Location) {
	if l.AreaID != "" {
		e.Field(prefix+"_area_id", func(e *jx.Encoder) { e.Str(l.AreaID) })
	}
	if l.Coordinates != nil {
		e.Field(prefix+"_latitude", func(e *jx.Encoder) { e.Float64(l.Coordinates.Latitude) })
		e.Field(prefix+"_longitude", func(e *jx.Encoder) { e.Float64(l.Coordinates.Longitude) })
	}
}

// decodeResponse parses {success, pricing: [...]}. Entries without a courier,
// service or a valid price are skipped.
func decodeResponse(body []byte) (quotes []shipping.Quote, success bool, err error) {
	err = jx.DecodeBytes(body).Obj(func(d *jx.Decoder, key string) error {
		switch key {
		case "success":
			v, err := d.Bool()
			success = v
			return err
		case "pricing":
			if d.Next() == jx.Null {
				return d.Null()
			}
			return d.Arr(func(d *jx.Decoder) error {
				q, ok, err := decodePricing(d)
				if err != nil {
					return err
				}
				if ok {
					quotes = append(quotes, q)
				}
				return nil
			})
		default:
			return d.Skip()
		}
	})
	return quotes, success, err
}

func decodePricing(d *jx.Decoder) (shipping.Quote, bool, error) {
	var (
		q        shipping.Quote
		hasPrice bool
	)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "courier_code":
			q.CourierCode, err = d.Str()
		case "courier_service_code":
			q.ServiceCode, err = d.Str()
		case "description":
			q.Description, err = d.Str()
		case "duration":
			q.Duration, err = d.Str()
		case "price":
			var raw string
			if d.Next() == jx.String {
				raw, err = d.Str()
			} else {
				var n jx.Num
				n, err = d.Num()
				raw = n.String()
			}
			if err == nil {
				q.Price, err = decimal.NewFromString(raw)
				hasPrice = err == nil
			}
		default:
			err = d.Skip()
		}
		return err
	})
	if err != nil {
		return q, false, err
	}
	ok := hasPrice && q.CourierCode != "" && q.ServiceCode != "" && !q.Price.IsNegative()
	return q, ok, nil
}
