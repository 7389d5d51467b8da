package shipping

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

var (
	// ErrRateProviderUnavailable is returned when a provider timed out, answered
	// with a non-2xx status or is behind an open circuit. It is retryable.
	ErrRateProviderUnavailable = errors.New("rate provider unavailable")
	// ErrNoRatesAvailable is returned when providers answered but cannot serve
	// the route or parcel. It is not retryable.
	ErrNoRatesAvailable = errors.New("no shipping rates available")
)

// Coordinates is a geographic point.
type Coordinates struct {
	Latitude  float64
	Longitude float64
}

// Location identifies a shipping endpoint by area ID, coordinates or both.
type Location struct {
	AreaID      string
	Coordinates *Coordinates
}

// ManifestItem describes one parcel line for a rate request.
type ManifestItem struct {
	Name        string
	Value       decimal.Decimal
	WeightGrams int
	LengthCM    int
	WidthCM     int
	HeightCM    int
	Quantity    int
}

// RateRequest asks providers to price a parcel between two locations.
type RateRequest struct {
	Origin      Location
	Destination Location
	Items       []ManifestItem
}

// Quote is a normalized courier offer.
type Quote struct {
	CourierCode string
	ServiceCode string
	Description string
	Duration    string
	Price       decimal.Decimal
}

// Key identifies the quote within a rate response.
func (q Quote) Key() string {
	return q.CourierCode + "/" + q.ServiceCode
}

// Provider prices parcels with an external rate-shopping service.
type Provider interface {
	Name() string
	Rates(ctx context.Context, req RateRequest) ([]Quote, error)
}
