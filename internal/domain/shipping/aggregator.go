package shipping

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a single provider call when no timeout is configured.
const DefaultTimeout = 8 * time.Second

// Aggregator queries every configured provider and merges their quotes.
type Aggregator struct {
	providers []Provider
	timeout   time.Duration
	lg        *zap.Logger
}

// NewAggregator creates an Aggregator over providers. A non-positive timeout
// selects DefaultTimeout.
func NewAggregator(lg *zap.Logger, timeout time.Duration, providers ...Provider) *Aggregator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Aggregator{
		providers: providers,
		timeout:   timeout,
		lg:        lg,
	}
}

// Rates returns the quotes of all providers sorted by price ascending.
//
// Quotes from providers that answered are returned even if others failed.
// When no provider answered, the result is ErrRateProviderUnavailable; when
// every answer was empty or unserviceable, ErrNoRatesAvailable.
func (a *Aggregator) Rates(ctx context.Context, req RateRequest) ([]Quote, error) {
	if len(a.providers) == 0 {
		return nil, errors.Wrap(ErrRateProviderUnavailable, "no providers configured")
	}
	if len(req.Items) == 0 {
		return nil, errors.New("rate request has no items")
	}

	var (
		mu        sync.Mutex
		quotes    []Quote
		answered  int
		lastUnavl error
	)

	// Provider failures are collected rather than returned so one outage does
	// not cancel the others.
	g, gctx := errgroup.WithContext(ctx)
	for _, p := range a.providers {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, a.timeout)
			defer cancel()

			got, err := p.Rates(pctx, req)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				answered++
				quotes = append(quotes, got...)
			case errors.Is(err, ErrNoRatesAvailable):
				answered++
			default:
				a.lg.Warn("Rate provider failed",
					zap.String("provider", p.Name()),
					zap.Error(err),
				)
				if !errors.Is(err, ErrRateProviderUnavailable) {
					err = errors.Wrap(ErrRateProviderUnavailable, err.Error())
				}
				lastUnavl = err
			}
			return nil
		})
	}
	_ = g.Wait()

	if answered == 0 {
		return nil, lastUnavl
	}
	if len(quotes) == 0 {
		return nil, ErrNoRatesAvailable
	}

	SortByPrice(quotes)
	return quotes, nil
}

// SortByPrice orders quotes by price ascending, then by courier and service.
func SortByPrice(quotes []Quote) {
	slices.SortStableFunc(quotes, func(a, b Quote) int {
		if c := a.Price.Cmp(b.Price); c != 0 {
			return c
		}
		if c := strings.Compare(a.CourierCode, b.CourierCode); c != 0 {
			return c
		}
		return strings.Compare(a.ServiceCode, b.ServiceCode)
	})
}
