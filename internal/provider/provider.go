// Package provider holds the HTTP plumbing shared by the external service
// clients: an instrumented transport and a circuit breaker.
package provider

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// HTTPConfig configures an outbound client.
type HTTPConfig struct {
	Timeout        time.Duration
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// NewHTTPClient returns an http.Client whose transport records spans and
// metrics for every request.
func NewHTTPClient(cfg HTTPConfig) *http.Client {
	var opts []otelhttp.Option
	if cfg.TracerProvider != nil {
		opts = append(opts, otelhttp.WithTracerProvider(cfg.TracerProvider))
	}
	if cfg.MeterProvider != nil {
		opts = append(opts, otelhttp.WithMeterProvider(cfg.MeterProvider))
	}
	return &http.Client{
		Timeout:   cfg.Timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport, opts...),
	}
}

// BreakerConfig configures NewBreaker.
type BreakerConfig struct {
	Name string
	// Failures is the number of consecutive failures that opens the circuit.
	Failures uint32
	// OpenFor is how long the circuit stays open before a probe.
	OpenFor time.Duration
	// Transient reports whether err counts as a failure. Other errors are
	// answers from a healthy remote.
	Transient func(err error) bool
}

// NewBreaker returns a circuit breaker that opens after cfg.Failures
// consecutive transient failures.
func NewBreaker[T any](cfg BreakerConfig) *gobreaker.CircuitBreaker[T] {
	if cfg.Failures == 0 {
		cfg.Failures = 5
	}
	if cfg.OpenFor <= 0 {
		cfg.OpenFor = 30 * time.Second
	}
	return gobreaker.NewCircuitBreaker[T](gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.Failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || cfg.Transient == nil || !cfg.Transient(err)
		},
	})
}

// IsOpen reports whether err was returned by an open or saturated breaker.
func IsOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
