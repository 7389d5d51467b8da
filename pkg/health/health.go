// Package health serves liveness and readiness probes.
//
// Checks run in the background on a fixed interval; the probe endpoints only
// report the last known state. A check turns unhealthy after Threshold
// consecutive failures and healthy again after one success.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Kind selects the probe a check contributes to.
type Kind int

const (
	Liveness Kind = iota
	Readiness
)

// CheckFunc returns nil when the component is healthy.
type CheckFunc func(ctx context.Context) error

// Check is a registered health check.
type Check struct {
	Name    string
	Kind    Kind
	Timeout time.Duration
	// Threshold is the number of consecutive failures that mark the check
	// unhealthy. Defaults to 3.
	Threshold int
	Func      CheckFunc
}

type state struct {
	Check

	healthy atomic.Bool
	lastErr atomic.Pointer[string]
	fails   int
}

func (s *state) run(ctx context.Context, lg *zap.Logger) {
	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	err := s.Func(ctx)
	if err == nil {
		s.fails = 0
		s.lastErr.Store(nil)
		if !s.healthy.Swap(true) {
			lg.Info("Health check recovered", zap.String("check", s.Name))
		}
		return
	}

	msg := err.Error()
	s.lastErr.Store(&msg)
	s.fails++
	if s.fails >= s.Threshold && s.healthy.Swap(false) {
		lg.Warn("Health check failing", zap.String("check", s.Name), zap.Error(err))
	}
}

// Health holds the registered checks.
type Health struct {
	lg    *zap.Logger
	ready atomic.Bool

	mu     sync.RWMutex
	checks []*state
}

// New returns a Health that is not ready until SetReady(true).
func New(lg *zap.Logger) *Health {
	return &Health{lg: lg}
}

// Add registers a check. Checks start healthy.
func (h *Health) Add(c Check) {
	if c.Threshold <= 0 {
		c.Threshold = 3
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	s := &state{Check: c}
	s.healthy.Store(true)

	h.mu.Lock()
	h.checks = append(h.checks, s)
	h.mu.Unlock()
}

// Run executes every check each interval until ctx is done.
func (h *Health) Run(ctx context.Context, interval time.Duration) error {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		h.runOnce(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (h *Health) runOnce(ctx context.Context) {
	h.mu.RLock()
	checks := h.checks
	h.mu.RUnlock()

	var g errgroup.Group
	for _, s := range checks {
		g.Go(func() error {
			s.run(ctx, h.lg)
			return nil
		})
	}
	_ = g.Wait()
}

// SetReady toggles the manual readiness gate.
func (h *Health) SetReady(ready bool) { h.ready.Store(ready) }

// IsReady reports whether the gate is open and readiness checks pass.
func (h *Health) IsReady() bool {
	return h.ready.Load() && len(h.failures(Readiness)) == 0
}

func (h *Health) failures(kind Kind) map[string]string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]string)
	for _, s := range h.checks {
		if s.Kind != kind || s.healthy.Load() {
			continue
		}
		out[s.Name] = "unhealthy"
		if msg := s.lastErr.Load(); msg != nil {
			out[s.Name] = *msg
		}
	}
	return out
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// LiveEndpoint serves /livez.
func (h *Health) LiveEndpoint(w http.ResponseWriter, _ *http.Request) {
	respond(w, h.failures(Liveness))
}

// ReadyEndpoint serves /readyz.
func (h *Health) ReadyEndpoint(w http.ResponseWriter, _ *http.Request) {
	failures := h.failures(Readiness)
	if !h.ready.Load() {
		failures["ready"] = "draining or starting"
	}
	respond(w, failures)
}

func respond(w http.ResponseWriter, failures map[string]string) {
	resp := response{Status: "ok"}
	code := http.StatusOK
	if len(failures) > 0 {
		resp = response{Status: "unhealthy", Checks: failures}
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(resp)
}
