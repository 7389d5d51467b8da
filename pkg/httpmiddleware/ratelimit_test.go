package httpmiddleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base is aligned to a minute boundary.
var base = time.Unix(1_700_000_040, 0)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMemoryLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(2, time.Minute)

	for i := range 2 {
		d, err := l.Allow(ctx, "k", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i+1)
	}
	d, err := l.Allow(ctx, "k", base.Add(5*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, base.Add(time.Minute), d.ResetAt)

	// Early in the next window the previous one still weighs in.
	d, err = l.Allow(ctx, "k", base.Add(61*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "k", base.Add(114*time.Second))
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "other", base)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRedisLimiter(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	l := NewRedisLimiter(client, 2, time.Minute)

	var allowed []bool
	for i := range 3 {
		d, err := l.Allow(ctx, "buyer:b1", base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
		allowed = append(allowed, d.Allowed)
	}
	assert.Equal(t, []bool{true, true, false}, allowed)

	// Another instance sharing the same Redis sees the same counters.
	other := NewRedisLimiter(client, 2, time.Minute)
	d, err := other.Allow(ctx, "buyer:b1", base.Add(10*time.Second))
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	d, err = l.Allow(ctx, "buyer:b1", base.Add(3*time.Minute))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 1, d.Remaining)
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	mr.Close()

	h := RateLimit(RateLimitConfig{Limiter: NewRedisLimiter(client, 1, time.Minute), Max: 1})(okHandler())
	for range 3 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
}

func TestRateLimit_PerBuyer(t *testing.T) {
	h := RateLimit(RateLimitConfig{Limiter: NewMemoryLimiter(1, time.Minute), Max: 1})(okHandler())

	send := func(buyer, addr string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/checkout", nil)
		req.RemoteAddr = addr
		if buyer != "" {
			req.Header.Set("X-Buyer-ID", buyer)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	assert.Equal(t, http.StatusOK, send("b1", "10.0.0.1:1000").Code)
	assert.Equal(t, http.StatusOK, send("b2", "10.0.0.1:1000").Code, "buyers are limited separately")

	w := send("b1", "10.0.0.9:1000")
	assert.Equal(t, http.StatusTooManyRequests, w.Code, "same buyer from another address")
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, float64(http.StatusTooManyRequests), body["code"])
	assert.Equal(t, "rate limit exceeded", body["message"])

	assert.Equal(t, http.StatusOK, send("", "10.0.0.5:1000").Code)
	assert.Equal(t, http.StatusTooManyRequests, send("", "10.0.0.5:2000").Code, "anonymous requests are keyed by IP")
}
