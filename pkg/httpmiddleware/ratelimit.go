package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// Limiter counts requests per key over a sliding window.
type Limiter interface {
	Allow(ctx context.Context, key string, now time.Time) (Decision, error)
}

// RateLimitConfig configures RateLimit.
type RateLimitConfig struct {
	Limiter Limiter
	// Max is repeated in the X-RateLimit-Limit header.
	Max int
	// Key extracts the limited identity. Defaults to BuyerOrIP.
	Key func(*http.Request) string
}

// RateLimit rejects requests over the limit with 429 and a Retry-After
// header. Limiter failures let the request through.
func RateLimit(cfg RateLimitConfig) Middleware {
	if cfg.Key == nil {
		cfg.Key = BuyerOrIP("X-Buyer-ID")
	}
	limit := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			now := time.Now()
			d, err := cfg.Limiter.Allow(r.Context(), cfg.Key(r), now)
			if err != nil {
				zctx.From(r.Context()).Warn("Rate limiter failed", zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}

			h := w.Header()
			h.Set("X-RateLimit-Limit", limit)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
			if !d.Allowed {
				wait := math.Ceil(d.ResetAt.Sub(now).Seconds())
				h.Set("Retry-After", strconv.Itoa(max(int(wait), 1)))
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// BuyerOrIP keys requests by the buyer header, or by client IP for
// anonymous requests.
func BuyerOrIP(header string) func(*http.Request) string {
	return func(r *http.Request) string {
		if id := strings.TrimSpace(r.Header.Get(header)); id != "" {
			return "buyer:" + id
		}
		return "ip:" + clientIP(r)
	}
}

// clientIP expects chi's middleware.RealIP to have rewritten RemoteAddr.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// window computes the sliding window estimate from the counts of the
// current and previous fixed windows.
func window(prev, curr int64, limit int, size time.Duration, now time.Time) Decision {
	start := now.Truncate(size)
	overlap := 1 - float64(now.Sub(start))/float64(size)
	estimate := float64(prev)*overlap + float64(curr)
	d := Decision{
		Allowed: estimate <= float64(limit),
		ResetAt: start.Add(size),
	}
	if d.Allowed {
		d.Remaining = int(float64(limit) - estimate)
	}
	return d
}

// MemoryLimiter is a process-local Limiter.
type MemoryLimiter struct {
	limit int
	size  time.Duration

	mu      sync.Mutex
	entries map[string]*counts
}

type counts struct {
	start      time.Time
	prev, curr int64
}

var _ Limiter = (*MemoryLimiter)(nil)

// NewMemoryLimiter allows limit requests per key per window.
func NewMemoryLimiter(limit int, size time.Duration) *MemoryLimiter {
	return &MemoryLimiter{limit: limit, size: size, entries: make(map[string]*counts)}
}

// Allow implements Limiter.
func (l *MemoryLimiter) Allow(_ context.Context, key string, now time.Time) (Decision, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	start := now.Truncate(l.size)
	c, ok := l.entries[key]
	switch {
	case !ok:
		c = &counts{start: start}
		l.entries[key] = c
	case start.Sub(c.start) == l.size:
		c.prev, c.curr, c.start = c.curr, 0, start
	case start.After(c.start):
		c.prev, c.curr, c.start = 0, 0, start
	}

	d := window(c.prev, c.curr+1, l.limit, l.size, now)
	if d.Allowed {
		c.curr++
	}
	return d, nil
}

// Sweep drops keys idle for two windows until ctx is done.
func (l *MemoryLimiter) Sweep(ctx context.Context) {
	t := time.NewTicker(2 * l.size)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			l.mu.Lock()
			for k, c := range l.entries {
				if now.Sub(c.start) >= 2*l.size {
					delete(l.entries, k)
				}
			}
			l.mu.Unlock()
		}
	}
}

// RedisLimiter shares counters between API instances. Each fixed window is
// one INCR counter that expires after two windows.
type RedisLimiter struct {
	client redis.Cmdable
	prefix string
	limit  int
	size   time.Duration
}

var _ Limiter = (*RedisLimiter)(nil)

// NewRedisLimiter allows limit requests per key per window.
func NewRedisLimiter(client redis.Cmdable, limit int, size time.Duration) *RedisLimiter {
	return &RedisLimiter{client: client, prefix: "ratelimit:", limit: limit, size: size}
}

// Allow implements Limiter. Rejected requests still count.
func (l *RedisLimiter) Allow(ctx context.Context, key string, now time.Time) (Decision, error) {
	idx := now.UnixNano() / int64(l.size)
	currKey := l.prefix + key + ":" + strconv.FormatInt(idx, 10)
	prevKey := l.prefix + key + ":" + strconv.FormatInt(idx-1, 10)

	var (
		incr *redis.IntCmd
		prev *redis.StringCmd
	)
	_, err := l.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		incr = p.Incr(ctx, currKey)
		p.PExpire(ctx, currKey, 2*l.size)
		prev = p.Get(ctx, prevKey)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, errors.Wrap(err, "count request")
	}

	p, err := prev.Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Decision{}, errors.Wrap(err, "read previous window")
	}
	return window(p, incr.Val(), l.limit, l.size, now), nil
}

func writeError(w http.ResponseWriter, code int, msg string) {
	var e jx.Encoder
	e.Obj(func(e *jx.Encoder) {
		e.Field("code", func(e *jx.Encoder) { e.Int(code) })
		e.Field("message", func(e *jx.Encoder) { e.Str(msg) })
	})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}
