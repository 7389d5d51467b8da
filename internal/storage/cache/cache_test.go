package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/shipping"
)

func setupRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func TestQuoteSessions_RoundTrip(t *testing.T) {
	client, _ := setupRedis(t)
	store := NewQuoteSessions(client)
	ctx := context.Background()

	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }

	in := &shipping.QuoteSession{
		ID:      "qs-1",
		BuyerID: "buyer-1",
		StoreID: "store-1",
		Destination: shipping.Location{
			AreaID:      "area-2",
			Coordinates: &shipping.Coordinates{Latitude: -6.9, Longitude: 107.6},
		},
		Fingerprint: "a:1",
		Quotes: []shipping.Quote{
			{CourierCode: "jne", ServiceCode: "reg", Duration: "2-3 days", Price: decimal.RequireFromString("20000")},
			{CourierCode: "jne", ServiceCode: "yes", Price: decimal.RequireFromString("35000.50")},
		},
		CreatedAt: now,
		ExpiresAt: now.Add(30 * time.Minute),
	}
	require.NoError(t, store.Save(ctx, in))

	out, err := store.Get(ctx, "qs-1")
	require.NoError(t, err)
	assert.Equal(t, in.BuyerID, out.BuyerID)
	assert.Equal(t, in.Fingerprint, out.Fingerprint)
	assert.Equal(t, in.Destination, out.Destination)
	assert.True(t, in.ExpiresAt.Equal(out.ExpiresAt))
	require.Len(t, out.Quotes, 2)
	assert.True(t, decimal.RequireFromString("35000.50").Equal(out.Quotes[1].Price))
	assert.Equal(t, "2-3 days", out.Quotes[0].Duration)

	_, err = store.Get(ctx, "missing")
	assert.ErrorIs(t, err, shipping.ErrQuoteSessionNotFound)
}

func TestQuoteSessions_Expiry(t *testing.T) {
	client, mr := setupRedis(t)
	store := NewQuoteSessions(client)
	ctx := context.Background()

	now := time.Now()
	require.NoError(t, store.Save(ctx, &shipping.QuoteSession{
		ID: "qs-1", CreatedAt: now, ExpiresAt: now.Add(time.Minute),
	}))

	mr.FastForward(2 * time.Minute)
	_, err := store.Get(ctx, "qs-1")
	assert.ErrorIs(t, err, shipping.ErrQuoteSessionNotFound)

	err = store.Save(ctx, &shipping.QuoteSession{ID: "qs-2", ExpiresAt: now.Add(-time.Second)})
	assert.Error(t, err)
}

func TestDeduper(t *testing.T) {
	client, mr := setupRedis(t)
	d := NewDeduper(client, time.Hour)
	ctx := context.Background()

	seen, err := d.Seen(ctx, "tok:settlement")
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Remember(ctx, "tok:settlement"))
	seen, err = d.Seen(ctx, "tok:settlement")
	require.NoError(t, err)
	assert.True(t, seen)

	mr.FastForward(2 * time.Hour)
	seen, err = d.Seen(ctx, "tok:settlement")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestGuard(t *testing.T) {
	client, _ := setupRedis(t)
	g := NewGuard(client)
	ctx := context.Background()

	orderID, started, err := g.Begin(ctx, "buyer-1:k1", time.Hour)
	require.NoError(t, err)
	assert.True(t, started)
	assert.Empty(t, orderID)

	orderID, started, err = g.Begin(ctx, "buyer-1:k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Empty(t, orderID)

	require.NoError(t, g.Complete(ctx, "buyer-1:k1", "o1", time.Hour))
	orderID, started, err = g.Begin(ctx, "buyer-1:k1", time.Hour)
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, "o1", orderID)

	_, started, err = g.Begin(ctx, "buyer-1:k2", time.Hour)
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, g.Abort(ctx, "buyer-1:k2"))
	_, started, err = g.Begin(ctx, "buyer-1:k2", time.Hour)
	require.NoError(t, err)
	assert.True(t, started)
}
