package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func fields(t *testing.T, raw []byte) map[string]string {
	t.Helper()
	out := map[string]string{}
	require.NoError(t, jx.DecodeBytes(raw).Obj(func(d *jx.Decoder, key string) error {
		v, err := d.Str()
		out[key] = v
		return err
	}))
	return out
}

func TestPublisher(t *testing.T) {
	w := &fakeWriter{}
	p := NewPublisher(w, Topics{Alerts: "ops.alerts"})
	now := time.Date(2026, 3, 9, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }
	ctx := context.Background()

	require.NoError(t, p.Notify(ctx, "buyer-1", "o1", "PAID"))
	require.NoError(t, p.ReleaseFunds(ctx, "store-1", "o1", decimal.RequireFromString("110000")))
	require.NoError(t, p.Alert(ctx, notify.Alert{OrderID: "o1", Stage: "stock-restore", Reason: "db down", At: now}))
	require.NoError(t, p.Close())

	require.Len(t, w.msgs, 3)
	assert.True(t, w.closed)

	assert.Equal(t, TopicOrderStatus, w.msgs[0].Topic)
	assert.Equal(t, "o1", string(w.msgs[0].Key))
	assert.Equal(t, map[string]string{
		"type": "order.status", "buyer_id": "buyer-1", "order_id": "o1", "status": "PAID", "at": "2026-03-09T10:00:00Z",
	}, fields(t, w.msgs[0].Value))

	assert.Equal(t, TopicPayouts, w.msgs[1].Topic)
	assert.Equal(t, "110000.00", fields(t, w.msgs[1].Value)["amount"])

	assert.Equal(t, "ops.alerts", w.msgs[2].Topic)
	assert.Equal(t, "stock-restore", fields(t, w.msgs[2].Value)["stage"])
}

func TestPublisher_WriteError(t *testing.T) {
	boom := errors.New("broker down")
	p := NewPublisher(&fakeWriter{err: boom}, Topics{})
	err := p.Notify(context.Background(), "buyer-1", "o1", "PAID")
	assert.ErrorIs(t, err, boom)
}
