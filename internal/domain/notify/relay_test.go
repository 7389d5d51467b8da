package notify

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeOutbox struct {
	pending []Message
	sent    []string
	failed  map[string]string
	retryAt map[string]time.Time
	dead    []string
}

func (f *fakeOutbox) Claim(_ context.Context, limit int, _ time.Duration) ([]Message, error) {
	if len(f.pending) > limit {
		return f.pending[:limit], nil
	}
	return f.pending, nil
}

func (f *fakeOutbox) MarkSent(_ context.Context, id string) error {
	f.sent = append(f.sent, id)
	return nil
}

func (f *fakeOutbox) MarkFailed(_ context.Context, id, cause string, retryAt time.Time) error {
	if f.failed == nil {
		f.failed = make(map[string]string)
		f.retryAt = make(map[string]time.Time)
	}
	f.failed[id] = cause
	f.retryAt[id] = retryAt
	return nil
}

func (f *fakeOutbox) MarkDead(_ context.Context, id, _ string) error {
	f.dead = append(f.dead, id)
	return nil
}

func (f *fakeOutbox) Backlog(context.Context) (int, error) {
	return len(f.pending), nil
}

type recordingNotifier struct {
	calls []string
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, buyerID, orderID, status string) error {
	if r.err != nil {
		return r.err
	}
	r.calls = append(r.calls, buyerID+"/"+orderID+"/"+status)
	return nil
}

type recordingPayouts struct {
	released map[string]decimal.Decimal
}

func (r *recordingPayouts) ReleaseFunds(_ context.Context, storeID, orderID string, amount decimal.Decimal) error {
	if r.released == nil {
		r.released = make(map[string]decimal.Decimal)
	}
	r.released[storeID+"/"+orderID] = amount
	return nil
}

func TestRelay_Flush(t *testing.T) {
	outbox := &fakeOutbox{pending: []Message{
		{ID: "m1", Kind: KindOrderStatus, BuyerID: "b1", OrderID: "o1", Status: "PAID"},
		{ID: "m2", Kind: KindFundsRelease, StoreID: "s1", OrderID: "o2", Amount: decimal.NewFromInt(110000)},
		{ID: "m3", Kind: Kind("bogus"), OrderID: "o3"},
	}}
	notifier := &recordingNotifier{}
	payouts := &recordingPayouts{}

	sent, err := NewRelay(outbox, notifier, payouts, RelayConfig{}, zap.NewNop()).Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, sent)
	assert.Equal(t, []string{"m1", "m2"}, outbox.sent)
	assert.Equal(t, []string{"b1/o1/PAID"}, notifier.calls)
	assert.True(t, decimal.NewFromInt(110000).Equal(payouts.released["s1/o2"]))
	assert.Contains(t, outbox.failed["m3"], "unknown message kind")
}

func TestRelay_FlushReschedulesFailedMessages(t *testing.T) {
	outbox := &fakeOutbox{pending: []Message{
		{ID: "m1", Kind: KindOrderStatus, BuyerID: "b1", OrderID: "o1", Status: "PAID"},
		{ID: "m2", Kind: KindOrderStatus, BuyerID: "b1", OrderID: "o1", Status: "SHIPPED", Attempts: 6},
	}}
	notifier := &recordingNotifier{err: errors.New("broker down")}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	r := NewRelay(outbox, notifier, &recordingPayouts{}, RelayConfig{
		RetryInitial: time.Second,
		RetryMax:     time.Minute,
	}, zap.NewNop())
	r.now = func() time.Time { return now }

	sent, err := r.Flush(context.Background())
	require.NoError(t, err)

	assert.Zero(t, sent)
	assert.Empty(t, outbox.sent)
	assert.Empty(t, outbox.dead)
	assert.Equal(t, "broker down", outbox.failed["m1"])

	first := outbox.retryAt["m1"].Sub(now)
	later := outbox.retryAt["m2"].Sub(now)
	assert.Positive(t, first)
	assert.LessOrEqual(t, first, 2*time.Second)
	assert.Greater(t, later, first)
	assert.LessOrEqual(t, later, time.Minute+time.Minute/2)
}

func TestRelay_FlushDeadLettersExhaustedMessages(t *testing.T) {
	outbox := &fakeOutbox{pending: []Message{
		{ID: "m1", Kind: KindOrderStatus, BuyerID: "b1", OrderID: "o1", Status: "PAID", Attempts: 2},
		{ID: "m2", Kind: KindOrderStatus, BuyerID: "b1", OrderID: "o1", Status: "PAID", Attempts: 1},
	}}
	notifier := &recordingNotifier{err: errors.New("invalid buyer")}

	_, err := NewRelay(outbox, notifier, &recordingPayouts{}, RelayConfig{MaxAttempts: 3}, zap.NewNop()).
		Flush(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"m1"}, outbox.dead)
	assert.Contains(t, outbox.failed, "m2")
	assert.NotContains(t, outbox.failed, "m1")
}

// failingBuyerNotifier rejects every notification for one buyer.
type failingBuyerNotifier struct {
	buyer string
	calls []string
}

func (n *failingBuyerNotifier) Notify(_ context.Context, buyerID, orderID, _ string) error {
	if buyerID == n.buyer {
		return errors.New("unreachable buyer")
	}
	n.calls = append(n.calls, orderID)
	return nil
}

// memOutbox claims like the stores do: due messages only, oldest first,
// with a lease.
type memOutbox struct {
	now   time.Time
	msgs  []Message
	due   map[string]time.Time
	sent  map[string]bool
	dead  map[string]bool
	order []string
}

func newMemOutbox(now time.Time, msgs []Message) *memOutbox {
	return &memOutbox{
		now:  now,
		msgs: msgs,
		due:  make(map[string]time.Time),
		sent: make(map[string]bool),
		dead: make(map[string]bool),
	}
}

func (o *memOutbox) Claim(_ context.Context, limit int, lease time.Duration) ([]Message, error) {
	var out []Message
	for _, m := range o.msgs {
		if o.sent[m.ID] || o.dead[m.ID] || o.due[m.ID].After(o.now) {
			continue
		}
		o.due[m.ID] = o.now.Add(lease)
		out = append(out, m)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (o *memOutbox) MarkSent(_ context.Context, id string) error {
	o.sent[id] = true
	o.order = append(o.order, id)
	return nil
}

func (o *memOutbox) MarkFailed(_ context.Context, id, _ string, retryAt time.Time) error {
	for i := range o.msgs {
		if o.msgs[i].ID == id {
			o.msgs[i].Attempts++
		}
	}
	o.due[id] = retryAt
	return nil
}

func (o *memOutbox) MarkDead(_ context.Context, id, _ string) error {
	o.dead[id] = true
	return nil
}

func (o *memOutbox) Backlog(context.Context) (int, error) {
	var n int
	for _, m := range o.msgs {
		if !o.sent[m.ID] && !o.dead[m.ID] {
			n++
		}
	}
	return n, nil
}

func TestRelay_PoisonMessagesDoNotBlockLaterOnes(t *testing.T) {
	const poisoned = 100
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	var msgs []Message
	for i := range poisoned {
		msgs = append(msgs, Message{
			ID:   fmt.Sprintf("bad-%03d", i),
			Kind: KindOrderStatus, BuyerID: "gone", OrderID: "o-bad", Status: "PAID",
		})
	}
	msgs = append(msgs, Message{ID: "good", Kind: KindOrderStatus, BuyerID: "b1", OrderID: "o-good", Status: "PAID"})

	outbox := newMemOutbox(now, msgs)
	notifier := &failingBuyerNotifier{buyer: "gone"}
	r := NewRelay(outbox, notifier, &recordingPayouts{}, RelayConfig{BatchSize: 50, MaxAttempts: 3}, zap.NewNop())
	r.now = func() time.Time { return outbox.now }

	for range 3 {
		_, err := r.Flush(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"o-good"}, notifier.calls)
	assert.Equal(t, []string{"good"}, outbox.order)

	backlog, err := outbox.Backlog(ctx)
	require.NoError(t, err)
	assert.Equal(t, poisoned, backlog)

	// Every retry comes due eventually; the poisoned messages are parked
	// after MaxAttempts and stop counting towards the backlog.
	for range 10 {
		outbox.now = outbox.now.Add(time.Hour)
		for range 3 {
			_, err := r.Flush(ctx)
			require.NoError(t, err)
		}
	}
	assert.Len(t, outbox.dead, poisoned)
	backlog, err = outbox.Backlog(ctx)
	require.NoError(t, err)
	assert.Zero(t, backlog)
}
