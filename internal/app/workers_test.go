package app

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRelay struct{ interval atomic.Int64 }

func (r *fakeRelay) Run(ctx context.Context, interval time.Duration) error {
	r.interval.Store(int64(interval))
	<-ctx.Done()
	return nil
}

type fakeExpirer struct {
	calls atomic.Int32
	limit atomic.Int32
}

func (e *fakeExpirer) ExpireStale(_ context.Context, limit int) (int, error) {
	e.calls.Add(1)
	e.limit.Store(int32(limit))
	return 1, nil
}

type fakeCompleter struct {
	calls  atomic.Int32
	before atomic.Int64
	err    error
}

func (c *fakeCompleter) CompleteDelivered(_ context.Context, before time.Time, _ int) (int, error) {
	c.calls.Add(1)
	c.before.Store(before.Unix())
	return 0, c.err
}

func TestWorkers_Run(t *testing.T) {
	relay := &fakeRelay{}
	expirer := &fakeExpirer{}
	completer := &fakeCompleter{err: errors.New("db down")}

	w := NewWorkers(relay, expirer, completer, WorkersConfig{
		RelayInterval:    time.Second,
		ExpiryInterval:   5 * time.Millisecond,
		CompleteInterval: 5 * time.Millisecond,
		CompleteAfter:    7 * 24 * time.Hour,
		BatchSize:        50,
	}, zap.NewNop())
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return now }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	require.Eventually(t, func() bool {
		return expirer.calls.Load() >= 2 && completer.calls.Load() >= 2
	}, time.Second, time.Millisecond, "sweeps keep running after a failure")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}

	assert.Equal(t, int64(time.Second), relay.interval.Load())
	assert.Equal(t, int32(50), expirer.limit.Load())
	assert.Equal(t, now.Add(-7*24*time.Hour).Unix(), completer.before.Load())
}
