package voucheringest

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

type fakeWriter struct {
	mu      sync.Mutex
	batches [][]voucher.Voucher
	failAt  int
}

func (w *fakeWriter) CopyVouchers(_ context.Context, vs []voucher.Voucher) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failAt > 0 && len(w.batches)+1 == w.failAt {
		return 0, errors.New("connection reset")
	}
	w.batches = append(w.batches, vs)
	return int64(len(vs)), nil
}

func (w *fakeWriter) all() []voucher.Voucher {
	var out []voucher.Voucher
	for _, b := range w.batches {
		out = append(out, b...)
	}
	return out
}

func writeExport(t *testing.T, dir, name string, lines ...string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := pgzip.NewWriter(f)
	_, err = gz.Write([]byte(strings.Join(lines, "\n") + "\n"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())
	return path
}

func testConfig() Config {
	return Config{
		Capacity: 1000,
		Template: voucher.Voucher{
			DiscountType: voucher.DiscountPercentage,
			Value:        decimal.NewFromInt(15),
			ExpiresAt:    time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC),
			StoreID:      "store-1",
		},
	}
}

func exports(t *testing.T) []string {
	dir := t.TempDir()
	return []string{
		writeExport(t, dir, "a.gz", "SUMMER01", "WINTER02", "ONLYINA1", "abc", "spring03"),
		writeExport(t, dir, "b.gz", "SUMMER01", "SPRING03", "ONLYINB1", "BAD-CODE"),
		writeExport(t, dir, "c.gz", "winter02", "summer01", "", "ONLYINC1"),
	}
}

func TestIngester_Confirm(t *testing.T) {
	files := exports(t)

	t.Run("two sources", func(t *testing.T) {
		i := New(&fakeWriter{}, testConfig(), zap.NewNop())
		codes, err := i.Confirm(context.Background(), files)
		require.NoError(t, err)
		assert.Equal(t, []string{"SPRING03", "SUMMER01", "WINTER02"}, codes)
	})

	t.Run("all sources", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinSources = 3
		i := New(&fakeWriter{}, cfg, zap.NewNop())
		codes, err := i.Confirm(context.Background(), files)
		require.NoError(t, err)
		assert.Equal(t, []string{"SUMMER01"}, codes)
	})

	t.Run("single source", func(t *testing.T) {
		cfg := testConfig()
		cfg.MinSources = 1
		i := New(&fakeWriter{}, cfg, zap.NewNop())
		codes, err := i.Confirm(context.Background(), files)
		require.NoError(t, err)
		assert.Equal(t, []string{"ONLYINA1", "ONLYINB1", "ONLYINC1", "SPRING03", "SUMMER01", "WINTER02"}, codes)
	})
}

func TestIngester_Run(t *testing.T) {
	w := &fakeWriter{}
	cfg := testConfig()
	cfg.BatchSize = 2
	i := New(w, cfg, zap.NewNop())
	var seq int
	i.newID = func() string { seq++; return "v-" + strconv.Itoa(seq) }

	res, err := i.Run(context.Background(), exports(t))
	require.NoError(t, err)
	assert.Equal(t, Result{Confirmed: 3, Written: 3}, res)

	require.Len(t, w.batches, 2)
	assert.Len(t, w.batches[0], 2)
	assert.Len(t, w.batches[1], 1)

	vs := w.all()
	assert.Equal(t, "v-1", vs[0].ID)
	assert.Equal(t, "SPRING03", vs[0].Code)
	for _, v := range vs {
		assert.Equal(t, voucher.DiscountPercentage, v.DiscountType)
		assert.True(t, v.Value.Equal(decimal.NewFromInt(15)))
		assert.Equal(t, "store-1", v.StoreID)
		assert.True(t, v.Active)
		assert.Zero(t, v.UsageCount)
	}
}

func TestIngester_RunWriteFailure(t *testing.T) {
	w := &fakeWriter{failAt: 2}
	cfg := testConfig()
	cfg.BatchSize = 2
	i := New(w, cfg, zap.NewNop())

	res, err := i.Run(context.Background(), exports(t))
	require.ErrorContains(t, err, "copy vouchers")
	assert.Equal(t, int64(2), res.Written)
}

func TestIngester_NothingConfirmed(t *testing.T) {
	dir := t.TempDir()
	files := []string{
		writeExport(t, dir, "a.gz", "AAAA1111"),
		writeExport(t, dir, "b.gz", "BBBB2222"),
	}
	w := &fakeWriter{}
	res, err := New(w, testConfig(), zap.NewNop()).Run(context.Background(), files)
	require.NoError(t, err)
	assert.Zero(t, res.Confirmed)
	assert.Empty(t, w.batches)
}

func TestIngester_InvalidInput(t *testing.T) {
	files := exports(t)

	tests := []struct {
		name   string
		mutate func(*Config)
		files  []string
		want   string
	}{
		{name: "no files", files: []string{}, want: "no export files"},
		{name: "min sources above files", mutate: func(c *Config) { c.MinSources = 4 }, want: "min sources"},
		{name: "unknown discount", mutate: func(c *Config) { c.Template.DiscountType = "bogo" }, want: "discount type"},
		{name: "zero value", mutate: func(c *Config) { c.Template.Value = decimal.Zero }, want: "must be positive"},
		{name: "percentage above 100", mutate: func(c *Config) { c.Template.Value = decimal.NewFromInt(150) }, want: "exceeds 100"},
		{name: "no expiry", mutate: func(c *Config) { c.Template.ExpiresAt = time.Time{} }, want: "expiry"},
		{name: "missing file", files: append([]string{"/nonexistent/x.gz"}, files...), want: "check file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			if tt.mutate != nil {
				tt.mutate(&cfg)
			}
			in := files
			if tt.files != nil {
				in = tt.files
			}
			_, err := New(&fakeWriter{}, cfg, zap.NewNop()).Confirm(context.Background(), in)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestIngester_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := New(&fakeWriter{}, testConfig(), zap.NewNop()).Confirm(ctx, exports(t))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNormalize(t *testing.T) {
	i := New(&fakeWriter{}, testConfig(), zap.NewNop())
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"  summer01 ", "SUMMER01", true},
		{"abc", "", false},
		{"BAD-CODE", "", false},
		{strings.Repeat("A", 33), "", false},
		{"A1B2", "A1B2", true},
	}
	for _, tt := range tests {
		got, ok := i.normalize(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}
