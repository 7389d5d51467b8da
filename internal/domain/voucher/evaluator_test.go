package voucher

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockVoucherRepo struct {
	voucher *Voucher
	err     error
	code    string
	storeID string
}

func (m *mockVoucherRepo) FindByCode(_ context.Context, code, storeID string) (*Voucher, error) {
	m.code = code
	m.storeID = storeID
	return m.voucher, m.err
}

func TestEvaluator_Evaluate(t *testing.T) {
	fixedNow := time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)
	future := fixedNow.Add(24 * time.Hour)
	past := fixedNow.Add(-time.Second)

	base := func(mod func(v *Voucher)) *Voucher {
		v := &Voucher{
			ID:           "vch-1",
			Code:         "SAVE10",
			DiscountType: DiscountPercentage,
			Value:        d("10"),
			ExpiresAt:    future,
			Active:       true,
		}
		if mod != nil {
			mod(v)
		}
		return v
	}

	tests := []struct {
		name       string
		repo       *mockVoucherRepo
		storeID    string
		subtotal   decimal.Decimal
		wantAmount decimal.Decimal
		wantErr    error
	}{
		{
			name:       "platform-wide percentage voucher",
			repo:       &mockVoucherRepo{voucher: base(nil)},
			storeID:    "store-a",
			subtotal:   d("100000"),
			wantAmount: d("10000"),
		},
		{
			name:     "unknown code",
			repo:     &mockVoucherRepo{err: ErrVoucherNotFound},
			subtotal: d("100000"),
			wantErr:  ErrVoucherNotFound,
		},
		{
			name:     "inactive voucher reads as not found",
			repo:     &mockVoucherRepo{voucher: base(func(v *Voucher) { v.Active = false })},
			subtotal: d("100000"),
			wantErr:  ErrVoucherNotFound,
		},
		{
			name:     "expired voucher",
			repo:     &mockVoucherRepo{voucher: base(func(v *Voucher) { v.ExpiresAt = past })},
			subtotal: d("100000"),
			wantErr:  ErrVoucherExpired,
		},
		{
			name:       "expiry equal to now is still valid",
			repo:       &mockVoucherRepo{voucher: base(func(v *Voucher) { v.ExpiresAt = fixedNow })},
			subtotal:   d("100000"),
			wantAmount: d("10000"),
		},
		{
			name:     "store voucher used for another store",
			repo:     &mockVoucherRepo{voucher: base(func(v *Voucher) { v.StoreID = "store-b" })},
			storeID:  "store-a",
			subtotal: d("100000"),
			wantErr:  ErrVoucherScopeMismatch,
		},
		{
			name:       "store voucher used for its store",
			repo:       &mockVoucherRepo{voucher: base(func(v *Voucher) { v.StoreID = "store-a" })},
			storeID:    "store-a",
			subtotal:   d("100000"),
			wantAmount: d("10000"),
		},
		{
			name:     "minimum purchase not met",
			repo:     &mockVoucherRepo{voucher: base(func(v *Voucher) { v.MinPurchase = ptr(d("150000")) })},
			subtotal: d("100000"),
			wantErr:  ErrMinimumPurchaseNotMet,
		},
		{
			name:       "minimum purchase met exactly",
			repo:       &mockVoucherRepo{voucher: base(func(v *Voucher) { v.MinPurchase = ptr(d("100000")) })},
			subtotal:   d("100000"),
			wantAmount: d("10000"),
		},
		{
			name: "usage limit reached",
			repo: &mockVoucherRepo{voucher: base(func(v *Voucher) {
				v.UsageLimit = ptr(1)
				v.UsageCount = 1
			})},
			subtotal: d("100000"),
			wantErr:  ErrVoucherExhausted,
		},
		{
			name: "usage under limit",
			repo: &mockVoucherRepo{voucher: base(func(v *Voucher) {
				v.UsageLimit = ptr(2)
				v.UsageCount = 1
			})},
			subtotal:   d("100000"),
			wantAmount: d("10000"),
		},
		{
			name: "expiry is checked before scope and usage",
			repo: &mockVoucherRepo{voucher: base(func(v *Voucher) {
				v.ExpiresAt = past
				v.StoreID = "store-b"
				v.UsageLimit = ptr(1)
				v.UsageCount = 1
			})},
			storeID:  "store-a",
			subtotal: d("100000"),
			wantErr:  ErrVoucherExpired,
		},
		{
			name: "scope is checked before minimum purchase",
			repo: &mockVoucherRepo{voucher: base(func(v *Voucher) {
				v.StoreID = "store-b"
				v.MinPurchase = ptr(d("999999"))
			})},
			storeID:  "store-a",
			subtotal: d("100000"),
			wantErr:  ErrVoucherScopeMismatch,
		},
		{
			name: "minimum purchase is checked before usage",
			repo: &mockVoucherRepo{voucher: base(func(v *Voucher) {
				v.MinPurchase = ptr(d("999999"))
				v.UsageLimit = ptr(1)
				v.UsageCount = 1
			})},
			subtotal: d("100000"),
			wantErr:  ErrMinimumPurchaseNotMet,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewEvaluator(tt.repo)
			e.now = func() time.Time { return fixedNow }

			got, err := e.Evaluate(context.Background(), "SAVE10", tt.storeID, tt.subtotal)

			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				assert.Nil(t, got)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, got)
			assert.Equal(t, "vch-1", got.VoucherID)
			assert.True(t, tt.wantAmount.Equal(got.Amount),
				"expected amount %s, got %s", tt.wantAmount, got.Amount)
		})
	}
}

func TestEvaluator_EmptyCode(t *testing.T) {
	repo := &mockVoucherRepo{}
	_, err := NewEvaluator(repo).Evaluate(context.Background(), "  ", "s", d("10"))
	require.ErrorIs(t, err, ErrVoucherNotFound)
	assert.Empty(t, repo.code, "repository must not be queried")
}

func TestEvaluator_RepositoryError(t *testing.T) {
	repo := &mockVoucherRepo{err: errors.New("db down")}
	_, err := NewEvaluator(repo).Evaluate(context.Background(), "SAVE10", "s", d("10"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lookup voucher")
	assert.NotErrorIs(t, err, ErrVoucherNotFound)
}
