package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

const (
	getVoucherByCodeSQL = `SELECT id, code, discount_type, value, max_discount, min_purchase,
		usage_limit, usage_count, expires_at, active, store_id
		FROM vouchers WHERE UPPER(code) = UPPER($1)
		ORDER BY CASE WHEN store_id = $2 THEN 0 WHEN store_id IS NULL THEN 1 ELSE 2 END, id
		LIMIT 1`

	upsertVoucherSQL = `INSERT INTO vouchers (id, code, discount_type, value, max_discount,
			min_purchase, usage_limit, usage_count, expires_at, active, store_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO UPDATE SET code = EXCLUDED.code,
			discount_type = EXCLUDED.discount_type, value = EXCLUDED.value,
			max_discount = EXCLUDED.max_discount, min_purchase = EXCLUDED.min_purchase,
			usage_limit = EXCLUDED.usage_limit, expires_at = EXCLUDED.expires_at,
			active = EXCLUDED.active, store_id = EXCLUDED.store_id`

	incrementVoucherUsageSQL = `UPDATE vouchers SET usage_count = usage_count + 1
		WHERE id = $1 AND (usage_limit IS NULL OR usage_count < usage_limit)`
)

var voucherColumns = []string{
	"id", "code", "discount_type", "value", "max_discount", "min_purchase",
	"usage_limit", "usage_count", "expires_at", "active", "store_id",
}

var _ voucher.Repository = (*VoucherRepository)(nil)

// VoucherRepository implements voucher.Repository backed by PostgreSQL.
type VoucherRepository struct {
	pool *pgxpool.Pool
}

// NewVoucherRepository returns a VoucherRepository that uses the given pool.
func NewVoucherRepository(pool *pgxpool.Pool) *VoucherRepository {
	return &VoucherRepository{pool: pool}
}

// FindByCode looks up a voucher by its code (case-insensitive), preferring
// the store's own voucher over a platform-wide one. Inactive vouchers are
// returned too; the evaluator rejects them.
// Returns voucher.ErrVoucherNotFound when no voucher has the code.
func (r *VoucherRepository) FindByCode(ctx context.Context, code, storeID string) (*voucher.Voucher, error) {
	rows, err := r.pool.Query(ctx, getVoucherByCodeSQL, code, storeID)
	if err != nil {
		return nil, fmt.Errorf("finding voucher by code %q: %w", code, err)
	}

	v, err := pgx.CollectExactlyOneRow(rows, scanVoucher)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, voucher.ErrVoucherNotFound
		}
		return nil, fmt.Errorf("finding voucher by code %q: %w", code, err)
	}
	return &v, nil
}

// Upsert inserts or updates a voucher. The usage count is kept on update.
func (r *VoucherRepository) Upsert(ctx context.Context, v voucher.Voucher) error {
	_, err := r.pool.Exec(ctx, upsertVoucherSQL, voucherArgs(v)...)
	if err != nil {
		return fmt.Errorf("upserting voucher %q: %w", v.Code, err)
	}
	return nil
}

// CopyVouchers bulk-inserts vouchers with the COPY protocol and returns the
// number of rows written.
func (r *VoucherRepository) CopyVouchers(ctx context.Context, vs []voucher.Voucher) (int64, error) {
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"vouchers"}, voucherColumns,
		pgx.CopyFromSlice(len(vs), func(i int) ([]any, error) {
			return voucherArgs(vs[i]), nil
		}),
	)
	if err != nil {
		return n, fmt.Errorf("copying %d vouchers: %w", len(vs), err)
	}
	return n, nil
}

// incrementVoucherUsage consumes one use unless the limit is reached. It
// reports false when the voucher is exhausted.
func incrementVoucherUsage(ctx context.Context, q querier, id string) (bool, error) {
	tag, err := q.Exec(ctx, incrementVoucherUsageSQL, id)
	if err != nil {
		return false, fmt.Errorf("incrementing usage of voucher %q: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func voucherArgs(v voucher.Voucher) []any {
	var storeID *string
	if !v.PlatformWide() {
		storeID = &v.StoreID
	}
	return []any{
		v.ID, v.Code, string(v.DiscountType), v.Value, v.MaxDiscount, v.MinPurchase,
		v.UsageLimit, v.UsageCount, v.ExpiresAt, v.Active, storeID,
	}
}

func scanVoucher(row pgx.CollectableRow) (voucher.Voucher, error) {
	var (
		v            voucher.Voucher
		discountType string
		maxDiscount  *decimal.Decimal
		minPurchase  *decimal.Decimal
		usageLimit   *int32
		usageCount   int32
		expiresAt    time.Time
		storeID      *string
	)
	err := row.Scan(
		&v.ID, &v.Code, &discountType, &v.Value, &maxDiscount, &minPurchase,
		&usageLimit, &usageCount, &expiresAt, &v.Active, &storeID,
	)
	v.DiscountType = voucher.DiscountType(discountType)
	v.MaxDiscount = maxDiscount
	v.MinPurchase = minPurchase
	if usageLimit != nil {
		limit := int(*usageLimit)
		v.UsageLimit = &limit
	}
	v.UsageCount = int(usageCount)
	v.ExpiresAt = expiresAt
	if storeID != nil {
		v.StoreID = *storeID
	}
	return v, err
}
