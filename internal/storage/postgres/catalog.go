package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
)

const (
	getVariantsSQL = `SELECT id, product_id, store_id, name, price, stock,
		weight_grams, length_cm, width_cm, height_cm
		FROM variants WHERE id = ANY($1)`

	getStoreSQL = `SELECT id, name, origin_area_id, latitude, longitude
		FROM stores WHERE id = $1`

	upsertStoreSQL = `INSERT INTO stores (id, name, origin_area_id, latitude, longitude)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET name = EXCLUDED.name,
			origin_area_id = EXCLUDED.origin_area_id,
			latitude = EXCLUDED.latitude, longitude = EXCLUDED.longitude`

	upsertVariantSQL = `INSERT INTO variants (id, product_id, store_id, name, price, stock,
			weight_grams, length_cm, width_cm, height_cm)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET product_id = EXCLUDED.product_id,
			store_id = EXCLUDED.store_id, name = EXCLUDED.name, price = EXCLUDED.price,
			stock = EXCLUDED.stock, weight_grams = EXCLUDED.weight_grams,
			length_cm = EXCLUDED.length_cm, width_cm = EXCLUDED.width_cm,
			height_cm = EXCLUDED.height_cm, updated_at = now()`
)

var _ catalog.Reader = (*CatalogRepository)(nil)

// CatalogRepository implements catalog.Reader backed by PostgreSQL.
type CatalogRepository struct {
	pool *pgxpool.Pool
}

// NewCatalogRepository returns a CatalogRepository that uses the given pool.
func NewCatalogRepository(pool *pgxpool.Pool) *CatalogRepository {
	return &CatalogRepository{pool: pool}
}

// GetVariants returns the variants that exist among ids in a single query.
func (r *CatalogRepository) GetVariants(ctx context.Context, ids []string) ([]catalog.Variant, error) {
	rows, err := r.pool.Query(ctx, getVariantsSQL, ids)
	if err != nil {
		return nil, fmt.Errorf("getting variants: %w", err)
	}

	variants, err := pgx.CollectRows(rows, scanVariant)
	if err != nil {
		return nil, fmt.Errorf("scanning variants: %w", err)
	}
	return variants, nil
}

// GetStore returns a store by ID, or catalog.ErrStoreNotFound.
func (r *CatalogRepository) GetStore(ctx context.Context, id string) (*catalog.Store, error) {
	rows, err := r.pool.Query(ctx, getStoreSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting store %q: %w", id, err)
	}

	st, err := pgx.CollectExactlyOneRow(rows, func(row pgx.CollectableRow) (catalog.Store, error) {
		var s catalog.Store
		err := row.Scan(&s.ID, &s.Name, &s.OriginAreaID, &s.Latitude, &s.Longitude)
		return s, err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, catalog.ErrStoreNotFound
		}
		return nil, fmt.Errorf("getting store %q: %w", id, err)
	}
	return &st, nil
}

// UpsertStore inserts or updates a store.
func (r *CatalogRepository) UpsertStore(ctx context.Context, s catalog.Store) error {
	if _, err := r.pool.Exec(ctx, upsertStoreSQL, s.ID, s.Name, s.OriginAreaID, s.Latitude, s.Longitude); err != nil {
		return fmt.Errorf("upserting store %q: %w", s.ID, err)
	}
	return nil
}

// UpsertVariant inserts or updates a variant, including its stock.
func (r *CatalogRepository) UpsertVariant(ctx context.Context, v catalog.Variant) error {
	_, err := r.pool.Exec(ctx, upsertVariantSQL,
		v.ID, v.ProductID, v.StoreID, v.Name, v.Price, v.Stock,
		v.WeightGrams, v.LengthCM, v.WidthCM, v.HeightCM,
	)
	if err != nil {
		return fmt.Errorf("upserting variant %q: %w", v.ID, err)
	}
	return nil
}

func scanVariant(row pgx.CollectableRow) (catalog.Variant, error) {
	var v catalog.Variant
	err := row.Scan(
		&v.ID, &v.ProductID, &v.StoreID, &v.Name, &v.Price, &v.Stock,
		&v.WeightGrams, &v.LengthCM, &v.WidthCM, &v.HeightCM,
	)
	return v, err
}
