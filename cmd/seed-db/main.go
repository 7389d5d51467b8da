package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/voucher"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
)

type seedFile struct {
	Stores   []storeJSON   `json:"stores"`
	Variants []variantJSON `json:"variants"`
	Vouchers []voucherJSON `json:"vouchers"`
}

type storeJSON struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	OriginAreaID string   `json:"origin_area_id"`
	Latitude     *float64 `json:"latitude"`
	Longitude    *float64 `json:"longitude"`
}

type variantJSON struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	StoreID     string          `json:"store_id"`
	Name        string          `json:"name"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
	WeightGrams int             `json:"weight_grams"`
	LengthCM    int             `json:"length_cm"`
	WidthCM     int             `json:"width_cm"`
	HeightCM    int             `json:"height_cm"`
}

type voucherJSON struct {
	ID           string           `json:"id"`
	Code         string           `json:"code"`
	DiscountType string           `json:"discount_type"`
	Value        decimal.Decimal  `json:"value"`
	MaxDiscount  *decimal.Decimal `json:"max_discount"`
	MinPurchase  *decimal.Decimal `json:"min_purchase"`
	UsageLimit   *int             `json:"usage_limit"`
	ExpiresAt    time.Time        `json:"expires_at"`
	StoreID      string           `json:"store_id"`
}

func main() {
	var (
		databaseURL string
		seedPath    string
	)

	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.StringVar(&seedPath, "seed-file", "db/seed/catalog.json", "path to the seed JSON file")
	flag.Parse()

	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if databaseURL == "" {
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, databaseURL, seedPath); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, databaseURL, seedPath string) error {
	data, err := os.ReadFile(seedPath)
	if err != nil {
		return errors.Wrap(err, "read seed file")
	}
	var seed seedFile
	if err := json.Unmarshal(data, &seed); err != nil {
		return errors.Wrap(err, "parse seed file")
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	lg.Info("Running migrations")
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	catalogRepo := postgres.NewCatalogRepository(pool)
	for _, s := range seed.Stores {
		if err := catalogRepo.UpsertStore(ctx, catalog.Store(s)); err != nil {
			return err
		}
	}
	lg.Info("Upserted stores", zap.Int("count", len(seed.Stores)))

	for _, v := range seed.Variants {
		if err := catalogRepo.UpsertVariant(ctx, catalog.Variant(v)); err != nil {
			return err
		}
	}
	lg.Info("Upserted variants", zap.Int("count", len(seed.Variants)))

	vouchers := postgres.NewVoucherRepository(pool)
	for _, v := range seed.Vouchers {
		if err := vouchers.Upsert(ctx, voucher.Voucher{
			ID:           v.ID,
			Code:         v.Code,
			DiscountType: voucher.DiscountType(v.DiscountType),
			Value:        v.Value,
			MaxDiscount:  v.MaxDiscount,
			MinPurchase:  v.MinPurchase,
			UsageLimit:   v.UsageLimit,
			ExpiresAt:    v.ExpiresAt,
			Active:       true,
			StoreID:      v.StoreID,
		}); err != nil {
			return err
		}
		lg.Info("Upserted voucher", zap.String("code", v.Code))
	}
	return nil
}
