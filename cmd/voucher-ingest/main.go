package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/domain/voucher"
	"github.com/xenking/kart-checkout/internal/storage/postgres"
	"github.com/xenking/kart-checkout/internal/voucheringest"
)

func main() {
	var (
		dataDir      string
		pattern      string
		databaseURL  string
		minSources   int
		capacity     uint
		batchSize    int
		discountType string
		value        string
		maxDiscount  string
		minPurchase  string
		usageLimit   int
		expiresAt    string
		storeID      string
	)

	flag.StringVar(&dataDir, "data-dir", "data", "directory containing the gzip exports")
	flag.StringVar(&pattern, "pattern", "*.gz", "glob of export files inside data-dir")
	flag.StringVar(&databaseURL, "database-url", "", "PostgreSQL connection URL (or DATABASE_URL env)")
	flag.IntVar(&minSources, "min-sources", 2, "number of exports a code must appear in")
	flag.UintVar(&capacity, "capacity", 10_000_000, "expected codes per export")
	flag.IntVar(&batchSize, "batch-size", 5000, "vouchers per COPY")
	flag.StringVar(&discountType, "discount-type", string(voucher.DiscountPercentage), "percentage or fixed")
	flag.StringVar(&value, "value", "", "discount value")
	flag.StringVar(&maxDiscount, "max-discount", "", "cap for percentage discounts")
	flag.StringVar(&minPurchase, "min-purchase", "", "minimum subtotal")
	flag.IntVar(&usageLimit, "usage-limit", 1, "uses per code, 0 for unlimited")
	flag.StringVar(&expiresAt, "expires-at", "", "expiry in RFC 3339")
	flag.StringVar(&storeID, "store-id", "", "restrict the vouchers to one store")
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

	template, err := parseTemplate(discountType, value, maxDiscount, minPurchase, usageLimit, expiresAt, storeID)
	if err != nil {
		lg.Fatal("Invalid voucher rule", zap.Error(err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	cfg := voucheringest.Config{
		Capacity:   capacity,
		MinSources: minSources,
		BatchSize:  batchSize,
		Template:   template,
	}
	if err := run(ctx, lg, filepath.Join(dataDir, pattern), databaseURL, cfg); err != nil {
		lg.Fatal("Voucher ingest failed", zap.Error(err))
	}
	lg.Info("Voucher ingest completed")
}

func run(ctx context.Context, lg *zap.Logger, glob, databaseURL string, cfg voucheringest.Config) error {
	files, err := filepath.Glob(glob)
	if err != nil {
		return errors.Wrap(err, "list exports")
	}

	pool, err := postgres.NewPool(ctx, databaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	res, err := voucheringest.New(postgres.NewVoucherRepository(pool), cfg, lg).Run(ctx, files)
	if err != nil {
		return err
	}
	lg.Info("Vouchers written", zap.Int("confirmed", res.Confirmed), zap.Int64("written", res.Written))
	return nil
}

func parseTemplate(kind, value, maxDiscount, minPurchase string, usageLimit int, expiresAt, storeID string) (voucher.Voucher, error) {
	v := voucher.Voucher{DiscountType: voucher.DiscountType(kind), StoreID: storeID, Active: true}

	var err error
	if v.Value, err = decimal.NewFromString(value); err != nil {
		return v, errors.Wrap(err, "value")
	}
	if v.MaxDiscount, err = optionalDecimal(maxDiscount); err != nil {
		return v, errors.Wrap(err, "max discount")
	}
	if v.MinPurchase, err = optionalDecimal(minPurchase); err != nil {
		return v, errors.Wrap(err, "min purchase")
	}
	if usageLimit > 0 {
		v.UsageLimit = &usageLimit
	}
	if v.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return v, errors.Wrap(err, "expires at")
	}
	return v, nil
}

func optionalDecimal(s string) (*decimal.Decimal, error) {
	if s == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}
