// Package voucheringest reconciles voucher code exports and bulk-loads the
// confirmed codes.
//
// A partner campaign arrives as several gzip exports with one code per line.
// A code is issued only when at least MinSources exports contain it. Each
// export gets a bloom filter in a first pass; the second pass keeps codes
// that hit another export's filter and confirms them exactly with a bitmask
// of the exports they were read from.
package voucheringest

import (
	"bufio"
	"context"
	"math/bits"
	"os"
	"slices"
	"strings"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-checkout/internal/domain/voucher"
)

const progressEvery = 10_000_000

var hundred = decimal.NewFromInt(100)

// Writer stores vouchers in bulk.
type Writer interface {
	CopyVouchers(ctx context.Context, vs []voucher.Voucher) (int64, error)
}

// Config controls reconciliation and the issued vouchers.
type Config struct {
	// Capacity is the expected number of codes per export.
	Capacity uint
	// FalsePositiveRate of each bloom filter.
	FalsePositiveRate float64
	// MinSources is the number of exports a code must appear in.
	MinSources int
	MinCodeLen int
	MaxCodeLen int
	// BatchSize is the number of vouchers per COPY.
	BatchSize int
	// Template carries the discount rule every issued voucher gets. ID and
	// Code are filled per voucher.
	Template voucher.Voucher
}

func (c *Config) setDefaults() {
	if c.Capacity == 0 {
		c.Capacity = 1_000_000
	}
	if c.FalsePositiveRate == 0 {
		c.FalsePositiveRate = 0.001
	}
	if c.MinSources == 0 {
		c.MinSources = 2
	}
	if c.MinCodeLen == 0 {
		c.MinCodeLen = 4
	}
	if c.MaxCodeLen == 0 {
		c.MaxCodeLen = 32
	}
	if c.BatchSize == 0 {
		c.BatchSize = 5000
	}
}

func (c *Config) validate(files int) error {
	switch {
	case files == 0:
		return errors.New("no export files")
	case files > bits.UintSize:
		return errors.Errorf("at most %d export files are supported, got %d", bits.UintSize, files)
	case c.MinSources < 1 || c.MinSources > files:
		return errors.Errorf("min sources must be between 1 and %d, got %d", files, c.MinSources)
	case c.MinCodeLen > c.MaxCodeLen:
		return errors.Errorf("min code length %d exceeds max %d", c.MinCodeLen, c.MaxCodeLen)
	}
	t := c.Template
	if t.DiscountType != voucher.DiscountPercentage && t.DiscountType != voucher.DiscountFixed {
		return errors.Errorf("unknown discount type %q", t.DiscountType)
	}
	if !t.Value.IsPositive() {
		return errors.New("discount value must be positive")
	}
	if t.DiscountType == voucher.DiscountPercentage && t.Value.GreaterThan(hundred) {
		return errors.Errorf("percentage %s exceeds 100", t.Value)
	}
	if t.ExpiresAt.IsZero() {
		return errors.New("expiry is required")
	}
	return nil
}

// Result summarizes an ingest run.
type Result struct {
	Confirmed int
	Written   int64
}

// Ingester reconciles exports and writes the confirmed codes.
type Ingester struct {
	cfg   Config
	w     Writer
	lg    *zap.Logger
	newID func() string
}

// New creates an Ingester.
func New(w Writer, cfg Config, lg *zap.Logger) *Ingester {
	cfg.setDefaults()
	return &Ingester{cfg: cfg, w: w, lg: lg, newID: uuid.NewString}
}

// Run reconciles the exports and copies the confirmed codes in batches.
func (i *Ingester) Run(ctx context.Context, files []string) (Result, error) {
	codes, err := i.Confirm(ctx, files)
	if err != nil {
		return Result{}, err
	}
	res := Result{Confirmed: len(codes)}
	if len(codes) == 0 {
		i.lg.Info("No confirmed codes to write")
		return res, nil
	}

	i.lg.Info("Writing vouchers", zap.Int("count", len(codes)), zap.Int("batch_size", i.cfg.BatchSize))
	for chunk := range slices.Chunk(codes, i.cfg.BatchSize) {
		n, err := i.w.CopyVouchers(ctx, i.vouchers(chunk))
		res.Written += n
		if err != nil {
			return res, errors.Wrap(err, "copy vouchers")
		}
		i.lg.Info("Write progress", zap.Int64("written", res.Written), zap.Int("total", len(codes)))
	}
	return res, nil
}

// Confirm returns the codes found in at least MinSources exports, sorted.
func (i *Ingester) Confirm(ctx context.Context, files []string) ([]string, error) {
	if err := i.cfg.validate(len(files)); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	for _, f := range files {
		if _, err := os.Stat(f); err != nil {
			return nil, errors.Wrapf(err, "check file %s", f)
		}
	}

	i.lg.Info("Building bloom filters", zap.Int("files", len(files)))
	filters, err := i.buildFilters(ctx, files)
	if err != nil {
		return nil, errors.Wrap(err, "build bloom filters")
	}

	i.lg.Info("Collecting candidate codes")
	masks, err := i.collectCandidates(ctx, files, filters)
	if err != nil {
		return nil, errors.Wrap(err, "collect candidates")
	}

	merged := make(map[string]uint)
	for _, m := range masks {
		for code, mask := range m {
			merged[code] |= mask
		}
	}
	var confirmed []string
	for code, mask := range merged {
		if bits.OnesCount(mask) >= i.cfg.MinSources {
			confirmed = append(confirmed, code)
		}
	}
	slices.Sort(confirmed)

	i.lg.Info("Codes confirmed", zap.Int("count", len(confirmed)), zap.Int("candidates", len(merged)))
	return confirmed, nil
}

func (i *Ingester) buildFilters(ctx context.Context, files []string) ([]*bloom.BloomFilter, error) {
	filters := make([]*bloom.BloomFilter, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for idx, path := range files {
		g.Go(func() error {
			filter := bloom.NewWithEstimates(i.cfg.Capacity, i.cfg.FalsePositiveRate)
			var count uint64
			err := i.stream(ctx, path, func(code string) {
				filter.AddString(code)
				count++
				if count%progressEvery == 0 {
					i.lg.Info("Filter progress", zap.Int("file", idx+1), zap.Uint64("codes", count))
				}
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", idx+1)
			}
			i.lg.Info("Filter built", zap.String("path", path), zap.Uint64("codes", count))
			filters[idx] = filter
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return filters, nil
}

// collectCandidates marks, per export, the codes that another export's
// filter may contain. Each export only sets its own bit, so a merged mask
// counts the exports a code was actually read from.
func (i *Ingester) collectCandidates(ctx context.Context, files []string, filters []*bloom.BloomFilter) ([]map[string]uint, error) {
	masks := make([]map[string]uint, len(files))
	g, ctx := errgroup.WithContext(ctx)
	for idx, path := range files {
		g.Go(func() error {
			candidates := make(map[string]uint)
			bit := uint(1) << uint(idx)
			err := i.stream(ctx, path, func(code string) {
				if i.cfg.MinSources == 1 || elsewhere(code, idx, filters) {
					candidates[code] |= bit
				}
			})
			if err != nil {
				return errors.Wrapf(err, "file %d", idx+1)
			}
			masks[idx] = candidates
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return masks, nil
}

func elsewhere(code string, idx int, filters []*bloom.BloomFilter) bool {
	for j, f := range filters {
		if j != idx && f.TestString(code) {
			return true
		}
	}
	return false
}

// stream calls fn with every well-formed code of a gzip export.
func (i *Ingester) stream(ctx context.Context, path string, fn func(code string)) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer func() { _ = f.Close() }()

	gz, err := pgzip.NewReader(f)
	if err != nil {
		return errors.Wrapf(err, "gzip reader for %s", path)
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		if code, ok := i.normalize(scanner.Text()); ok {
			fn(code)
		}
	}
	if err := scanner.Err(); err != nil {
		return errors.Wrapf(err, "scan %s", path)
	}
	return nil
}

// normalize upper-cases a code and rejects anything but A-Z and 0-9 within
// the configured length.
func (i *Ingester) normalize(line string) (string, bool) {
	code := strings.ToUpper(strings.TrimSpace(line))
	if len(code) < i.cfg.MinCodeLen || len(code) > i.cfg.MaxCodeLen {
		return "", false
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", false
		}
	}
	return code, true
}

func (i *Ingester) vouchers(codes []string) []voucher.Voucher {
	vs := make([]voucher.Voucher, len(codes))
	for n, code := range codes {
		v := i.cfg.Template
		v.ID = i.newID()
		v.Code = code
		v.UsageCount = 0
		v.Active = true
		vs[n] = v
	}
	return vs
}
