package postgres

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/catalog"
	"github.com/xenking/kart-checkout/internal/domain/stock"
)

const (
	decrementStockSQL = `UPDATE variants SET stock = stock - $2, updated_at = now()
		WHERE id = $1 AND stock >= $2`

	getStockSQL = `SELECT stock FROM variants WHERE id = $1`

	insertReservationSQL = `INSERT INTO stock_reservations (order_id, variant_id, quantity)
		VALUES ($1, $2, $3)`

	restoreStockSQL = `WITH released AS (
			UPDATE stock_reservations SET released = TRUE, released_at = now()
			WHERE order_id = $1 AND NOT released
			RETURNING variant_id, quantity
		)
		UPDATE variants v SET stock = v.stock + r.quantity, updated_at = now()
		FROM released r WHERE v.id = r.variant_id`
)

var _ stock.Ledger = (*StockLedger)(nil)

// StockLedger implements stock.Ledger with conditional row updates inside
// one transaction.
type StockLedger struct {
	pool *pgxpool.Pool
}

// NewStockLedger returns a StockLedger that uses the given pool.
func NewStockLedger(pool *pgxpool.Pool) *StockLedger {
	return &StockLedger{pool: pool}
}

// Reserve decrements every line or none. Lines are applied in variant ID
// order so concurrent reservations lock rows in the same order.
func (l *StockLedger) Reserve(ctx context.Context, orderID string, lines []stock.Line) error {
	lines, err := stock.Normalize(lines)
	if err != nil {
		return err
	}

	return inTx(ctx, l.pool, func(tx pgx.Tx) error {
		for _, ln := range lines {
			tag, err := tx.Exec(ctx, decrementStockSQL, ln.VariantID, ln.Quantity)
			if err != nil {
				return fmt.Errorf("decrementing stock of %q: %w", ln.VariantID, err)
			}
			if tag.RowsAffected() == 0 {
				return shortage(ctx, tx, ln)
			}
			if _, err := tx.Exec(ctx, insertReservationSQL, orderID, ln.VariantID, ln.Quantity); err != nil {
				return fmt.Errorf("recording reservation of %q: %w", ln.VariantID, err)
			}
		}
		return nil
	})
}

// Restore returns the unreleased reservations of orderID to stock.
func (l *StockLedger) Restore(ctx context.Context, orderID string) (bool, error) {
	return restoreStock(ctx, l.pool, orderID)
}

func restoreStock(ctx context.Context, q querier, orderID string) (bool, error) {
	tag, err := q.Exec(ctx, restoreStockSQL, orderID)
	if err != nil {
		return false, fmt.Errorf("restoring stock of order %q: %w", orderID, err)
	}
	return tag.RowsAffected() > 0, nil
}

// shortage explains why a conditional decrement matched no row.
func shortage(ctx context.Context, tx pgx.Tx, ln stock.Line) error {
	var available int
	err := tx.QueryRow(ctx, getStockSQL, ln.VariantID).Scan(&available)
	if errors.Is(err, pgx.ErrNoRows) {
		return &catalog.VariantNotFoundError{VariantID: ln.VariantID}
	}
	if err != nil {
		return fmt.Errorf("reading stock of %q: %w", ln.VariantID, err)
	}
	return &stock.InsufficientStockError{
		VariantID: ln.VariantID,
		Requested: ln.Quantity,
		Available: available,
	}
}
