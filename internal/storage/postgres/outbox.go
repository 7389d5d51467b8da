package postgres

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/notify"
)

const (
	insertOutboxSQL = `INSERT INTO outbox (id, kind, order_id, buyer_id, store_id, status, amount, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	// claimOutboxSQL leases due messages; concurrent relays claim disjoint
	// batches.
	claimOutboxSQL = `WITH due AS (
			SELECT id FROM outbox
			WHERE sent_at IS NULL AND dead_at IS NULL AND next_attempt_at <= now()
			ORDER BY created_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox o SET next_attempt_at = now() + make_interval(secs => $2)
		FROM due WHERE o.id = due.id
		RETURNING o.id, o.kind, o.order_id, o.buyer_id, o.store_id, o.status, o.amount, o.attempts, o.created_at`

	markSentSQL = `UPDATE outbox SET sent_at = now() WHERE id = $1 AND sent_at IS NULL`

	markFailedSQL = `UPDATE outbox SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
		WHERE id = $1 AND sent_at IS NULL`

	markDeadSQL = `UPDATE outbox SET attempts = attempts + 1, last_error = $2, dead_at = now()
		WHERE id = $1 AND sent_at IS NULL`

	outboxBacklogSQL = `SELECT count(*) FROM outbox WHERE sent_at IS NULL AND dead_at IS NULL`
)

var _ notify.Outbox = (*OutboxRepository)(nil)

// OutboxRepository implements notify.Outbox. Messages are written by
// OrderRepository.ApplyTransition in the transaction of the status change.
type OutboxRepository struct {
	pool *pgxpool.Pool
}

// NewOutboxRepository returns an OutboxRepository that uses the given pool.
func NewOutboxRepository(pool *pgxpool.Pool) *OutboxRepository {
	return &OutboxRepository{pool: pool}
}

// Claim leases up to limit due messages, oldest first.
func (r *OutboxRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]notify.Message, error) {
	rows, err := r.pool.Query(ctx, claimOutboxSQL, limit, lease.Seconds())
	if err != nil {
		return nil, fmt.Errorf("claiming messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (notify.Message, error) {
		var (
			m    notify.Message
			kind string
		)
		err := row.Scan(&m.ID, &kind, &m.OrderID, &m.BuyerID, &m.StoreID, &m.Status,
			&m.Amount, &m.Attempts, &m.CreatedAt)
		m.Kind = notify.Kind(kind)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning claimed messages: %w", err)
	}
	slices.SortFunc(msgs, func(a, b notify.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return msgs, nil
}

// MarkSent acknowledges a delivered message.
func (r *OutboxRepository) MarkSent(ctx context.Context, id string) error {
	if _, err := r.pool.Exec(ctx, markSentSQL, id); err != nil {
		return fmt.Errorf("marking message %q sent: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed delivery attempt due again at retryAt.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id, cause string, retryAt time.Time) error {
	if _, err := r.pool.Exec(ctx, markFailedSQL, id, cause, retryAt); err != nil {
		return fmt.Errorf("marking message %q failed: %w", id, err)
	}
	return nil
}

// MarkDead parks a message that ran out of attempts.
func (r *OutboxRepository) MarkDead(ctx context.Context, id, cause string) error {
	if _, err := r.pool.Exec(ctx, markDeadSQL, id, cause); err != nil {
		return fmt.Errorf("marking message %q dead: %w", id, err)
	}
	return nil
}

// Backlog counts messages awaiting delivery, dead ones excluded.
func (r *OutboxRepository) Backlog(ctx context.Context) (int, error) {
	var n int
	if err := r.pool.QueryRow(ctx, outboxBacklogSQL).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting pending messages: %w", err)
	}
	return n, nil
}
