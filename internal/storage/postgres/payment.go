package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/payment"
)

const (
	sessionColumns = `token, order_id, redirect_url, status, amount, expires_at, created_at, updated_at`

	createSessionSQL = `INSERT INTO payment_sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	getSessionByTokenSQL = `SELECT ` + sessionColumns + ` FROM payment_sessions WHERE token = $1`

	getSessionByOrderSQL = `SELECT ` + sessionColumns + ` FROM payment_sessions
		WHERE order_id = $1 ORDER BY created_at DESC LIMIT 1`

	updateSessionStatusSQL = `UPDATE payment_sessions SET status = $2, updated_at = $3 WHERE token = $1`

	listExpiredSessionsSQL = `SELECT ` + sessionColumns + ` FROM payment_sessions
		WHERE status = 'pending' AND expires_at < $1 ORDER BY expires_at LIMIT $2`
)

var _ payment.Repository = (*PaymentRepository)(nil)

// PaymentRepository implements payment.Repository backed by PostgreSQL.
type PaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPaymentRepository returns a PaymentRepository that uses the given pool.
func NewPaymentRepository(pool *pgxpool.Pool) *PaymentRepository {
	return &PaymentRepository{pool: pool}
}

// Create stores a new session.
func (r *PaymentRepository) Create(ctx context.Context, s *payment.Session) error {
	_, err := r.pool.Exec(ctx, createSessionSQL,
		s.Token, s.OrderID, s.RedirectURL, s.Status, s.Amount, s.ExpiresAt, s.CreatedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating payment session for order %q: %w", s.OrderID, err)
	}
	return nil
}

// GetByToken returns a session by gateway token.
func (r *PaymentRepository) GetByToken(ctx context.Context, token string) (*payment.Session, error) {
	return r.getOne(ctx, getSessionByTokenSQL, token)
}

// GetByOrder returns the latest session of an order.
func (r *PaymentRepository) GetByOrder(ctx context.Context, orderID string) (*payment.Session, error) {
	return r.getOne(ctx, getSessionByOrderSQL, orderID)
}

// UpdateStatus records the latest gateway status of a session.
func (r *PaymentRepository) UpdateStatus(ctx context.Context, token, status string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, updateSessionStatusSQL, token, status, at)
	if err != nil {
		return fmt.Errorf("updating payment session %q: %w", token, err)
	}
	if tag.RowsAffected() == 0 {
		return payment.ErrSessionNotFound
	}
	return nil
}

// ListExpired returns pending sessions that expired before now.
func (r *PaymentRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]payment.Session, error) {
	rows, err := r.pool.Query(ctx, listExpiredSessionsSQL, now, limit)
	if err != nil {
		return nil, fmt.Errorf("listing expired payment sessions: %w", err)
	}
	sessions, err := pgx.CollectRows(rows, scanSession)
	if err != nil {
		return nil, fmt.Errorf("scanning expired payment sessions: %w", err)
	}
	return sessions, nil
}

func (r *PaymentRepository) getOne(ctx context.Context, query, arg string) (*payment.Session, error) {
	rows, err := r.pool.Query(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("getting payment session %q: %w", arg, err)
	}
	s, err := pgx.CollectExactlyOneRow(rows, scanSession)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, payment.ErrSessionNotFound
		}
		return nil, fmt.Errorf("getting payment session %q: %w", arg, err)
	}
	return &s, nil
}

func scanSession(row pgx.CollectableRow) (payment.Session, error) {
	var s payment.Session
	err := row.Scan(&s.Token, &s.OrderID, &s.RedirectURL, &s.Status, &s.Amount,
		&s.ExpiresAt, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}
