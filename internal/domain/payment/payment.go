// Package payment creates gateway payment sessions for orders and
// reconciles the gateway's asynchronous status callbacks.
package payment

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-checkout/internal/domain/order"
)

var (
	// ErrUntrustedCallback is returned when a callback signature does not verify.
	ErrUntrustedCallback = errors.New("untrusted payment callback")
	// ErrSessionNotFound is returned for an unknown payment token or order.
	ErrSessionNotFound = errors.New("payment session not found")
	// ErrUnknownStatus is returned for a gateway status with no mapping.
	ErrUnknownStatus = errors.New("unknown payment status")
	// ErrAmountMismatch is returned when a settlement does not cover the
	// session amount.
	ErrAmountMismatch = errors.New("payment amount does not match session")
	// ErrGatewayUnavailable is a transient gateway failure. It is retryable.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
	// ErrGatewayRejected is returned when the gateway refused the request.
	ErrGatewayRejected = errors.New("payment gateway rejected request")
)

// Gateway statuses understood by reconciliation.
const (
	StatusPending    = "pending"
	StatusSettlement = "settlement"
	StatusCapture    = "capture"
	StatusPaid       = "paid"
	StatusExpire     = "expire"
	StatusCancel     = "cancel"
	StatusDeny       = "deny"
	StatusFailure    = "failure"
	StatusRefund     = "refund"
)

// Target maps a gateway status to the order status it drives. ok is false
// for unknown statuses; an empty target with ok set means no transition.
func Target(status string) (target order.Status, ok bool) {
	switch status {
	case StatusSettlement, StatusCapture, StatusPaid:
		return order.StatusPaid, true
	case StatusExpire, StatusCancel, StatusDeny, StatusFailure:
		return order.StatusCancelled, true
	case StatusRefund:
		return order.StatusRefunded, true
	case StatusPending:
		return "", true
	default:
		return "", false
	}
}

// Session is the gateway payment session of an unpaid order.
type Session struct {
	OrderID     string
	Token       string
	RedirectURL string
	Status      string
	Amount      decimal.Decimal
	ExpiresAt   time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// CreateRequest asks the gateway for a new session.
type CreateRequest struct {
	OrderID     string
	OrderNumber string
	Amount      decimal.Decimal
	CallbackURL string
	ExpiresAt   time.Time
}

// GatewaySession is the gateway's answer to CreateRequest.
type GatewaySession struct {
	Token       string
	RedirectURL string
}

// Gateway creates payment sessions with an external provider.
type Gateway interface {
	CreateSession(ctx context.Context, req CreateRequest) (*GatewaySession, error)
}

// Repository persists payment sessions. Lookups return ErrSessionNotFound.
type Repository interface {
	Create(ctx context.Context, s *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	GetByOrder(ctx context.Context, orderID string) (*Session, error)
	UpdateStatus(ctx context.Context, token, status string, at time.Time) error
	// ListExpired returns pending sessions that expired before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]Session, error)
}

// Deduper remembers processed callbacks. It is an optimization in front of
// the order event log, which stays authoritative.
type Deduper interface {
	Seen(ctx context.Context, key string) (bool, error)
	Remember(ctx context.Context, key string) error
}

// Transitioner applies order status changes.
type Transitioner interface {
	Transition(ctx context.Context, req order.TransitionRequest) (*order.TransitionResult, error)
}

// EventKey is the idempotency key of a gateway status update.
func EventKey(token, status string) string {
	return token + ":" + status
}
