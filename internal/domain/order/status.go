package order

import (
	"fmt"
	"strings"

	"github.com/go-faster/errors"
)

// Status is an order lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPaid      Status = "PAID"
	StatusShipped   Status = "SHIPPED"
	StatusDelivered Status = "DELIVERED"
	StatusCompleted Status = "COMPLETED"
	StatusCancelled Status = "CANCELLED"
	StatusRefunded  Status = "REFUNDED"
)

var allowed = map[Status][]Status{
	StatusPending:   {StatusPaid, StatusCancelled},
	StatusPaid:      {StatusShipped, StatusRefunded},
	StatusShipped:   {StatusDelivered},
	StatusDelivered: {StatusCompleted},
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{
		StatusPending, StatusPaid, StatusShipped, StatusDelivered,
		StatusCompleted, StatusCancelled, StatusRefunded,
	}
}

// ParseStatus parses a case-insensitive status name.
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ToUpper(strings.TrimSpace(s)))
	for _, known := range Statuses() {
		if st == known {
			return st, nil
		}
	}
	return "", errors.Errorf("unknown order status %q", s)
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves s.
func (s Status) IsTerminal() bool {
	return len(allowed[s]) == 0
}

// InvalidTransitionError is returned for a status change outside the
// transition table.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid order transition %s -> %s", e.From, e.To)
}
