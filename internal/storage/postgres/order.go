package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-checkout/internal/domain/notify"
	"github.com/xenking/kart-checkout/internal/domain/order"
)

const (
	orderColumns = `id, number, buyer_id, store_id, address, status, items_amount, shipping_cost,
		discount_amount, total_amount, voucher_id, voucher_code, courier_code, service_code,
		created_at, updated_at`

	createOrderSQL = `INSERT INTO orders (` + orderColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	createOrderItemSQL = `INSERT INTO order_items (order_id, variant_id, name, quantity, unit_price, line_total)
		VALUES ($1, $2, $3, $4, $5, $6)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	getOrderItemsSQL = `SELECT order_id, variant_id, name, quantity, unit_price, line_total
		FROM order_items WHERE order_id = $1 ORDER BY variant_id`

	orderNumberExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE number = $1)`

	hasEventSQL = `SELECT EXISTS (SELECT 1 FROM order_transitions WHERE order_id = $1 AND event_id = $2)`

	insertTransitionSQL = `INSERT INTO order_transitions
			(order_id, event_id, from_status, to_status, actor, reason, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (order_id, event_id) DO NOTHING`

	updateStatusSQL = `UPDATE orders SET status = $3, updated_at = $4 WHERE id = $1 AND status = $2`

	orderExistsSQL = `SELECT EXISTS (SELECT 1 FROM orders WHERE id = $1)`

	listTransitionsSQL = `SELECT order_id, from_status, to_status, event_id, actor, reason, occurred_at
		FROM order_transitions WHERE order_id = $1 ORDER BY occurred_at, event_id`

	listByStatusSQL = `SELECT ` + orderColumns + ` FROM orders
		WHERE status = $1 AND updated_at < $2 ORDER BY updated_at LIMIT $3`

	orderNumberConstraint = "orders_number_key"
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository returns an OrderRepository that uses the given pool.
func NewOrderRepository(pool *pgxpool.Pool) *OrderRepository {
	return &OrderRepository{pool: pool}
}

type addressDoc struct {
	RecipientName string `json:"recipient_name"`
	Phone         string `json:"phone"`
	Line1         string `json:"line1"`
	Line2         string `json:"line2,omitempty"`
	City          string `json:"city"`
	Province      string `json:"province"`
	PostalCode    string `json:"postal_code"`
	AreaID        string `json:"area_id"`
}

// Create persists a new order and its items in one transaction. The
// address snapshot is serialized to JSON for the JSONB column.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	addressJSON, err := json.Marshal(addressDoc(o.Address))
	if err != nil {
		return fmt.Errorf("marshaling order address: %w", err)
	}

	return inTx(ctx, r.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, createOrderSQL,
			o.ID, o.Number, o.BuyerID, o.StoreID, addressJSON, string(o.Status),
			o.ItemsAmount, o.ShippingCost, o.DiscountAmount, o.TotalAmount,
			o.VoucherID, o.VoucherCode, o.CourierCode, o.ServiceCode,
			o.CreatedAt, o.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err, orderNumberConstraint) {
				return order.ErrDuplicateNumber
			}
			return fmt.Errorf("creating order %q: %w", o.ID, err)
		}

		for _, it := range o.Items {
			_, err := tx.Exec(ctx, createOrderItemSQL,
				o.ID, it.VariantID, it.Name, it.Quantity, it.UnitPrice, it.LineTotal,
			)
			if err != nil {
				return fmt.Errorf("creating item %q of order %q: %w", it.VariantID, o.ID, err)
			}
		}
		return nil
	})
}

// NumberExists reports whether an order number is taken.
func (r *OrderRepository) NumberExists(ctx context.Context, number string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, orderNumberExistsSQL, number).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking order number %q: %w", number, err)
	}
	return exists, nil
}

// Get returns an order with its items, or order.ErrNotFound.
func (r *OrderRepository) Get(ctx context.Context, id string) (*order.Order, error) {
	return getOrder(ctx, r.pool, id)
}

// HasEvent reports whether eventID was applied to the order.
func (r *OrderRepository) HasEvent(ctx context.Context, orderID, eventID string) (bool, error) {
	var exists bool
	if err := r.pool.QueryRow(ctx, hasEventSQL, orderID, eventID).Scan(&exists); err != nil {
		return false, fmt.Errorf("checking event %q of order %q: %w", eventID, orderID, err)
	}
	return exists, nil
}

// ApplyTransition records the event, moves the status with a
// compare-and-swap and applies the side effects in one transaction.
func (r *OrderRepository) ApplyTransition(ctx context.Context, c order.Change) (*order.Outcome, error) {
	out := &order.Outcome{}
	err := inTx(ctx, r.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, insertTransitionSQL,
			c.OrderID, c.EventID, string(c.From), string(c.To), c.Actor, c.Reason, c.At,
		)
		if err != nil {
			return fmt.Errorf("recording transition of order %q: %w", c.OrderID, err)
		}
		if tag.RowsAffected() == 0 {
			return order.ErrDuplicateEvent
		}

		tag, err = tx.Exec(ctx, updateStatusSQL, c.OrderID, string(c.From), string(c.To), c.At)
		if err != nil {
			return fmt.Errorf("updating status of order %q: %w", c.OrderID, err)
		}
		if tag.RowsAffected() == 0 {
			var exists bool
			if err := tx.QueryRow(ctx, orderExistsSQL, c.OrderID).Scan(&exists); err != nil {
				return fmt.Errorf("checking order %q: %w", c.OrderID, err)
			}
			if !exists {
				return order.ErrNotFound
			}
			return order.ErrStatusConflict
		}

		if c.IncrementVoucher != nil {
			ok, err := incrementVoucherUsage(ctx, tx, *c.IncrementVoucher)
			if err != nil {
				return err
			}
			out.VoucherExhausted = !ok
		}
		if c.RestoreStock {
			if _, err := restoreStock(ctx, tx, c.OrderID); err != nil {
				return err
			}
		}
		if err := enqueue(ctx, tx, c.Messages); err != nil {
			return err
		}

		o, err := getOrder(ctx, tx, c.OrderID)
		if err != nil {
			return err
		}
		out.Order = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Transitions returns the audit history of an order, oldest first.
func (r *OrderRepository) Transitions(ctx context.Context, orderID string) ([]order.Transition, error) {
	rows, err := r.pool.Query(ctx, listTransitionsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("listing transitions of order %q: %w", orderID, err)
	}

	ts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Transition, error) {
		var (
			t        order.Transition
			from, to string
		)
		err := row.Scan(&t.OrderID, &from, &to, &t.EventID, &t.Actor, &t.Reason, &t.OccurredAt)
		t.From = order.Status(from)
		t.To = order.Status(to)
		return t, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning transitions of order %q: %w", orderID, err)
	}
	if len(ts) == 0 {
		if _, err := r.Get(ctx, orderID); err != nil {
			return nil, err
		}
	}
	return ts, nil
}

// ListByStatus returns orders in status last updated before the given time,
// oldest first.
func (r *OrderRepository) ListByStatus(ctx context.Context, status order.Status, updatedBefore time.Time, limit int) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listByStatusSQL, string(status), updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("listing %s orders: %w", status, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("scanning %s orders: %w", status, err)
	}

	for i := range orders {
		items, err := getOrderItems(ctx, r.pool, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

func getOrder(ctx context.Context, q querier, id string) (*order.Order, error) {
	rows, err := q.Query(ctx, getOrderSQL, id)
	if err != nil {
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, fmt.Errorf("getting order %q: %w", id, err)
	}

	items, err := getOrderItems(ctx, q, id)
	if err != nil {
		return nil, err
	}
	o.Items = items

	if err := o.CheckTotals(); err != nil {
		return nil, err
	}
	return &o, nil
}

func getOrderItems(ctx context.Context, q querier, orderID string) ([]order.Item, error) {
	rows, err := q.Query(ctx, getOrderItemsSQL, orderID)
	if err != nil {
		return nil, fmt.Errorf("getting items of order %q: %w", orderID, err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (order.Item, error) {
		var it order.Item
		err := row.Scan(&it.OrderID, &it.VariantID, &it.Name, &it.Quantity, &it.UnitPrice, &it.LineTotal)
		return it, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning items of order %q: %w", orderID, err)
	}
	return items, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o           order.Order
		addressJSON []byte
		status      string
	)
	err := row.Scan(
		&o.ID, &o.Number, &o.BuyerID, &o.StoreID, &addressJSON, &status,
		&o.ItemsAmount, &o.ShippingCost, &o.DiscountAmount, &o.TotalAmount,
		&o.VoucherID, &o.VoucherCode, &o.CourierCode, &o.ServiceCode,
		&o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return o, err
	}
	if o.Status, err = order.ParseStatus(status); err != nil {
		return o, fmt.Errorf("scanning order %q: %w", o.ID, err)
	}

	var addr addressDoc
	if err := json.Unmarshal(addressJSON, &addr); err != nil {
		return o, fmt.Errorf("unmarshaling address of order %q: %w", o.ID, err)
	}
	o.Address = order.Address(addr)
	return o, nil
}

// enqueue writes outbox messages within the caller's transaction.
func enqueue(ctx context.Context, q querier, msgs []notify.Message) error {
	for _, m := range msgs {
		_, err := q.Exec(ctx, insertOutboxSQL,
			m.ID, string(m.Kind), m.OrderID, m.BuyerID, m.StoreID, m.Status, m.Amount, m.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("enqueueing message %q: %w", m.ID, err)
		}
	}
	return nil
}
