package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xenking/kart-orders/internal/domain/order"
)

const orderColumns = `id, user_id, items, total_price, is_paid, paid_at, created_at, updated_at`

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, items, total_price, is_paid, paid_at, created_at, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

	getOrderSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	listUserOrdersSQL = `SELECT ` + orderColumns + ` FROM orders
	WHERE user_id = $1 ORDER BY created_at DESC, id`

	// The NOT is_paid guard makes concurrent or repeated confirmations
	// collapse into a single transition.
	markPaidSQL = `UPDATE orders SET is_paid = TRUE, paid_at = $2, updated_at = $2
	WHERE id = $1 AND NOT is_paid
	RETURNING ` + orderColumns

	unpaidIDsSQL = `SELECT id FROM orders WHERE NOT is_paid AND created_at < $1 ORDER BY created_at`
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

// Create persists a new order. Items are stored as JSONB.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	itemsJSON, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("marshaling order items: %w", err)
	}

	_, err = r.pool.Exec(ctx, createOrderSQL,
		o.ID, o.UserID, itemsJSON, o.TotalPrice, o.IsPaid, o.PaidAt, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("creating order %q: %w", o.ID, err)
	}
	return nil
}

// GetByID returns a single order.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	rows, err := r.pool.Query(ctx, getOrderSQL, id)
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
	return &o, nil
}

// ListByUser returns the user's orders, newest first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	rows, err := r.pool.Query(ctx, listUserOrdersSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", userID, err)
	}
	orders, err := pgx.CollectRows(rows, scanOrder)
	if err != nil {
		return nil, fmt.Errorf("listing orders of %q: %w", userID, err)
	}
	return orders, nil
}

// MarkPaid sets the order paid at the given time unless it already is.
// When the conditional update matches nothing the current row is read back
// to tell an already paid order from a missing one.
func (r *OrderRepository) MarkPaid(ctx context.Context, id string, at time.Time) (*order.Order, bool, error) {
	rows, err := r.pool.Query(ctx, markPaidSQL, id, at)
	if err != nil {
		return nil, false, fmt.Errorf("marking order %q paid: %w", id, err)
	}

	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	switch {
	case err == nil:
		return &o, true, nil
	case !errors.Is(err, pgx.ErrNoRows):
		return nil, false, fmt.Errorf("marking order %q paid: %w", id, err)
	}

	current, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return current, false, nil
}

// UnpaidIDs returns ids of unpaid orders created before the given time,
// oldest first.
func (r *OrderRepository) UnpaidIDs(ctx context.Context, before time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, unpaidIDsSQL, before)
	if err != nil {
		return nil, fmt.Errorf("listing unpaid orders: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("listing unpaid orders: %w", err)
	}
	return ids, nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o         order.Order
		itemsJSON []byte
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &itemsJSON, &o.TotalPrice, &o.IsPaid, &o.PaidAt, &o.CreatedAt, &o.UpdatedAt,
	); err != nil {
		return o, err
	}
	if err := json.Unmarshal(itemsJSON, &o.Items); err != nil {
		return o, fmt.Errorf("unmarshaling items of order %q: %w", o.ID, err)
	}
	if o.PaidAt != nil {
		paidAt := o.PaidAt.UTC()
		o.PaidAt = &paidAt
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return o, nil
}
