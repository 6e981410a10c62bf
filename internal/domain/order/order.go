package order

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned by a Repository when no order matches.
var ErrNotFound = errors.New("order not found")

// Order is a placed purchase. Items and TotalPrice are fixed at creation;
// only the payment status changes afterwards.
type Order struct {
	ID         string          `json:"id"`
	UserID     string          `json:"user"`
	Items      []Item          `json:"items"`
	TotalPrice decimal.Decimal `json:"totalPrice"`
	IsPaid     bool            `json:"isPaid"`
	PaidAt     *time.Time      `json:"paidAt,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// Item is a snapshot of a cart line taken when the order was placed.
type Item struct {
	ModuleID string          `json:"module"`
	Quantity int             `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}

// Repository defines persistence operations for orders.
type Repository interface {
	Create(ctx context.Context, o *Order) error
	GetByID(ctx context.Context, id string) (*Order, error)
	// ListByUser returns the user's orders, newest first.
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	// MarkPaid flips the order to paid only if it is currently unpaid and
	// returns the stored order. paid reports whether this call performed
	// the transition; an already paid order keeps its original PaidAt.
	MarkPaid(ctx context.Context, id string, at time.Time) (o *Order, paid bool, err error)
}

// Lifecycle event types published for orders.
const (
	EventCreated = "order.created"
	EventPaid    = "order.paid"
)

// Publisher announces order lifecycle changes to other services.
type Publisher interface {
	Publish(ctx context.Context, eventType string, o *Order) error
}
