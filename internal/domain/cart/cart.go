// Package cart describes the shopping cart data the order service reads.
// Carts and modules are owned by the catalog side of the system; this
// package only defines the read and cleanup contract.
package cart

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// ErrNotFound is returned when a user has no active cart.
var ErrNotFound = errors.New("cart not found")

// Module is a priced catalog item that carts reference.
type Module struct {
	ID    string
	Title string
	Price decimal.Decimal
}

// Item is a single cart line. Price is the module price at the time the
// item was added; order creation re-reads the current module price.
type Item struct {
	ModuleID string
	Quantity int
	Price    decimal.Decimal
}

// Cart is the single active cart of a user.
type Cart struct {
	ID        string
	UserID    string
	Items     []Item
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository provides access to user carts.
type Repository interface {
	GetByUser(ctx context.Context, userID string) (*Cart, error)
	// DeleteByUser removes the user's cart. Deleting a missing cart is not
	// an error.
	DeleteByUser(ctx context.Context, userID string) error
}

// ModuleRepository looks up priced modules.
type ModuleRepository interface {
	// GetByIDs returns the modules that exist among ids, in no particular order.
	GetByIDs(ctx context.Context, ids []string) ([]Module, error)
}
