package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xenking/kart-orders/internal/domain/cart"
)

type cartDoc struct {
	ID        primitive.ObjectID `bson:"_id,omitempty"`
	UserID    string             `bson:"user"`
	Items     []cartItemDoc      `bson:"items"`
	CreatedAt time.Time          `bson:"createdAt"`
	UpdatedAt time.Time          `bson:"updatedAt"`
}

type cartItemDoc struct {
	ModuleID string               `bson:"module"`
	Quantity int                  `bson:"quantity"`
	Price    primitive.Decimal128 `bson:"price"`
}

var _ cart.Repository = (*CartRepository)(nil)

// CartRepository implements cart.Repository over the carts collection.
type CartRepository struct {
	coll *mongo.Collection
}

// NewCartRepository returns a CartRepository for db.
func NewCartRepository(db *mongo.Database) *CartRepository {
	return &CartRepository{coll: db.Collection(cartsCollection)}
}

// GetByUser returns the user's cart or cart.ErrNotFound.
func (r *CartRepository) GetByUser(ctx context.Context, userID string) (*cart.Cart, error) {
	var doc cartDoc
	err := r.coll.FindOne(ctx, bson.M{"user": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, cart.ErrNotFound
		}
		return nil, fmt.Errorf("getting cart of %q: %w", userID, err)
	}

	c := &cart.Cart{
		ID:        doc.ID.Hex(),
		UserID:    doc.UserID,
		Items:     make([]cart.Item, 0, len(doc.Items)),
		CreatedAt: doc.CreatedAt.UTC(),
		UpdatedAt: doc.UpdatedAt.UTC(),
	}
	for _, it := range doc.Items {
		price, err := fromDecimal128(it.Price)
		if err != nil {
			return nil, fmt.Errorf("cart of %q: %w", userID, err)
		}
		c.Items = append(c.Items, cart.Item{ModuleID: it.ModuleID, Quantity: it.Quantity, Price: price})
	}
	return c, nil
}

// DeleteByUser removes the user's cart if there is one.
func (r *CartRepository) DeleteByUser(ctx context.Context, userID string) error {
	if _, err := r.coll.DeleteOne(ctx, bson.M{"user": userID}); err != nil {
		return fmt.Errorf("deleting cart of %q: %w", userID, err)
	}
	return nil
}

// Upsert replaces the user's cart items, creating the cart when needed.
func (r *CartRepository) Upsert(ctx context.Context, c *cart.Cart) error {
	items := make([]cartItemDoc, 0, len(c.Items))
	for _, it := range c.Items {
		price, err := toDecimal128(it.Price)
		if err != nil {
			return err
		}
		items = append(items, cartItemDoc{ModuleID: it.ModuleID, Quantity: it.Quantity, Price: price})
	}

	now := time.Now().UTC()
	update := bson.M{
		"$set":         bson.M{"items": items, "updatedAt": now},
		"$setOnInsert": bson.M{"createdAt": now},
	}
	_, err := r.coll.UpdateOne(ctx, bson.M{"user": c.UserID}, update, options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("upserting cart of %q: %w", c.UserID, err)
	}
	return nil
}
