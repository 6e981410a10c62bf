package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/xenking/kart-orders/internal/domain/cart"
)

type moduleDoc struct {
	ID    string               `bson:"_id"`
	Title string               `bson:"title"`
	Price primitive.Decimal128 `bson:"price"`
}

var _ cart.ModuleRepository = (*ModuleRepository)(nil)

// ModuleRepository implements cart.ModuleRepository over the modules
// collection.
type ModuleRepository struct {
	coll *mongo.Collection
}

func NewModuleRepository(db *mongo.Database) *ModuleRepository {
	return &ModuleRepository{coll: db.Collection(modulesCollection)}
}

func (r *ModuleRepository) GetByIDs(ctx context.Context, ids []string) ([]cart.Module, error) {
	if len(ids) == 0 {
		return []cart.Module{}, nil
	}

	cur, err := r.coll.Find(ctx, bson.M{"_id": bson.M{"$in": ids}})
	if err != nil {
		return nil, fmt.Errorf("finding modules: %w", err)
	}
	var docs []moduleDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("decoding modules: %w", err)
	}

	modules := make([]cart.Module, 0, len(docs))
	for _, d := range docs {
		price, err := fromDecimal128(d.Price)
		if err != nil {
			return nil, fmt.Errorf("module %q: %w", d.ID, err)
		}
		modules = append(modules, cart.Module{ID: d.ID, Title: d.Title, Price: price})
	}
	return modules, nil
}

// Upsert inserts or replaces modules by id.
func (r *ModuleRepository) Upsert(ctx context.Context, modules []cart.Module) error {
	if len(modules) == 0 {
		return nil
	}
	writes := make([]mongo.WriteModel, 0, len(modules))
	for _, m := range modules {
		price, err := toDecimal128(m.Price)
		if err != nil {
			return err
		}
		writes = append(writes, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": m.ID}).
			SetReplacement(moduleDoc{ID: m.ID, Title: m.Title, Price: price}).
			SetUpsert(true))
	}
	if _, err := r.coll.BulkWrite(ctx, writes, options.BulkWrite().SetOrdered(false)); err != nil {
		return fmt.Errorf("upserting modules: %w", err)
	}
	return nil
}
