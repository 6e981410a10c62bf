// Package cache keeps per-user order listings in Redis in front of the
// primary order store.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xenking/kart-orders/internal/domain/order"
)

// DefaultTTL is the base lifetime of a cached listing.
const DefaultTTL = 5 * time.Minute

// generationTTL bounds how long a user's generation counter outlives the
// last write. It only has to exceed the duration of one ListByUser.
const generationTTL = 24 * time.Hour

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository wraps an order.Repository with a read-through cache of
// ListByUser results. Writes go to the underlying store first and then
// drop the owner's cached listing. Redis failures are logged and never
// fail the call.
//
// Every invalidation bumps a per-user generation counter. A listing read
// from the store is cached only if the counter did not move while it was
// being read, so a snapshot taken before a write is never cached after it.
type OrderRepository struct {
	next    order.Repository
	client  redis.UniversalClient
	baseTTL time.Duration
}

// NewOrderRepository returns a caching decorator. A non-positive ttl means
// DefaultTTL.
func NewOrderRepository(next order.Repository, client redis.UniversalClient, ttl time.Duration) *OrderRepository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &OrderRepository{next: next, client: client, baseTTL: ttl}
}

func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	if err := r.next.Create(ctx, o); err != nil {
		return err
	}
	r.invalidate(ctx, o.UserID)
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.next.GetByID(ctx, id)
}

func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	lg := zctx.From(ctx)
	key := userKey(userID)

	data, err := r.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var orders []order.Order
		if err := json.Unmarshal(data, &orders); err == nil {
			return orders, nil
		}
		lg.Warn("Dropping undecodable cached orders", zap.String("key", key))
	case !errors.Is(err, redis.Nil):
		lg.Warn("Order cache read failed", zap.String("key", key), zap.Error(err))
	}

	// The generation must be read before the store so that any write
	// landing in between is detected.
	gen, genErr := generation(r.client.Get(ctx, generationKey(userID)))

	orders, err := r.next.ListByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if genErr != nil {
		lg.Warn("Order cache generation read failed", zap.String("user_id", userID), zap.Error(genErr))
		return orders, nil
	}
	r.store(ctx, userID, gen, orders)
	return orders, nil
}

func (r *OrderRepository) MarkPaid(ctx context.Context, id string, at time.Time) (*order.Order, bool, error) {
	o, paid, err := r.next.MarkPaid(ctx, id, at)
	if err != nil {
		return nil, false, err
	}
	if paid {
		r.invalidate(ctx, o.UserID)
	}
	return o, paid, nil
}

var errStaleListing = errors.New("listing is stale")

// store caches orders unless the user's generation differs from gen.
func (r *OrderRepository) store(ctx context.Context, userID string, gen int64, orders []order.Order) {
	lg := zctx.From(ctx)
	key, genKey := userKey(userID), generationKey(userID)

	data, err := json.Marshal(orders)
	if err != nil {
		lg.Warn("Encode orders for cache", zap.Error(err))
		return
	}
	// Jitter spreads expirations of listings filled at the same moment.
	ttl := r.baseTTL + rand.N(r.baseTTL/4+1)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := generation(tx.Get(ctx, genKey))
		if err != nil {
			return err
		}
		if current != gen {
			return errStaleListing
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, data, ttl)
			return nil
		})
		return err
	}, genKey)

	switch {
	case err == nil:
	case errors.Is(err, errStaleListing), errors.Is(err, redis.TxFailedErr):
		lg.Debug("Skipping stale order listing", zap.String("key", key))
	default:
		lg.Warn("Order cache write failed", zap.String("key", key), zap.Error(err))
	}
}

func (r *OrderRepository) invalidate(ctx context.Context, userID string) {
	key, genKey := userKey(userID), generationKey(userID)
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Incr(ctx, genKey)
		p.Expire(ctx, genKey, generationTTL)
		p.Del(ctx, key)
		return nil
	})
	if err != nil {
		zctx.From(ctx).Warn("Order cache invalidation failed", zap.String("key", key), zap.Error(err))
	}
}

// generation parses a counter read; a missing counter is generation zero.
func generation(cmd *redis.StringCmd) (int64, error) {
	n, err := cmd.Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

// Both keys of a user share a hash tag so WATCH and MULTI stay on one
// cluster slot.
func userKey(userID string) string {
	return fmt.Sprintf("orders:user:{%s}", userID)
}

func generationKey(userID string) string {
	return fmt.Sprintf("orders:gen:{%s}", userID)
}
