// Package cache provides a Redis-backed cache of materialized orders keyed by
// provider transaction ID.
//
// The cache is an acknowledgement fast-path only: a duplicate webhook
// redelivery for an already-materialized transaction can be answered without
// opening a store transaction. Correctness never depends on it — the
// idempotency ledger in the durable store is the source of truth.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"storefront-backend/internal/order"
)

// OrderCache caches materialized orders by idempotency key.
type OrderCache struct {
	client      *redis.Client
	serviceName string
	ttl         time.Duration
}

// New connects to Redis at addr. serviceName namespaces the keys so several
// services can share one Redis without collisions.
func New(addr, serviceName string, ttl time.Duration) *OrderCache {
	return &OrderCache{
		client:      redis.NewClient(&redis.Options{Addr: addr}),
		serviceName: serviceName,
		ttl:         ttl,
	}
}

// Close releases the Redis connection.
func (c *OrderCache) Close() error {
	return c.client.Close()
}

// Put stores the order under the transaction key. Best-effort: callers log
// and ignore failures.
func (c *OrderCache) Put(ctx context.Context, txID string, o *order.Order) error {
	b, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("cache: encode order %q: %w", o.ID, err)
	}
	return c.client.Set(ctx, c.key(txID), b, c.ttl).Err()
}

// Get returns the cached order for the transaction, or nil if absent.
func (c *OrderCache) Get(ctx context.Context, txID string) (*order.Order, error) {
	raw, err := c.client.Get(ctx, c.key(txID)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var o order.Order
	if err := json.Unmarshal([]byte(raw), &o); err != nil {
		return nil, fmt.Errorf("cache: decode order for tx %q: %w", txID, err)
	}
	return &o, nil
}

func (c *OrderCache) key(txID string) string {
	return fmt.Sprintf("%s:order:%s", c.serviceName, txID)
}
