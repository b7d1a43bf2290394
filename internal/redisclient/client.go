package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"fulfillment-service/internal/models"

	"github.com/go-redis/redis/v8"
)

// Client is a read-through cache in front of the ledger and the idempotency
// table. Postgres stays authoritative; every entry here may be dropped.
type Client struct {
	rdb            *redis.Client
	stockTTL       time.Duration
	idempotencyTTL time.Duration
}

// NewClient creates a new Redis client and pings it
func NewClient(addr, password string, db int, stockTTL, idempotencyTTL time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:            rdb,
		stockTTL:       stockTTL,
		idempotencyTTL: idempotencyTTL,
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// setStockScript writes the quantity only while the version key still holds
// the version the caller read before going to the store.
var setStockScript = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[2]) or '0')
if current ~= tonumber(ARGV[2]) then
	return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
return 1
`)

func stockKey(productID int64) string {
	return fmt.Sprintf("stock:%d", productID)
}

func stockVersionKey(productID int64) string {
	return fmt.Sprintf("stock:ver:%d", productID)
}

// idempotencyKey length-prefixes scope so no (scope, key) pair can collide
// with another when either contains ':'.
func idempotencyKey(key, scope string) string {
	return fmt.Sprintf("idempotency:%d:%s:%s", len(scope), scope, key)
}

// GetStock returns a cached available quantity; ok is false on a miss
func (c *Client) GetStock(ctx context.Context, productID int64) (qty int, ok bool, err error) {
	val, err := c.rdb.Get(ctx, stockKey(productID)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	qty, err = strconv.Atoi(val)
	if err != nil {
		return 0, false, fmt.Errorf("bad cached stock value %q: %w", val, err)
	}
	return qty, true, nil
}

// StockVersion returns the product's invalidation counter, 0 if never bumped
func (c *Client) StockVersion(ctx context.Context, productID int64) (int64, error) {
	v, err := c.rdb.Get(ctx, stockVersionKey(productID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return v, err
}

// SetStock caches an available quantity unless the product was invalidated
// after version was read
func (c *Client) SetStock(ctx context.Context, productID int64, qty int, version int64) error {
	return setStockScript.Run(ctx, c.rdb,
		[]string{stockKey(productID), stockVersionKey(productID)},
		qty, version, c.stockTTL.Milliseconds()).Err()
}

// InvalidateStock bumps versions and drops cached quantities after a
// committed mutation
func (c *Client) InvalidateStock(ctx context.Context, productIDs ...int64) error {
	if len(productIDs) == 0 {
		return nil
	}

	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, id := range productIDs {
			pipe.Incr(ctx, stockVersionKey(id))
			pipe.Del(ctx, stockKey(id))
		}
		return nil
	})
	return err
}

// GetIdempotencyRecord returns a cached record or nil on a miss
func (c *Client) GetIdempotencyRecord(ctx context.Context, key, scope string) (*models.IdempotencyRecord, error) {
	raw, err := c.rdb.Get(ctx, idempotencyKey(key, scope)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rec models.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached idempotency record: %w", err)
	}
	return &rec, nil
}

// SetIdempotencyRecord caches a completed record
func (c *Client) SetIdempotencyRecord(ctx context.Context, rec *models.IdempotencyRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal idempotency record: %w", err)
	}
	return c.rdb.Set(ctx, idempotencyKey(rec.Key, rec.Scope), raw, c.idempotencyTTL).Err()
}
