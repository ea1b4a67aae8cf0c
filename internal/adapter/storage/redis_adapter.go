package storage

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/marketplace-orders/internal/port"
)

const (
	stockKeyPrefix       = "stock:"
	idempotencyKeyPrefix = "placement:"
	deliveredKeyPrefix   = "delivered:"
	idempotencyKeyTTL    = 24 * time.Hour
	deliveredKeyTTL      = 7 * 24 * time.Hour

	// inFlight marks a claimed key whose order has not committed yet.
	inFlight = "0"
)

// setStockScript writes the level unless a newer stock version is already
// mirrored, so a delayed writer cannot overwrite a fresher commit.
var setStockScript = redis.NewScript(`
local key = KEYS[1]
local stock = ARGV[1]
local version = tonumber(ARGV[2])

local current = redis.call('HGET', key, 'version')
if current and tonumber(current) > version then
	return 0
end

redis.call('HSET', key, 'stock', stock, 'version', version)
return 1
`)

type RedisAdapter struct {
	client *redis.Client
}

var _ port.CacheRepository = (*RedisAdapter)(nil)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) ClaimIdempotencyKey(ctx context.Context, key string) (bool, error) {
	return r.client.SetNX(ctx, idempotencyKeyPrefix+key, inFlight, idempotencyKeyTTL).Result()
}

func (r *RedisAdapter) CompleteIdempotencyKey(ctx context.Context, key string, orderID int64) error {
	return r.client.Set(ctx, idempotencyKeyPrefix+key, strconv.FormatInt(orderID, 10), idempotencyKeyTTL).Err()
}

func (r *RedisAdapter) LookupIdempotencyKey(ctx context.Context, key string) (int64, error) {
	v, err := r.client.Get(ctx, idempotencyKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (r *RedisAdapter) ReleaseIdempotencyKey(ctx context.Context, key string) error {
	return r.client.Del(ctx, idempotencyKeyPrefix+key).Err()
}

func (r *RedisAdapter) MarkDelivered(ctx context.Context, key string) error {
	return r.client.Set(ctx, deliveredKeyPrefix+key, 1, deliveredKeyTTL).Err()
}

func (r *RedisAdapter) IsDelivered(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, deliveredKeyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *RedisAdapter) SetStockLevel(ctx context.Context, productID int64, stock int, version int64) error {
	key := stockKeyPrefix + strconv.FormatInt(productID, 10)
	return setStockScript.Run(ctx, r.client, []string{key}, stock, version).Err()
}

// StockLevel reads the mirrored level; found is false when nothing was mirrored.
func (r *RedisAdapter) StockLevel(ctx context.Context, productID int64) (stock int, found bool, err error) {
	key := stockKeyPrefix + strconv.FormatInt(productID, 10)
	v, err := r.client.HGet(ctx, key, "stock").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	stock, err = strconv.Atoi(v)
	return stock, err == nil, err
}
