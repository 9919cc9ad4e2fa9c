package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"communityhub/backend/services/credits-service/internal/models"
)

// generationTTL bounds how long an idle generation counter is kept.
const generationTTL = 24 * time.Hour

// setIfGeneration writes KEYS[1] only while KEYS[2] still holds the generation the caller
// read before loading the balance.
var setIfGeneration = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[2] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[1])
end
return 1
`)

// BalanceCache is a read-through cache of credit balances. It is never authoritative:
// entries are dropped after every ledger mutation and expire after ttl. Every invalidation
// bumps a per-key generation so a fill that raced with a mutation is discarded.
type BalanceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewBalanceCache returns redis-backed cache.
func NewBalanceCache(client *redis.Client, ttl time.Duration) *BalanceCache {
	return &BalanceCache{client: client, ttl: ttl}
}

func (c *BalanceCache) key(userID int64, creditType models.CreditType) string {
	return fmt.Sprintf("credits:balance:%d:%s", userID, creditType)
}

func (c *BalanceCache) generationKey(userID int64, creditType models.CreditType) string {
	return c.key(userID, creditType) + ":gen"
}

// Get returns the cached balance. On a miss it returns redis.Nil and the generation
// to hand to Set once the balance was loaded from storage.
func (c *BalanceCache) Get(ctx context.Context, userID int64, creditType models.CreditType) (int64, int64, error) {
	values, err := c.client.MGet(ctx, c.key(userID, creditType), c.generationKey(userID, creditType)).Result()
	if err != nil {
		return 0, 0, err
	}

	gen, err := parseInt(values[1])
	if err != nil {
		return 0, 0, fmt.Errorf("balance cache generation: %w", err)
	}
	if values[0] == nil {
		return 0, gen, redis.Nil
	}
	balance, err := parseInt(values[0])
	if err != nil {
		return 0, gen, fmt.Errorf("balance cache value: %w", err)
	}
	return balance, gen, nil
}

// Set caches balance unless the entry was invalidated after gen was read.
// It reports whether the value was stored.
func (c *BalanceCache) Set(ctx context.Context, userID int64, creditType models.CreditType, balance, gen int64) (bool, error) {
	keys := []string{c.key(userID, creditType), c.generationKey(userID, creditType)}
	stored, err := setIfGeneration.Run(ctx, c.client, keys, balance, gen, c.ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return stored == 1, nil
}

// Invalidate removes a cached balance and starts a new generation.
func (c *BalanceCache) Invalidate(ctx context.Context, userID int64, creditType models.CreditType) error {
	genKey := c.generationKey(userID, creditType)
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, genKey)
		pipe.Expire(ctx, genKey, generationTTL)
		pipe.Del(ctx, c.key(userID, creditType))
		return nil
	})
	return err
}

func parseInt(value interface{}) (int64, error) {
	switch v := value.(type) {
	case nil:
		return 0, nil
	case string:
		return strconv.ParseInt(v, 10, 64)
	default:
		return 0, errors.New("unexpected reply type")
	}
}
