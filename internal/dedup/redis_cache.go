package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "scoregate:dedup:"

// pendingMarker is the stored value while a submission is in flight.
const pendingMarker = "pending"

// lookupScript returns the current value for the fingerprint, or reserves
// it and returns nothing. GET and SET run in one script so two concurrent
// requests cannot both reserve.
var lookupScript = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	return v
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return false
`)

// resolveScript keeps the TTL set at reservation time, so the dedup window
// is measured from first sight of the fingerprint, not from resolution.
var resolveScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
	redis.call("SET", KEYS[1], ARGV[1], "KEEPTTL")
else
	redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
end
return 1
`)

// RedisCache is the shared-store Cache for multi-instance deployments.
// Expiry is delegated to key TTLs, so SweepExpired is a no-op.
type RedisCache struct {
	client *redis.Client
	window time.Duration
}

func NewRedisCache(client *redis.Client, window time.Duration) *RedisCache {
	return &RedisCache{client: client, window: window}
}

func (c *RedisCache) LookupOrReserve(ctx context.Context, fingerprint string, now time.Time) (Lookup, error) {
	raw, err := lookupScript.Run(ctx, c.client,
		[]string{redisKeyPrefix + fingerprint},
		pendingMarker, c.window.Milliseconds(),
	).Text()
	if errors.Is(err, redis.Nil) {
		return Lookup{Reserved: true}, nil
	}
	if err != nil {
		return Lookup{}, fmt.Errorf("dedup lookup: %w", err)
	}
	if raw == pendingMarker {
		return Lookup{Pending: true}, nil
	}

	var out Outcome
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return Lookup{}, fmt.Errorf("dedup lookup: decode outcome: %w", err)
	}
	return Lookup{Outcome: out}, nil
}

func (c *RedisCache) Resolve(ctx context.Context, fingerprint string, out Outcome) error {
	payload, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("dedup resolve: encode outcome: %w", err)
	}
	if err := resolveScript.Run(ctx, c.client,
		[]string{redisKeyPrefix + fingerprint},
		string(payload), c.window.Milliseconds(),
	).Err(); err != nil {
		return fmt.Errorf("dedup resolve: %w", err)
	}
	return nil
}

func (c *RedisCache) Release(ctx context.Context, fingerprint string) error {
	if err := c.client.Del(ctx, redisKeyPrefix+fingerprint).Err(); err != nil {
		return fmt.Errorf("dedup release: %w", err)
	}
	return nil
}

func (c *RedisCache) SweepExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}
