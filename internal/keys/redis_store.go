package keys

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "scoregate:key:"

// reserveTripleScript consumes three used-key entries atomically: if any of
// the three already exists nothing is written and 0 is returned.
var reserveTripleScript = redis.NewScript(`
for i = 1, 3 do
	if redis.call("EXISTS", KEYS[i]) == 1 then
		return 0
	end
end
for i = 1, 3 do
	redis.call("SET", KEYS[i], 1, "PX", ARGV[1])
end
return 1
`)

// RedisStore is a shared used-key set backed by Redis. The triple
// reservation runs as a Lua script, which Redis executes atomically.
type RedisStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisStore creates a Redis-backed used-key store. Retention should
// exceed the key freshness window so a key cannot outlive its used-set entry.
func NewRedisStore(client *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{client: client, retention: retention}
}

func redisKey(kind Kind, key string) string {
	return keyPrefix + string(kind) + ":" + key
}

// Used reports whether the key string was already consumed.
func (s *RedisStore) Used(ctx context.Context, kind Kind, key string) (bool, error) {
	n, err := s.client.Exists(ctx, redisKey(kind, key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReserveTriple consumes all three key strings in one atomic script call.
func (s *RedisStore) ReserveTriple(ctx context.Context, t Triple, _ time.Time) error {
	ks := []string{
		redisKey(KindTemporal, t.TemporalKey),
		redisKey(KindPayload, t.PayloadKey),
		redisKey(KindIdentity, t.IdentityKey),
	}
	ok, err := reserveTripleScript.Run(ctx, s.client, ks, s.retention.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if ok != 1 {
		return ErrTripleReplayed
	}
	return nil
}

// SweepExpired is a no-op: Redis expires keys by TTL.
func (s *RedisStore) SweepExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

var _ Store = (*RedisStore)(nil)
