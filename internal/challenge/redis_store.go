package challenge

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const noncePrefix = "scoregate:nonce:"

// RedisNonceStore is a shared used-nonce set backed by Redis. Multiple
// validating processes can point at the same instance; SETNX gives the same
// exactly-one-wins guarantee the in-memory store provides with its mutex.
type RedisNonceStore struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedisNonceStore creates a Redis-backed used-nonce set. Retention should
// cover the challenge validity window plus clock skew; after that a nonce can
// no longer validate, so the key may lapse.
func NewRedisNonceStore(client *redis.Client, retention time.Duration) *RedisNonceStore {
	return &RedisNonceStore{client: client, retention: retention}
}

// Reserve marks the nonce used via SETNX. A nonce that is already present
// reports ErrReplayed.
func (s *RedisNonceStore) Reserve(ctx context.Context, nonce string, _ time.Time) error {
	ok, err := s.client.SetNX(ctx, noncePrefix+nonce, 1, s.retention).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrReplayed
	}
	return nil
}

// SweepExpired is a no-op: Redis expires keys by TTL.
func (s *RedisNonceStore) SweepExpired(context.Context, time.Time, int) (int, error) {
	return 0, nil
}

var _ NonceStore = (*RedisNonceStore)(nil)
