package nonce

import (
	"context"
	"fmt"
	"time"

	identity "github.com/goliatone/go-identity"
	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "identity:nonce:"

// RedisStore keeps nonces in Redis so every instance behind a load balancer
// sees the same set.
type RedisStore struct {
	client redis.Cmdable
	prefix string
}

var _ identity.NonceStore = (*RedisStore)(nil)

// NewRedisStore returns a store using client. An empty prefix selects the
// default key prefix.
func NewRedisStore(client redis.Cmdable, prefix string) *RedisStore {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (r *RedisStore) key(nonce string) string {
	return r.prefix + nonce
}

// Remember stores nonce with ttl. Reusing a live nonce is an error.
func (r *RedisStore) Remember(ctx context.Context, nonce string, ttl time.Duration) error {
	if nonce == "" {
		return fmt.Errorf("nonce: empty value")
	}
	ok, err := r.client.SetNX(ctx, r.key(nonce), 1, ttl).Result()
	if err != nil {
		return fmt.Errorf("nonce: remember: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNonceInUse, nonce)
	}
	return nil
}

// Consume deletes nonce and reports whether this call removed it.
func (r *RedisStore) Consume(ctx context.Context, nonce string) (bool, error) {
	n, err := r.client.Del(ctx, r.key(nonce)).Result()
	if err != nil {
		return false, fmt.Errorf("nonce: consume: %w", err)
	}
	return n == 1, nil
}

// Ping checks connectivity with a short timeout.
func Ping(ctx context.Context, client redis.Cmdable) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return client.Ping(ctx).Err()
}
