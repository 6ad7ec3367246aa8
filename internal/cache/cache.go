// Package cache wraps Redis behind a small interface so repositories can be
// tested against miniredis and the client swapped without touching callers.
package cache

import (
	"context"
	"crypto/rand"
	"math/big"
	"time"
)

// Cache is the Redis surface the task lifecycle and queue layers use.
type Cache interface {
	Ping(ctx context.Context) error
	Close() error

	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, keys ...string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Incr(ctx context.Context, key string) (int64, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]interface{}) error

	ZAdd(ctx context.Context, key string, members ...ZMember) error
	ZRem(ctx context.Context, key string, members ...string) error
	ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error)
	ZCard(ctx context.Context, key string) (int64, error)

	// Eval runs a Lua script. Scripts keep multi-key updates atomic without
	// client-side locking.
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) (interface{}, error)
}

// ZMember is one sorted set member with its score.
type ZMember struct {
	Score  float64
	Member string
}

// JitterTTL shaves up to 10% off a TTL so keys written together do not
// expire together.
func JitterTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	maxJitter := int64(ttl / 10)
	if maxJitter <= 0 {
		return ttl
	}
	n, err := rand.Int(rand.Reader, big.NewInt(maxJitter+1))
	if err != nil {
		return ttl
	}
	return ttl - time.Duration(n.Int64())
}
