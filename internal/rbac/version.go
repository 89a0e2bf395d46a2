package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/redis/go-redis/v9"
)

// DefaultVersionKey is the Redis key holding the global permission version.
const DefaultVersionKey = "rbac:permissions_version"

// VersionSource exposes the global permission version. Any change to an
// assignment or to the item graph bumps it, which invalidates every session
// snapshot at once.
type VersionSource interface {
	Current(ctx context.Context) (int64, error)
	Bump(ctx context.Context) (int64, error)
}

// RedisVersion keeps the version in a Redis counter shared by all processes.
type RedisVersion struct {
	client redis.Cmdable
	key    string
}

// NewRedisVersion constructs a RedisVersion. An empty key selects DefaultVersionKey.
func NewRedisVersion(client redis.Cmdable, key string) *RedisVersion {
	if key == "" {
		key = DefaultVersionKey
	}
	return &RedisVersion{client: client, key: key}
}

// Current returns the stored version, zero when it was never bumped.
func (v *RedisVersion) Current(ctx context.Context) (int64, error) {
	n, err := v.client.Get(ctx, v.key).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("rbac: read version: %w", err)
	}
	return n, nil
}

// Bump atomically increments the version.
func (v *RedisVersion) Bump(ctx context.Context) (int64, error) {
	n, err := v.client.Incr(ctx, v.key).Result()
	if err != nil {
		return 0, fmt.Errorf("rbac: bump version: %w", err)
	}
	return n, nil
}

// MemoryVersion is an in-process VersionSource for single-node setups and tests.
type MemoryVersion struct {
	n atomic.Int64
}

// Current implements VersionSource.
func (v *MemoryVersion) Current(context.Context) (int64, error) {
	return v.n.Load(), nil
}

// Bump implements VersionSource.
func (v *MemoryVersion) Bump(context.Context) (int64, error) {
	return v.n.Add(1), nil
}
