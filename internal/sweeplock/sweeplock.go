// Package sweeplock coordinates cleanup sweeps across quotad instances with a
// Redis lease so only one instance sweeps per interval.
package sweeplock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultKey = "mediaquota:sweep:lock"

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrNotHeld is returned by Release when the lease expired or was taken over.
var ErrNotHeld = errors.New("sweeplock: lease not held")

// Locker acquires short leases. Implementations must be safe for concurrent use.
type Locker interface {
	Acquire(ctx context.Context, ttl time.Duration) (Lease, bool, error)
}

// Lease is a held lock.
type Lease interface {
	Release(ctx context.Context) error
}

// RedisLocker implements Locker with SET NX PX and a compare-and-delete release.
type RedisLocker struct {
	client redis.UniversalClient
	key    string
}

// NewRedisLocker returns a RedisLocker. An empty key uses the default.
func NewRedisLocker(client redis.UniversalClient, key string) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("sweeplock: redis client is nil")
	}
	if key == "" {
		key = defaultKey
	}
	return &RedisLocker{client: client, key: key}, nil
}

// NewClient parses a redis:// URL.
func NewClient(redisURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("sweeplock: parse redis url: %w", err)
	}
	return redis.NewClient(options), nil
}

// Acquire tries once. It reports false without error when another holder has the lease.
func (locker *RedisLocker) Acquire(ctx context.Context, ttl time.Duration) (Lease, bool, error) {
	if ttl <= 0 {
		return nil, false, fmt.Errorf("sweeplock: ttl must be positive")
	}
	token := uuid.NewString()
	acquired, err := locker.client.SetNX(ctx, locker.key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sweeplock: acquire: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return &redisLease{client: locker.client, key: locker.key, token: token}, true, nil
}

type redisLease struct {
	client redis.UniversalClient
	key    string
	token  string
}

func (lease *redisLease) Release(ctx context.Context) error {
	deleted, err := releaseScript.Run(ctx, lease.client, []string{lease.key}, lease.token).Int64()
	if err != nil {
		return fmt.Errorf("sweeplock: release: %w", err)
	}
	if deleted == 0 {
		return ErrNotHeld
	}
	return nil
}
