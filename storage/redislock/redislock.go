// Package redislock provides a Redis-backed subquota.Locker so that only
// one instance normally runs the expiry sweep. The lock is a plain
// SET NX PX key with a random token; release checks the token so an
// expired lock taken over by another instance is never deleted.
package redislock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long a held lock survives a crashed holder.
const DefaultTTL = 2 * time.Minute

// releaseScript deletes the lock only when the stored token matches.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// Locker implements subquota.Locker on Redis.
type Locker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
	token  string
}

// Config holds lock configuration.
type Config struct {
	// Key is the Redis key for the lock (default: "subquota:sweep_lock").
	Key string

	// TTL is the lock expiry (default: DefaultTTL). Must exceed the
	// longest expected sweep run.
	TTL time.Duration
}

// New creates a Redis-backed locker.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring.
func New(client redis.UniversalClient, config Config) (*Locker, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if config.Key == "" {
		config.Key = "subquota:sweep_lock"
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}

	return &Locker{
		client: client,
		key:    config.Key,
		ttl:    config.TTL,
		token:  uuid.NewString(),
	}, nil
}

// TryAcquire implements subquota.Locker.
func (l *Locker) TryAcquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire sweep lock: %w", err)
	}
	return ok, nil
}

// Release implements subquota.Locker. Releasing a lock this instance does
// not hold is a no-op.
func (l *Locker) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil {
		return fmt.Errorf("failed to release sweep lock: %w", err)
	}
	return nil
}
