// Package locks provides a Redis-backed lease lock used to keep engine
// batch runs exclusive across runner replicas.
package locks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// ErrNotHeld is returned by Release and Refresh when the lease is no
// longer owned by this lock, usually because it expired and another
// runner acquired it.
var ErrNotHeld = errors.New("lock is not held")

// releaseScript deletes the key only when the stored token still
// matches, so an expired lease taken over by another runner is never
// released by the previous owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLock is a single-holder lease on a Redis key. Each instance
// carries its own token, so two locks on the same key never release
// each other.
type RedisLock struct {
	client redis.UniversalClient
	key    string
	token  string
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisLock(addr, key string, ttl time.Duration, logger *slog.Logger) (*RedisLock, error) {
	if key == "" {
		return nil, errors.New("lock key is required")
	}

	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{Addr: addr})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := client.Ping(pingCtx).Err()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisLock{
		client: client,
		key:    key,
		token:  uuid.New().String(),
		ttl:    ttl,
		logger: logger.With("module", "locks", "key", key),
	}, nil
}

// TryAcquire attempts to take the lease. It returns false without an
// error when another runner currently holds it.
func (l *RedisLock) TryAcquire(ctx context.Context) (bool, error) {
	acquired, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	if acquired {
		l.logger.DebugContext(ctx, "Lock acquired", "ttl", l.ttl)
	}

	return acquired, nil
}

// Refresh extends the lease by the configured TTL. It fails with
// ErrNotHeld when the lease expired in the meantime.
func (l *RedisLock) Refresh(ctx context.Context) error {
	ok, err := refreshScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to refresh lock: %w", err)
	}

	if ok == 0 {
		return ErrNotHeld
	}

	return nil
}

func (l *RedisLock) Release(ctx context.Context) error {
	ok, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if ok == 0 {
		return ErrNotHeld
	}

	l.logger.DebugContext(ctx, "Lock released")

	return nil
}

func (l *RedisLock) Close() error {
	return l.client.Close()
}
