package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// releaseScript deletes a lock only if it still holds the caller's token, so
// a holder whose lock already expired cannot release someone else's.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript pushes a lock's expiry forward while the caller still holds it.
var extendScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisStore implements Store[S] and Locker on Redis.
//
// Each checkpoint is a JSON string under "<prefix><runID>"; the TTL option
// maps to native key expiry. Locks are "<prefix><runID>:lock" keys set with
// SET NX and a random token, so several processes can share sessions. A held
// lock is extended every third of its TTL until released; the TTL only bounds
// how long a crashed holder blocks others.
//
// The caller owns the Redis client lifecycle.
//
// Usage:
//
//	client := goredis.NewClient(&goredis.Options{Addr: "localhost:6379"})
//	st := store.NewRedisStore[MyState](client, store.WithTTL(time.Hour))
type RedisStore[S any] struct {
	client goredis.Cmdable
	opts   options
}

// NewRedisStore creates a new Redis-backed store.
func NewRedisStore[S any](client goredis.Cmdable, opts ...Option) *RedisStore[S] {
	return &RedisStore[S]{client: client, opts: applyOptions(opts)}
}

func (r *RedisStore[S]) key(runID string) string {
	return r.opts.keyPrefix + runID
}

// Save writes the checkpoint for cp.RunID and refreshes its expiry.
func (r *RedisStore[S]) Save(ctx context.Context, cp Checkpoint[S]) error {
	cp.UpdatedAt = r.opts.now()
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to marshal checkpoint: %w", err)
	}

	if err := r.client.Set(ctx, r.key(cp.RunID), data, r.opts.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save checkpoint: %w", err)
	}
	return nil
}

// Load returns the checkpoint for runID, or ErrNotFound.
func (r *RedisStore[S]) Load(ctx context.Context, runID string) (Checkpoint[S], error) {
	data, err := r.client.Get(ctx, r.key(runID)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return Checkpoint[S]{}, ErrNotFound
	}
	if err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}

	var cp Checkpoint[S]
	if err := json.Unmarshal(data, &cp); err != nil {
		return Checkpoint[S]{}, fmt.Errorf("failed to unmarshal checkpoint: %w", err)
	}
	return cp, nil
}

// Delete removes the checkpoint for runID.
func (r *RedisStore[S]) Delete(ctx context.Context, runID string) error {
	if err := r.client.Del(ctx, r.key(runID)).Err(); err != nil {
		return fmt.Errorf("failed to delete checkpoint: %w", err)
	}
	return nil
}

// Lock acquires "<prefix><key>:lock", polling until it is free or ctx is done.
func (r *RedisStore[S]) Lock(ctx context.Context, key string) (func(), error) {
	lockKey := r.key(key) + ":lock"
	token := uuid.NewString()

	ticker := time.NewTicker(r.opts.lockWait)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, lockKey, token, r.opts.lockTTL).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}
		if ok {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	stop := keepAlive(r.opts.lockTTL, func(ctx context.Context) error {
		return extendScript.Run(ctx, r.client, []string{lockKey}, token, r.opts.lockTTL.Milliseconds()).Err()
	})

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = releaseScript.Run(ctx, r.client, []string{lockKey}, token).Err()
		})
	}, nil
}

// Ping verifies the Redis connection is alive.
func (r *RedisStore[S]) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
