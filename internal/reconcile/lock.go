package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// epochLockPrefix namespaces the distributed lock key; a key of
// "processing:epoch:419131" being held means some worker owns that epoch's
// sync right now, across all three (forward/backward/gap) workers and any
// other process sharing the same Redis.
const epochLockPrefix = "processing:epoch:"

// Lock is a Redis SETNX+EX distributed mutex, one instance per epoch, held
// only for the duration of one FETCH-through-VERIFY_WRITE pass. It is the
// single arbiter preventing the forward, backward, and gap workers from
// racing to sync the same epoch twice.
type Lock struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLock wraps an existing Redis client with the configured lease TTL.
func NewLock(rdb *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	return &Lock{rdb: rdb, ttl: ttl}
}

// TryAcquire attempts to claim the lock for epoch, returning false (no
// error) if another worker already holds it — the caller's correct
// response is to SKIP, not retry immediately.
func (l *Lock) TryAcquire(ctx context.Context, epoch int64) (bool, error) {
	key := lockKey(epoch)
	ok, err := l.rdb.SetNX(ctx, key, 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reconcile: acquire lock for %d: %w", epoch, err)
	}
	return ok, nil
}

// Release drops the lock early, once the epoch's sync has actually
// finished (success or terminal failure) rather than waiting out the TTL.
func (l *Lock) Release(ctx context.Context, epoch int64) error {
	if err := l.rdb.Del(ctx, lockKey(epoch)).Err(); err != nil {
		return fmt.Errorf("reconcile: release lock for %d: %w", epoch, err)
	}
	return nil
}

func lockKey(epoch int64) string {
	return fmt.Sprintf("%s%d", epochLockPrefix, epoch)
}
