package trader

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"updown-pipeline/pkg/types"
)

// ArmingCache holds the single pending arming entry per epoch. It is
// Redis-backed (not an in-process map) so the TTL expiry named in §3
// ("expires ARM_MAX_AGE_MS after creation") is enforced by the same
// mechanism already used for the prediction cache, rather than hand-rolled
// background sweeping.
type ArmingCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewArmingCache wraps the shared Redis client; ttl should match
// trader.arm_max_age_ms.
func NewArmingCache(rdb *redis.Client, ttl time.Duration) *ArmingCache {
	return &ArmingCache{rdb: rdb, ttl: ttl}
}

func (c *ArmingCache) key(epoch int64) string {
	return fmt.Sprintf("arming:%d", epoch)
}

// Set stores entry for epoch, expiring after the configured TTL. Only one
// arming is ever stored per epoch (§4.J: "only one arming per epoch") —
// callers must check Has first.
func (c *ArmingCache) Set(ctx context.Context, epoch int64, entry types.ArmingEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("trader: marshal arming entry for %d: %w", epoch, err)
	}
	if err := c.rdb.Set(ctx, c.key(epoch), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("trader: store arming entry for %d: %w", epoch, err)
	}
	return nil
}

// Get returns the armed entry for epoch, or ok=false if none exists or it
// has expired.
func (c *ArmingCache) Get(ctx context.Context, epoch int64) (types.ArmingEntry, bool, error) {
	data, err := c.rdb.Get(ctx, c.key(epoch)).Bytes()
	if err == redis.Nil {
		return types.ArmingEntry{}, false, nil
	}
	if err != nil {
		return types.ArmingEntry{}, false, fmt.Errorf("trader: get arming entry for %d: %w", epoch, err)
	}
	var entry types.ArmingEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return types.ArmingEntry{}, false, fmt.Errorf("trader: unmarshal arming entry for %d: %w", epoch, err)
	}
	return entry, true, nil
}

// Has reports whether epoch already has an arming entry, without
// deserializing it.
func (c *ArmingCache) Has(ctx context.Context, epoch int64) (bool, error) {
	n, err := c.rdb.Exists(ctx, c.key(epoch)).Result()
	if err != nil {
		return false, fmt.Errorf("trader: check arming entry for %d: %w", epoch, err)
	}
	return n > 0, nil
}
