package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "figwatch:dedup:task:"

// Deduplicator suppresses duplicate task submissions inside a TTL window.
//
// The api and the periodic dispatcher both submit work; hashing the task
// fingerprint (name plus canonical args) into a SETNX key keeps the same
// request from queueing twice while one is already in flight.
type Deduplicator struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewDeduplicator(rdb *redis.Client, ttl time.Duration) *Deduplicator {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Deduplicator{
		rdb: rdb,
		ttl: ttl,
	}
}

// IsDuplicate registers the fingerprint and reports whether it was already
// present. A nil receiver or empty fingerprint never dedups.
func (d *Deduplicator) IsDuplicate(ctx context.Context, fingerprint string) (bool, error) {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return false, nil
	}
	key := keyPrefix + hashFingerprint(fingerprint)
	ok, err := d.rdb.SetNX(ctx, key, "1", d.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup setnx: %w", err)
	}
	return !ok, nil
}

// Delete clears a fingerprint, allowing immediate resubmission.
func (d *Deduplicator) Delete(ctx context.Context, fingerprint string) error {
	if d == nil || d.rdb == nil || fingerprint == "" {
		return nil
	}
	key := keyPrefix + hashFingerprint(fingerprint)
	if err := d.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("dedup del: %w", err)
	}
	return nil
}

func hashFingerprint(fingerprint string) string {
	sum := sha256.Sum256([]byte(fingerprint))
	return hex.EncodeToString(sum[:])
}
