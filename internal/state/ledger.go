// Package state keeps detection dedup claims in Redis.
package state

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/telhawk-systems/telhawk-respond/internal/models"
)

const keyPrefix = "respond:detection:"

// DefaultTimeout bounds each Redis round trip when none is configured.
const DefaultTimeout = 2 * time.Second

// RedisLedger records fired detection keys with SET NX and a TTL, so a key
// is held until it expires or is released.
type RedisLedger struct {
	redis   *redis.Client
	timeout time.Duration
}

// NewRedisLedger creates a ledger on an existing client.
func NewRedisLedger(client *redis.Client, timeout time.Duration) *RedisLedger {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &RedisLedger{redis: client, timeout: timeout}
}

// NewClient parses a redis:// URL and verifies the server is reachable.
func NewClient(ctx context.Context, url string, timeout time.Duration) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

// Claim takes key for ttl. It returns false when the key is already held.
func (l *RedisLedger) Claim(ctx context.Context, key models.DetectionKey, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	ok, err := l.redis.SetNX(ctx, redisKey(key), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to claim detection: %w", err)
	}
	return ok, nil
}

// Release drops a claim so the detection may fire again.
func (l *RedisLedger) Release(ctx context.Context, key models.DetectionKey) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	if err := l.redis.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to release detection: %w", err)
	}
	return nil
}

// Prune is a no-op: Redis expires claims on its own.
func (l *RedisLedger) Prune(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Ping checks the Redis connection.
func (l *RedisLedger) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	return l.redis.Ping(ctx).Err()
}

// redisKey hashes the bucket key, which may be arbitrary user data.
func redisKey(key models.DetectionKey) string {
	hash := sha256.Sum256([]byte(key.BucketKey))
	return fmt.Sprintf("%s%s:%s:%d", keyPrefix, key.RuleID, hex.EncodeToString(hash[:8]), key.WindowStart.Unix())
}
