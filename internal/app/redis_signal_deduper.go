package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultDedupeTTL = 24 * time.Hour

// RedisSignalDeduper suppresses repeated webhook deliveries of the same signal across
// replicas before they reach the signal ledger.
type RedisSignalDeduper struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisSignalDeduper(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisSignalDeduper {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "settlement:signal_dedupe"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = defaultDedupeTTL
	}

	return &RedisSignalDeduper{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

// FirstSeen claims key and reports whether this caller is the first to see it. Without a
// client or key every delivery counts as first.
func (d *RedisSignalDeduper) FirstSeen(ctx context.Context, source, key string) (bool, error) {
	if d == nil || d.client == nil {
		return true, nil
	}
	redisKey, ok := d.key(source, key)
	if !ok {
		return true, nil
	}
	return d.client.SetNX(ctx, redisKey, time.Now().UTC().Unix(), d.ttl).Result()
}

// Release forgets key so a delivery that failed downstream can be retried.
func (d *RedisSignalDeduper) Release(ctx context.Context, source, key string) error {
	if d == nil || d.client == nil {
		return nil
	}
	redisKey, ok := d.key(source, key)
	if !ok {
		return nil
	}
	return d.client.Del(ctx, redisKey).Err()
}

func (d *RedisSignalDeduper) key(source, key string) (string, bool) {
	normalizedSource := strings.ToLower(strings.TrimSpace(source))
	normalizedKey := strings.TrimSpace(key)
	if normalizedKey == "" {
		return "", false
	}
	if normalizedSource == "" {
		normalizedSource = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s", d.prefix, normalizedSource, normalizedKey), true
}
