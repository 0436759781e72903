package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"warden/internal/constants"
)

// RedisRepository backs the durable layer with Redis. SET NX gives the
// same claim-if-absent semantics as the Postgres upsert, and key TTLs
// replace the periodic sweep.
type RedisRepository struct {
	client *redis.Client
}

func NewRedisRepository(client *redis.Client) *RedisRepository {
	return &RedisRepository{client: client}
}

func (r *RedisRepository) MarkIfAbsent(ctx context.Context, rec Record) (bool, error) {
	ttl := rec.ExpiresAt.Sub(rec.CreatedAt)
	if ttl <= 0 {
		ttl = time.Second
	}

	value := rec.Type + ":" + rec.MessageID
	success, err := r.client.SetNX(ctx, constants.DedupCachePrefix+rec.Key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis SetNX failed: %w", err)
	}
	return success, nil
}

// DeleteExpired is a no-op: Redis reclaims keys through TTL.
func (r *RedisRepository) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	return 0, nil
}

// Size counts live dedup keys. Scan-based, so only suitable for the
// stats endpoint, not hot paths.
func (r *RedisRepository) Size(ctx context.Context) (int, error) {
	iter := r.client.Scan(ctx, 0, constants.DedupCachePrefix+"*", 0).Iterator()
	count := 0
	for iter.Next(ctx) {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		count++
	}
	if err := iter.Err(); err != nil {
		return 0, fmt.Errorf("redis scan failed: %w", err)
	}
	return count, nil
}
