package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "orchestrator:ratelimit:"

// RedisBackend implements the sliding window on a shared key-value store so
// limits hold across replicas. Each bucket is a sorted set of hit
// timestamps scored in unix milliseconds.
type RedisBackend struct {
	client redis.UniversalClient
	now    func() time.Time
}

// NewRedisBackend wraps an existing client.
func NewRedisBackend(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client, now: time.Now}
}

// Allow implements Backend.
func (b *RedisBackend) Allow(ctx context.Context, key string, limit Limit) (Result, error) {
	now := b.now()
	nowMS := now.UnixMilli()
	cutoffMS := now.Add(-limit.Window).UnixMilli()
	redisKey := redisKeyPrefix + key

	pipe := b.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "-inf", strconv.FormatInt(cutoffMS, 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("evaluating rate limit bucket: %w", err)
	}

	if int(countCmd.Val()) >= limit.Max {
		retryAfter := limit.Window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			oldestAt := time.UnixMilli(int64(oldest[0].Score))
			retryAfter = oldestAt.Add(limit.Window).Sub(now)
			if retryAfter < 0 {
				retryAfter = 0
			}
		}
		return Result{RetryAfter: retryAfter}, nil
	}

	record := b.client.TxPipeline()
	record.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(nowMS),
		Member: uuid.New().String(),
	})
	record.PExpire(ctx, redisKey, limit.Window)
	if _, err := record.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("recording rate limit hit: %w", err)
	}
	return Result{Allowed: true}, nil
}
