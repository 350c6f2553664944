package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces dedup reservations in the shared keyspace.
const keyPrefix = "orchestrator:dedup:"

// RedisService is the cluster-wide dedup backend. Reservations use SET NX
// with a TTL so a crashed pod cannot hold a key indefinitely.
type RedisService struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewRedisService creates a shared dedup set backed by redis. ttl must be
// positive; it caps reservation lifetime across pod crashes.
func NewRedisService(client redis.UniversalClient, ttl time.Duration) *RedisService {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisService{client: client, ttl: ttl}
}

// TryReserve implements Service.
func (s *RedisService) TryReserve(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, keyPrefix+key, "1", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("reserving dedup key: %w", err)
	}
	return ok, nil
}

// Release implements Service.
func (s *RedisService) Release(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("releasing dedup key: %w", err)
	}
	return nil
}

// IsReserved implements Service.
func (s *RedisService) IsReserved(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("checking dedup key: %w", err)
	}
	return n > 0, nil
}
