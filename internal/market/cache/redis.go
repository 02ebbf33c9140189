package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/dealscan/internal/deal"
	"github.com/JakeFAU/dealscan/internal/market"
)

const keyPrefix = "dealscan:market:"

type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// Redis shares cached stats between processes.
type Redis struct {
	client redisClient
	ttl    time.Duration
}

// NewRedis connects to addr.
func NewRedis(addr string, ttl time.Duration) (*Redis, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}
	return newRedis(redis.NewClient(&redis.Options{Addr: addr}), ttl), nil
}

func newRedis(client redisClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl}
}

// Get returns the stats cached for query.
func (r *Redis) Get(ctx context.Context, query string) (deal.PriceStats, bool, error) {
	raw, err := r.client.Get(ctx, redisKey(query)).Bytes()
	if errors.Is(err, redis.Nil) {
		return deal.PriceStats{}, false, nil
	}
	if err != nil {
		return deal.PriceStats{}, false, fmt.Errorf("redis get: %w", err)
	}
	var stats deal.PriceStats
	if err := json.Unmarshal(raw, &stats); err != nil {
		return deal.PriceStats{}, false, fmt.Errorf("decode cached stats: %w", err)
	}
	return stats, true, nil
}

// Set stores stats for query with the configured TTL.
func (r *Redis) Set(ctx context.Context, query string, stats deal.PriceStats) error {
	raw, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(query), raw, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Close releases the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func redisKey(query string) string {
	return keyPrefix + market.CacheKey(query)
}
