package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"tokopos/backend/internal/domain"
)

// RedisReportCache namespaces report keys under a per-business generation
// counter. Invalidation bumps the counter, which orphans every older key;
// the orphans age out via TTL.
type RedisReportCache struct {
	client *redis.Client
}

func NewRedisReportCache(addr string, password string, db int) *RedisReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisReportCache{client: client}
}

func (c *RedisReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisReportCache) Get(ctx context.Context, businessID, key string) (*domain.AggregateReport, bool, error) {
	gen, err := c.generation(ctx, businessID)
	if err != nil {
		return nil, false, err
	}

	val, err := c.client.Get(ctx, reportKey(businessID, gen, key)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.AggregateReport
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisReportCache) Set(ctx context.Context, businessID, key string, value *domain.AggregateReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	gen, err := c.generation(ctx, businessID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, reportKey(businessID, gen, key), payload, ttl).Err()
}

func (c *RedisReportCache) Invalidate(ctx context.Context, businessID string) error {
	return c.client.Incr(ctx, generationKey(businessID)).Err()
}

func (c *RedisReportCache) generation(ctx context.Context, businessID string) (int64, error) {
	gen, err := c.client.Get(ctx, generationKey(businessID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return gen, nil
}

func generationKey(businessID string) string {
	return fmt.Sprintf("report-gen:%s", businessID)
}

func reportKey(businessID string, gen int64, key string) string {
	return fmt.Sprintf("report:%s:%d:%s", businessID, gen, key)
}
