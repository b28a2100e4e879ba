package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clearpath-legal/kestrel/internal/domain"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, c.makeKey(key)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, c.makeKey(key), value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.makeKey(key)).Err()
}

// GetTimeline retrieves a cached visa-type timeline.
func (c *RedisCache) GetTimeline(ctx context.Context, visaTypeID string) (*domain.TimelineCache, error) {
	data, err := c.Get(ctx, timelineKey+visaTypeID)
	if err != nil || data == nil {
		return nil, err
	}

	var tc domain.TimelineCache
	if err := json.Unmarshal(data, &tc); err != nil {
		return nil, err
	}
	return &tc, nil
}

// SetTimeline caches a visa-type timeline.
func (c *RedisCache) SetTimeline(ctx context.Context, visaTypeID string, data *domain.TimelineCache, ttl time.Duration) error {
	bytes, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return c.Set(ctx, timelineKey+visaTypeID, bytes, ttl)
}

// InvalidateTimeline drops a cached visa-type timeline.
func (c *RedisCache) InvalidateTimeline(ctx context.Context, visaTypeID string) error {
	return c.Delete(ctx, timelineKey+visaTypeID)
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(key string) string {
	return "kestrel:" + key
}
