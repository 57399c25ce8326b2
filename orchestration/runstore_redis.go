package orchestration

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/core"
)

// RedisStorageProvider backs the run store with Redis: plain keys for the
// records, one sorted set per index. The go-redis client pools connections
// and is safe for concurrent use.
type RedisStorageProvider struct {
	client *redis.Client
	logger core.Logger
}

// NewRedisStorageProvider connects to Redis and verifies the connection.
// The URL accepts both redis:// form and a bare host:port address.
func NewRedisStorageProvider(redisURL string, logger core.Logger) (*RedisStorageProvider, error) {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		// Treat it as a plain address; REDIS_URL is often just host:port.
		opts = &redis.Options{Addr: redisURL}
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed at %s: %w\n"+
			"Hint: check WEFT_REDIS_URL or run without it to use in-memory storage", opts.Addr, err)
	}

	logger.Info("Redis storage connected", map[string]interface{}{
		"operation":  "runstore",
		"redis_addr": opts.Addr,
	})
	return &RedisStorageProvider{client: client, logger: logger}, nil
}

func (p *RedisStorageProvider) Get(ctx context.Context, key string) (string, error) {
	val, err := p.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("redis get %s: %w", key, err)
	}
	return val, nil
}

func (p *RedisStorageProvider) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := p.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (p *RedisStorageProvider) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := p.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (p *RedisStorageProvider) Exists(ctx context.Context, key string) (bool, error) {
	n, err := p.client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", key, err)
	}
	return n > 0, nil
}

func (p *RedisStorageProvider) AddToIndex(ctx context.Context, key string, score float64, member string) error {
	if err := p.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("redis zadd %s: %w", key, err)
	}
	return nil
}

func (p *RedisStorageProvider) ListByScoreDesc(ctx context.Context, key string, min, max string, offset, count int64) ([]string, error) {
	members, err := p.client.ZRevRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:    min,
		Max:    max,
		Offset: offset,
		Count:  count,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis zrevrangebyscore %s: %w", key, err)
	}
	return members, nil
}

func (p *RedisStorageProvider) RemoveFromIndex(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := p.client.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis zrem %s: %w", key, err)
	}
	return nil
}

// Close releases the client's connection pool.
func (p *RedisStorageProvider) Close() error {
	return p.client.Close()
}
