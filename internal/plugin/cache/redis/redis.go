package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/moodlog/conversation-store/internal/config"
	registrycache "github.com/moodlog/conversation-store/internal/registry/cache"
	goredis "github.com/redis/go-redis/v9"
)

const defaultTTL = time.Hour

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "redis",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrycache.PayloadCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil || cfg.RedisURL == "" {
		return nil, fmt.Errorf("redis cache: --redis-url is required")
	}
	return LoadFromURLWithTTL(ctx, cfg.RedisURL, cfg.CacheTTL)
}

// LoadFromURLWithTTL creates a payload cache from a Redis-compatible URL.
func LoadFromURLWithTTL(ctx context.Context, redisURL string, ttl time.Duration) (registrycache.PayloadCache, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis cache: invalid URL: %w", err)
	}
	return LoadFromOptionsWithTTL(ctx, opts, ttl)
}

// LoadFromOptionsWithTTL creates a payload cache from explicit client options.
func LoadFromOptionsWithTTL(ctx context.Context, opts *goredis.Options, ttl time.Duration) (registrycache.PayloadCache, error) {
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis cache: ping failed: %w", err)
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &redisPayloadCache{client: client, ttl: ttl}, nil
}

type redisPayloadCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func payloadKey(handle string) string {
	return "conv-payload:" + handle
}

func (c *redisPayloadCache) Available() bool {
	return true
}

func (c *redisPayloadCache) Get(ctx context.Context, handle string) ([]byte, error) {
	data, err := c.client.Get(ctx, payloadKey(handle)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (c *redisPayloadCache) Set(ctx context.Context, handle string, payload []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	return c.client.Set(ctx, payloadKey(handle), payload, ttl).Err()
}

func (c *redisPayloadCache) Remove(ctx context.Context, handle string) error {
	return c.client.Del(ctx, payloadKey(handle)).Err()
}

var _ registrycache.PayloadCache = (*redisPayloadCache)(nil)
