package local

import (
	"context"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/moodlog/conversation-store/internal/config"
	registrycache "github.com/moodlog/conversation-store/internal/registry/cache"
)

const defaultMaxCost = 64 << 20

func init() {
	registrycache.Register(registrycache.Plugin{
		Name:   "local",
		Loader: load,
	})
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func load(ctx context.Context) (registrycache.PayloadCache, error) {
	cfg := config.FromContext(ctx)
	if cfg == nil {
		return New(defaultMaxCost, 0)
	}
	return New(cfg.LocalCacheMaxCost, cfg.CacheTTL)
}

// New returns an in-process payload cache bounded by maxCost bytes.
func New(maxCost int64, ttl time.Duration) (registrycache.PayloadCache, error) {
	if maxCost <= 0 {
		maxCost = defaultMaxCost
	}
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		// Roughly 10x the expected item count for a 4KB average payload.
		NumCounters: max(maxCost/400, 1000),
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("local cache: %w", err)
	}
	return &localPayloadCache{cache: c, ttl: ttl}, nil
}

type localPayloadCache struct {
	cache *ristretto.Cache[string, []byte]
	ttl   time.Duration
}

func (c *localPayloadCache) Available() bool { return true }

func (c *localPayloadCache) Get(_ context.Context, handle string) ([]byte, error) {
	v, ok := c.cache.Get(handle)
	if !ok {
		return nil, nil
	}
	return v, nil
}

func (c *localPayloadCache) Set(_ context.Context, handle string, payload []byte, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	c.cache.SetWithTTL(handle, payload, int64(len(payload)), ttl)
	// Make the write visible to the next Get.
	c.cache.Wait()
	return nil
}

func (c *localPayloadCache) Remove(_ context.Context, handle string) error {
	c.cache.Del(handle)
	return nil
}

var _ registrycache.PayloadCache = (*localPayloadCache)(nil)
