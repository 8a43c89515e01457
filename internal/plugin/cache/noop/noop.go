package noop

import (
	"context"
	"time"

	"github.com/moodlog/conversation-store/internal/registry/cache"
)

func init() {
	cache.Register(cache.Plugin{
		Name: "none",
		Loader: func(ctx context.Context) (cache.PayloadCache, error) {
			return &noopPayloadCache{}, nil
		},
	})
}

type noopPayloadCache struct{}

func (n *noopPayloadCache) Available() bool { return false }
func (n *noopPayloadCache) Get(_ context.Context, _ string) ([]byte, error) {
	return nil, nil
}
func (n *noopPayloadCache) Set(_ context.Context, _ string, _ []byte, _ time.Duration) error {
	return nil
}
func (n *noopPayloadCache) Remove(_ context.Context, _ string) error { return nil }

var _ cache.PayloadCache = (*noopPayloadCache)(nil)
