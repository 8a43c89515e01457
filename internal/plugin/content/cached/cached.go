// Package cached serves content store fetches from a payload cache. Handles
// are content addresses, so an entry is valid for as long as it is pinned.
package cached

import (
	"context"

	"github.com/charmbracelet/log"
	registrycache "github.com/moodlog/conversation-store/internal/registry/cache"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	"github.com/moodlog/conversation-store/internal/security"
)

// Store decorates a ContentStore with a PayloadCache. Cache failures are
// logged and never fail the call.
type Store struct {
	inner registrycontent.ContentStore
	cache registrycache.PayloadCache
}

// Wrap returns inner unchanged when the cache is nil or unavailable.
func Wrap(inner registrycontent.ContentStore, cache registrycache.PayloadCache) registrycontent.ContentStore {
	if cache == nil || !cache.Available() {
		return inner
	}
	return &Store{inner: inner, cache: cache}
}

func (s *Store) Store(ctx context.Context, name string, payload []byte, tags map[string]string) (*registrycontent.Pin, error) {
	pin, err := s.inner.Store(ctx, name, payload, tags)
	if err != nil {
		return nil, err
	}
	s.put(ctx, pin.Handle, payload)
	return pin, nil
}

func (s *Store) Fetch(ctx context.Context, handle string) ([]byte, error) {
	data, err := s.cache.Get(ctx, handle)
	if err != nil {
		log.Warn("Payload cache get failed", "handle", handle, "err", err)
	}
	if data != nil {
		security.IncCacheHit()
		return data, nil
	}
	security.IncCacheMiss()

	data, err = s.inner.Fetch(ctx, handle)
	if err != nil || data == nil {
		return data, err
	}
	s.put(ctx, handle, data)
	return data, nil
}

func (s *Store) Unpin(ctx context.Context, handle string) error {
	if err := s.cache.Remove(ctx, handle); err != nil {
		log.Warn("Payload cache remove failed", "handle", handle, "err", err)
	}
	return s.inner.Unpin(ctx, handle)
}

// ListByOwner always goes to the backing store; the tag index is mutable.
func (s *Store) ListByOwner(ctx context.Context, ownerID string) ([]registrycontent.Pin, error) {
	return s.inner.ListByOwner(ctx, ownerID)
}

func (s *Store) put(ctx context.Context, handle string, payload []byte) {
	if err := s.cache.Set(ctx, handle, payload, 0); err != nil {
		log.Warn("Payload cache set failed", "handle", handle, "err", err)
	}
}

var _ registrycontent.ContentStore = (*Store)(nil)
