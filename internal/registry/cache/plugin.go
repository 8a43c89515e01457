package cache

import (
	"context"
	"fmt"
	"time"
)

type payloadCacheKey struct{}

// WithPayloadCacheContext returns a new context carrying the given PayloadCache.
func WithPayloadCacheContext(ctx context.Context, c PayloadCache) context.Context {
	return context.WithValue(ctx, payloadCacheKey{}, c)
}

// PayloadCacheFromContext retrieves the PayloadCache from the context.
// Returns nil if none was set.
func PayloadCacheFromContext(ctx context.Context) PayloadCache {
	c, _ := ctx.Value(payloadCacheKey{}).(PayloadCache)
	return c
}

// PayloadCache caches content store payloads by content handle. Handles are
// derived from the payload, so a cached entry can never go stale; it can only
// outlive its pin.
type PayloadCache interface {
	Available() bool
	// Get returns nil, nil on a miss.
	Get(ctx context.Context, handle string) ([]byte, error)
	Set(ctx context.Context, handle string, payload []byte, ttl time.Duration) error
	Remove(ctx context.Context, handle string) error
}

// Loader creates a cache from config.
type Loader func(ctx context.Context) (PayloadCache, error)

// Plugin represents a cache plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a cache plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered cache plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named cache plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown cache %q; valid: %v", name, Names())
}
