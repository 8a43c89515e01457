package content

import (
	"context"
	"fmt"
	"time"
)

// Tag keys attached to every pinned conversation payload.
const (
	TagOwnerID        = "ownerId"
	TagType           = "type"
	TagConversationID = "conversationId"

	TypeConversation = "conversation"
)

// Pin is one entry of an owner's tag index.
type Pin struct {
	Handle   string
	Tags     map[string]string
	PinnedAt time.Time
}

// Matches reports whether every key/value in want is present on the pin.
func (p Pin) Matches(want map[string]string) bool {
	for k, v := range want {
		if p.Tags[k] != v {
			return false
		}
	}
	return true
}

// ContentStore is an immutable, content-addressed blob store with a
// queryable tag index. Every Store produces a handle derived from the payload.
type ContentStore interface {
	// Store pins payload under a human-readable name with the given tags.
	Store(ctx context.Context, name string, payload []byte, tags map[string]string) (*Pin, error)
	// Fetch returns nil, nil when the handle is not pinned.
	Fetch(ctx context.Context, handle string) ([]byte, error)
	// Unpin removes the handle. Unpinning an absent handle succeeds.
	Unpin(ctx context.Context, handle string) error
	// ListByOwner returns every pin tagged with the owner's id.
	ListByOwner(ctx context.Context, ownerID string) ([]Pin, error)
}

// Loader creates a ContentStore from config.
type Loader func(ctx context.Context) (ContentStore, error)

// Plugin represents a content store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a content store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered content store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named content store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown content store %q; valid: %v", name, Names())
}
