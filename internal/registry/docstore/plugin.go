package docstore

import (
	"context"
	"fmt"

	"github.com/moodlog/conversation-store/internal/model"
)

// DocumentStore is a mutable, queryable conversation collection. Every
// filter is scoped by the owning principal.
type DocumentStore interface {
	// Insert stores rec and returns the native identifier assigned to it.
	Insert(ctx context.Context, rec *model.ConversationRecord) (string, error)
	// FindOne returns nil, nil when no record with that id belongs to ownerID.
	FindOne(ctx context.Context, ownerID string, id string) (*model.ConversationRecord, error)
	// FindByOwner returns the owner's records sorted by updatedAt descending.
	FindByOwner(ctx context.Context, ownerID string) ([]model.ConversationRecord, error)
	// Update applies p atomically and returns the updated record, or nil, nil
	// when nothing matched.
	Update(ctx context.Context, ownerID string, id string, p model.Patch) (*model.ConversationRecord, error)
	DeleteOne(ctx context.Context, ownerID string, id string) (int64, error)
	DeleteByOwner(ctx context.Context, ownerID string) (int64, error)
}

// Loader creates a DocumentStore from config.
type Loader func(ctx context.Context) (DocumentStore, error)

// Plugin represents a document store plugin.
type Plugin struct {
	Name   string
	Loader Loader
}

var plugins []Plugin

// Register adds a document store plugin.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Names returns all registered document store plugin names.
func Names() []string {
	names := make([]string, len(plugins))
	for i, p := range plugins {
		names[i] = p.Name
	}
	return names
}

// Select returns the loader for the named document store plugin.
func Select(name string) (Loader, error) {
	for _, p := range plugins {
		if p.Name == name {
			return p.Loader, nil
		}
	}
	return nil, fmt.Errorf("unknown document store %q; valid: %v", name, Names())
}
