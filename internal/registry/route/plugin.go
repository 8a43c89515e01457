package route

import (
	"slices"
	"sync"

	"github.com/gin-gonic/gin"
	registrystore "github.com/moodlog/conversation-store/internal/registry/store"
)

// Deps carries what route plugins need from the running server.
type Deps struct {
	Store registrystore.ConversationStore
	// Owner resolves the calling principal and rejects anonymous requests.
	Owner gin.HandlerFunc
	// Backends names the selected plugin per backend kind, for readiness output.
	Backends map[string]string
}

// RouterLoader initializes routes on the gin engine.
type RouterLoader func(r *gin.Engine, deps Deps) error

// Plugin represents a route plugin with an order for deterministic mount sequence.
type Plugin struct {
	Name   string
	Order  int
	Loader RouterLoader
}

var (
	plugins  []Plugin
	sortOnce sync.Once
)

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

func sorted() []Plugin {
	sortOnce.Do(func() {
		slices.SortStableFunc(plugins, func(a, b Plugin) int { return a.Order - b.Order })
	})
	return plugins
}

// Mount runs every registered loader against r in order.
func Mount(r *gin.Engine, deps Deps) error {
	for _, p := range sorted() {
		if err := p.Loader(r, deps); err != nil {
			return &MountError{Plugin: p.Name, Err: err}
		}
	}
	return nil
}

// Names returns registered route plugin names in mount order.
func Names() []string {
	var names []string
	for _, p := range sorted() {
		names = append(names, p.Name)
	}
	return names
}

// MountError reports which route plugin failed to load.
type MountError struct {
	Plugin string
	Err    error
}

func (e *MountError) Error() string { return "route plugin " + e.Plugin + ": " + e.Err.Error() }
func (e *MountError) Unwrap() error { return e.Err }
