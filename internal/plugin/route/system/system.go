package system

import (
	"net/http"
	"sync/atomic"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	registryroute "github.com/moodlog/conversation-store/internal/registry/route"
)

var ready atomic.Bool

// MarkReady signals that StartServer has completed and traffic may flow.
func MarkReady() {
	ready.Store(true)
}

// ForceImport is a no-op variable that can be referenced to ensure this package's init() runs.
var ForceImport = 0

func init() {
	registryroute.Register(registryroute.Plugin{
		Name:   "system",
		Order:  0,
		Loader: mount,
	})
}

func mount(r *gin.Engine, deps registryroute.Deps) error {
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	// Backends are reported even while starting; a "none" entry means that
	// backend failed to load and every call to it degrades.
	r.GET("/ready", func(c *gin.Context) {
		if !ready.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "starting", "backends": deps.Backends})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready", "backends": deps.Backends})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	return nil
}
