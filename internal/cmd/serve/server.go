package serve

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/moodlog/conversation-store/internal/config"
	"github.com/moodlog/conversation-store/internal/plugin/content/cached"
	"github.com/moodlog/conversation-store/internal/plugin/route/conversations"
	routesystem "github.com/moodlog/conversation-store/internal/plugin/route/system"
	"github.com/moodlog/conversation-store/internal/plugin/store/hybrid"
	storemetrics "github.com/moodlog/conversation-store/internal/plugin/store/metrics"
	registrycache "github.com/moodlog/conversation-store/internal/registry/cache"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	registrydocstore "github.com/moodlog/conversation-store/internal/registry/docstore"
	registrymigrate "github.com/moodlog/conversation-store/internal/registry/migrate"
	registryroute "github.com/moodlog/conversation-store/internal/registry/route"
	registrystore "github.com/moodlog/conversation-store/internal/registry/store"
	"github.com/moodlog/conversation-store/internal/security"
)

// Server holds the running server and its subsystems.
type Server struct {
	Config  *config.Config
	Store   registrystore.ConversationStore
	Router  *gin.Engine
	Running *RunningServer
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.Running.Close(ctx)
}

// StartServer initializes all subsystems and starts HTTP on a single port.
// Use cfg.Listener.Port=0 for a random port. Actual port: Server.Running.Port.
func StartServer(ctx context.Context, cfg *config.Config) (*Server, error) {
	log.Info("Starting conversation store",
		"httpPort", cfg.Listener.Port,
		"docstore", cfg.DocStoreType,
		"content", cfg.ContentStoreType,
		"cache", cfg.CacheType,
	)

	// Initialize Prometheus metrics with configured constant labels.
	metricsLabels, err := security.ParseMetricsLabels(cfg.MetricsLabels)
	if err != nil {
		return nil, fmt.Errorf("invalid --metrics-labels: %w", err)
	}
	security.InitMetrics(metricsLabels)

	// Run migrations
	if err := registrymigrate.RunAll(ctx); err != nil {
		return nil, fmt.Errorf("migrations failed: %w", err)
	}

	// Initialize the payload cache. It is optional: failures only disable it.
	if cacheLoader, err := registrycache.Select(cfg.CacheType); err != nil {
		log.Warn("Cache not available", "cache", cfg.CacheType, "err", err)
	} else if payloadCache, err := cacheLoader(ctx); err != nil {
		log.Warn("Failed to initialize cache", "cache", cfg.CacheType, "err", err)
	} else {
		ctx = registrycache.WithPayloadCacheContext(ctx, payloadCache)
	}

	store, backends, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	// Set up gin
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.AccessLogProbes {
		router.Use(security.AccessLogMiddleware())
	} else {
		router.Use(security.AccessLogMiddleware("/health", "/ready", "/metrics"))
	}
	router.Use(security.MetricsMiddleware())
	router.Use(maxBodySizeMiddleware(cfg.MaxBodySize))

	_ = conversations.ForceImport
	_ = routesystem.ForceImport
	err = registryroute.Mount(router, registryroute.Deps{
		Store:    store,
		Owner:    security.OwnerMiddleware(cfg.UserIDHeader),
		Backends: backends,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	running, err := startListener(cfg.Listener, router)
	if err != nil {
		return nil, err
	}

	log.Info("Server listening",
		"port", running.Port,
		"plaintext", cfg.Listener.EnablePlainText,
		"tls", cfg.Listener.EnableTLS,
	)

	routesystem.MarkReady()
	return &Server{
		Config:  cfg,
		Store:   store,
		Router:  router,
		Running: running,
	}, nil
}

// buildStore wires both backends behind the hybrid coordinator. A backend
// that fails to initialize is replaced by "none" so the other can still serve.
// The returned map names the plugin actually in use per backend.
func buildStore(ctx context.Context, cfg *config.Config) (registrystore.ConversationStore, map[string]string, error) {
	backends := map[string]string{
		"docstore": cfg.DocStoreType,
		"content":  cfg.ContentStoreType,
		"cache":    "none",
	}

	docs, err := loadDocStore(ctx, cfg.DocStoreType)
	if err != nil {
		log.Warn("Document store unavailable, continuing on content store only", "docstore", cfg.DocStoreType, "err", err)
		if docs, err = loadDocStore(ctx, "none"); err != nil {
			return nil, nil, err
		}
		backends["docstore"] = "none"
	}

	contents, err := loadContentStore(ctx, cfg.ContentStoreType)
	if err != nil {
		log.Warn("Content store unavailable, continuing on document store only", "content", cfg.ContentStoreType, "err", err)
		if contents, err = loadContentStore(ctx, "none"); err != nil {
			return nil, nil, err
		}
		backends["content"] = "none"
	}
	if payloadCache := registrycache.PayloadCacheFromContext(ctx); payloadCache != nil && payloadCache.Available() {
		backends["cache"] = cfg.CacheType
	}
	contents = cached.Wrap(contents, registrycache.PayloadCacheFromContext(ctx))

	coordinator := hybrid.New(docs, contents, hybrid.Options{
		FetchConcurrency: cfg.ResolvedFetchConcurrency(),
	})
	return storemetrics.Wrap(coordinator), backends, nil
}

func loadDocStore(ctx context.Context, name string) (registrydocstore.DocumentStore, error) {
	loader, err := registrydocstore.Select(name)
	if err != nil {
		return nil, err
	}
	return loader(ctx)
}

func loadContentStore(ctx context.Context, name string) (registrycontent.ContentStore, error) {
	loader, err := registrycontent.Select(name)
	if err != nil {
		return nil, err
	}
	return loader(ctx)
}
