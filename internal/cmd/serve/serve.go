package serve

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/moodlog/conversation-store/internal/config"
	registrycache "github.com/moodlog/conversation-store/internal/registry/cache"
	registrycontent "github.com/moodlog/conversation-store/internal/registry/content"
	registrydocstore "github.com/moodlog/conversation-store/internal/registry/docstore"
	"github.com/urfave/cli/v3"

	// Import all plugins to trigger init() registration
	_ "github.com/moodlog/conversation-store/internal/plugin/cache/infinispan"
	_ "github.com/moodlog/conversation-store/internal/plugin/cache/local"
	_ "github.com/moodlog/conversation-store/internal/plugin/cache/noop"
	_ "github.com/moodlog/conversation-store/internal/plugin/cache/redis"
	_ "github.com/moodlog/conversation-store/internal/plugin/content/disabled"
	_ "github.com/moodlog/conversation-store/internal/plugin/content/pinata"
	_ "github.com/moodlog/conversation-store/internal/plugin/content/s3store"
	_ "github.com/moodlog/conversation-store/internal/plugin/docstore/disabled"
	_ "github.com/moodlog/conversation-store/internal/plugin/docstore/mongo"
	_ "github.com/moodlog/conversation-store/internal/plugin/route/system"
)

const envPrefix = "CONVERSATION_STORE_"

func env(name string) cli.ValueSourceChain {
	return cli.EnvVars(envPrefix + name)
}

// Command returns the serve sub-command.
func Command() *cli.Command {
	cfg := config.DefaultConfig()
	var readHeaderTimeoutSecs int = 5
	return &cli.Command{
		Name:  "serve",
		Usage: "Start the conversation store HTTP server",
		Flags: flags(&cfg, &readHeaderTimeoutSecs),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg.Listener.ReadHeaderTimeout = time.Duration(readHeaderTimeoutSecs) * time.Second
			return run(config.WithContext(ctx, &cfg), cfg)
		},
	}
}

func flags(cfg *config.Config, readHeaderTimeoutSecs *int) []cli.Flag {
	return []cli.Flag{

		// ── Server ────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "tls-cert-file",
			Category:    "Server:",
			Sources:     env("TLS_CERT_FILE"),
			Destination: &cfg.Listener.TLSCertFile,
			Usage:       "TLS certificate file; a self-signed certificate is generated when unset",
		},
		&cli.StringFlag{
			Name:        "tls-key-file",
			Category:    "Server:",
			Sources:     env("TLS_KEY_FILE"),
			Destination: &cfg.Listener.TLSKeyFile,
			Usage:       "TLS private key file",
		},
		&cli.IntFlag{
			Name:        "read-header-timeout-seconds",
			Category:    "Server:",
			Sources:     env("READ_HEADER_TIMEOUT_SECONDS"),
			Destination: readHeaderTimeoutSecs,
			Value:       *readHeaderTimeoutSecs,
			Usage:       "HTTP read header timeout in seconds",
		},
		&cli.Int64Flag{
			Name:        "max-body-size",
			Category:    "Server:",
			Sources:     env("MAX_BODY_SIZE"),
			Destination: &cfg.MaxBodySize,
			Value:       cfg.MaxBodySize,
			Usage:       "Maximum request body size in bytes",
		},
		&cli.IntFlag{
			Name:        "drain-timeout-seconds",
			Category:    "Server:",
			Sources:     env("DRAIN_TIMEOUT_SECONDS"),
			Destination: &cfg.DrainTimeout,
			Value:       cfg.DrainTimeout,
			Usage:       "Seconds to wait for in-flight requests on shutdown",
		},
		&cli.StringFlag{
			Name:        "user-id-header",
			Category:    "Server:",
			Sources:     env("USER_ID_HEADER"),
			Destination: &cfg.UserIDHeader,
			Value:       cfg.UserIDHeader,
			Usage:       "Header carrying the authenticated user id, set by the upstream gateway",
		},
		&cli.BoolFlag{
			Name:        "access-log-probes",
			Category:    "Server:",
			Sources:     env("ACCESS_LOG_PROBES"),
			Destination: &cfg.AccessLogProbes,
			Usage:       "Enable HTTP access logging for /health, /ready and /metrics",
		},

		// ── Network Listener ──────────────────────────────────────
		&cli.IntFlag{
			Name:        "port",
			Category:    "Network Listener:",
			Sources:     env("PORT"),
			Destination: &cfg.Listener.Port,
			Value:       cfg.Listener.Port,
			Usage:       "HTTP server port",
		},
		&cli.BoolFlag{
			Name:        "plain-text",
			Category:    "Network Listener:",
			Sources:     env("PLAIN_TEXT"),
			Destination: &cfg.Listener.EnablePlainText,
			Value:       cfg.Listener.EnablePlainText,
			Usage:       "Enable plaintext HTTP/1.1 + h2c",
		},
		&cli.BoolFlag{
			Name:        "tls",
			Category:    "Network Listener:",
			Sources:     env("TLS"),
			Destination: &cfg.Listener.EnableTLS,
			Value:       cfg.Listener.EnableTLS,
			Usage:       "Enable TLS HTTP/1.1 + HTTP/2",
		},

		// ── Document Store ────────────────────────────────────────
		&cli.StringFlag{
			Name:        "docstore-kind",
			Category:    "Document Store:",
			Sources:     env("DOCSTORE_KIND"),
			Destination: &cfg.DocStoreType,
			Value:       cfg.DocStoreType,
			Usage:       "Document store (" + strings.Join(registrydocstore.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "db-url",
			Category:    "Document Store:",
			Sources:     cli.EnvVars(envPrefix+"DB_URL", "MONGODB_URI"),
			Destination: &cfg.DBURL,
			Usage:       "MongoDB connection URL",
		},
		&cli.StringFlag{
			Name:        "db-name",
			Category:    "Document Store:",
			Sources:     env("DB_NAME"),
			Destination: &cfg.DBName,
			Value:       cfg.DBName,
			Usage:       "Database name",
		},
		&cli.IntFlag{
			Name:        "db-max-open-conns",
			Category:    "Document Store:",
			Sources:     env("DB_MAX_OPEN_CONNS"),
			Destination: &cfg.DBMaxOpenConns,
			Value:       cfg.DBMaxOpenConns,
			Usage:       "Maximum number of pooled database connections",
		},
		&cli.IntFlag{
			Name:        "db-max-idle-conns",
			Category:    "Document Store:",
			Sources:     env("DB_MAX_IDLE_CONNS"),
			Destination: &cfg.DBMaxIdleConns,
			Value:       cfg.DBMaxIdleConns,
			Usage:       "Minimum number of pooled database connections kept open",
		},
		&cli.DurationFlag{
			Name:        "docstore-timeout",
			Category:    "Document Store:",
			Sources:     env("DOCSTORE_TIMEOUT"),
			Destination: &cfg.DocStoreTimeout,
			Value:       cfg.DocStoreTimeout,
			Usage:       "Per-call document store timeout",
		},
		&cli.BoolFlag{
			Name:        "db-migrate-at-start",
			Category:    "Document Store:",
			Sources:     env("DB_MIGRATE_AT_START"),
			Destination: &cfg.DatastoreMigrateAtStart,
			Value:       cfg.DatastoreMigrateAtStart,
			Usage:       "Create indexes before serving",
		},

		// ── Content Store ─────────────────────────────────────────
		&cli.StringFlag{
			Name:        "content-kind",
			Category:    "Content Store:",
			Sources:     env("CONTENT_KIND"),
			Destination: &cfg.ContentStoreType,
			Value:       cfg.ContentStoreType,
			Usage:       "Content store (" + strings.Join(registrycontent.Names(), "|") + ")",
		},
		&cli.DurationFlag{
			Name:        "content-timeout",
			Category:    "Content Store:",
			Sources:     env("CONTENT_TIMEOUT"),
			Destination: &cfg.ContentStoreTimeout,
			Value:       cfg.ContentStoreTimeout,
			Usage:       "Per-call content store timeout",
		},
		&cli.IntFlag{
			Name:        "content-fetch-concurrency",
			Category:    "Content Store:",
			Sources:     env("CONTENT_FETCH_CONCURRENCY"),
			Destination: &cfg.ContentFetchConcurrency,
			Value:       cfg.ContentFetchConcurrency,
			Usage:       "Payloads fetched in parallel when listing conversations",
		},
		&cli.StringFlag{
			Name:        "pinata-api-url",
			Category:    "Content Store:",
			Sources:     env("PINATA_API_URL"),
			Destination: &cfg.PinataAPIURL,
			Value:       cfg.PinataAPIURL,
			Usage:       "Pinning API base URL",
		},
		&cli.StringFlag{
			Name:        "pinata-gateway-url",
			Category:    "Content Store:",
			Sources:     env("PINATA_GATEWAY_URL"),
			Destination: &cfg.PinataGatewayURL,
			Value:       cfg.PinataGatewayURL,
			Usage:       "Gateway base URL used to fetch pinned payloads",
		},
		&cli.StringFlag{
			Name:        "pinata-jwt",
			Category:    "Content Store:",
			Sources:     cli.EnvVars(envPrefix+"PINATA_JWT", "PINATA_JWT"),
			Destination: &cfg.PinataJWT,
			Usage:       "Pinning API JWT",
		},
		&cli.IntFlag{
			Name:        "pinata-max-retries",
			Category:    "Content Store:",
			Sources:     env("PINATA_MAX_RETRIES"),
			Destination: &cfg.PinataMaxRetries,
			Value:       cfg.PinataMaxRetries,
			Usage:       "Retries for transient pinning API failures",
		},
		&cli.IntFlag{
			Name:        "pinata-page-limit",
			Category:    "Content Store:",
			Sources:     env("PINATA_PAGE_LIMIT"),
			Destination: &cfg.PinataPageLimit,
			Value:       cfg.PinataPageLimit,
			Usage:       "Page size when listing pins",
		},
		&cli.StringFlag{
			Name:        "s3-bucket",
			Category:    "Content Store:",
			Sources:     env("S3_BUCKET"),
			Destination: &cfg.S3Bucket,
			Usage:       "S3 bucket for the s3 content store",
		},
		&cli.StringFlag{
			Name:        "s3-prefix",
			Category:    "Content Store:",
			Sources:     env("S3_PREFIX"),
			Destination: &cfg.S3Prefix,
			Usage:       "Key prefix inside the bucket",
		},
		&cli.BoolFlag{
			Name:        "s3-use-path-style",
			Category:    "Content Store:",
			Sources:     env("S3_USE_PATH_STYLE"),
			Destination: &cfg.S3UsePathStyle,
			Usage:       "Use path-style S3 addressing (required for LocalStack/MinIO)",
		},

		// ── Cache ─────────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "cache-kind",
			Category:    "Cache:",
			Sources:     env("CACHE_KIND"),
			Destination: &cfg.CacheType,
			Value:       cfg.CacheType,
			Usage:       "Payload cache (" + strings.Join(registrycache.Names(), "|") + ")",
		},
		&cli.StringFlag{
			Name:        "redis-url",
			Category:    "Cache:",
			Sources:     env("REDIS_URL"),
			Destination: &cfg.RedisURL,
			Usage:       "Redis connection URL",
		},
		&cli.StringFlag{
			Name:        "infinispan-host",
			Category:    "Cache:",
			Sources:     env("INFINISPAN_HOST"),
			Destination: &cfg.InfinispanHost,
			Usage:       "Infinispan RESP endpoint (host:port)",
		},
		&cli.StringFlag{
			Name:        "infinispan-username",
			Category:    "Cache:",
			Sources:     env("INFINISPAN_USERNAME"),
			Destination: &cfg.InfinispanUsername,
			Usage:       "Infinispan username",
		},
		&cli.StringFlag{
			Name:        "infinispan-password",
			Category:    "Cache:",
			Sources:     env("INFINISPAN_PASSWORD"),
			Destination: &cfg.InfinispanPassword,
			Usage:       "Infinispan password",
		},
		&cli.DurationFlag{
			Name:        "infinispan-startup-timeout",
			Category:    "Cache:",
			Sources:     env("INFINISPAN_STARTUP_TIMEOUT"),
			Destination: &cfg.InfinispanStartupTimeout,
			Value:       cfg.InfinispanStartupTimeout,
			Usage:       "How long to wait for Infinispan to answer at startup",
		},
		&cli.DurationFlag{
			Name:        "cache-ttl",
			Category:    "Cache:",
			Sources:     env("CACHE_TTL"),
			Destination: &cfg.CacheTTL,
			Value:       cfg.CacheTTL,
			Usage:       "Payload cache entry lifetime",
		},
		&cli.Int64Flag{
			Name:        "local-cache-max-bytes",
			Category:    "Cache:",
			Sources:     env("LOCAL_CACHE_MAX_BYTES"),
			Destination: &cfg.LocalCacheMaxCost,
			Value:       cfg.LocalCacheMaxCost,
			Usage:       "Memory budget of the local payload cache",
		},

		// ── Monitoring ────────────────────────────────────────────
		&cli.StringFlag{
			Name:        "metrics-labels",
			Category:    "Monitoring:",
			Sources:     env("METRICS_LABELS"),
			Destination: &cfg.MetricsLabels,
			Value:       cfg.MetricsLabels,
			Usage:       "Comma-separated key=value pairs added as constant labels to all Prometheus metrics. Supports ${VAR} expansion.",
		},
	}
}

func run(ctx context.Context, cfg config.Config) error {
	srv, err := StartServer(ctx, &cfg)
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Shutting down...")

	drainCtx, drainCancel := context.WithTimeout(context.Background(), time.Duration(cfg.DrainTimeout)*time.Second)
	defer drainCancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		log.Error("Shutdown error", "err", err)
	}
	log.Info("Server stopped")
	return nil
}

func maxBodySizeMiddleware(maxBodySize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if maxBodySize > 0 && c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
		}
		c.Next()
	}
}
