package config

import (
	"context"
	"strings"
	"time"
)

// ListenerConfig holds the network/TLS settings for the HTTP listener.
type ListenerConfig struct {
	Port              int
	EnablePlainText   bool
	EnableTLS         bool
	TLSCertFile       string
	TLSKeyFile        string
	ReadHeaderTimeout time.Duration
}

type contextKey struct{}

// WithContext returns a new context carrying the given Config.
func WithContext(ctx context.Context, cfg *Config) context.Context {
	return context.WithValue(ctx, contextKey{}, cfg)
}

// FromContext retrieves the Config from the context.
func FromContext(ctx context.Context) *Config {
	cfg, _ := ctx.Value(contextKey{}).(*Config)
	return cfg
}

// Config holds all configuration for the conversation store.
type Config struct {
	// Document store
	DocStoreType            string // "mongo" or "none"
	DBURL                   string
	DBName                  string
	DBMaxOpenConns          int
	DBMaxIdleConns          int
	DocStoreTimeout         time.Duration
	DatastoreMigrateAtStart bool
	// MigrationsRequired makes an unreachable backend fail a migration. When
	// serving it stays false so the service can start on the other backend.
	MigrationsRequired      bool

	// Content store
	ContentStoreType    string // "pinata", "s3" or "none"
	ContentStoreTimeout time.Duration
	// Number of content payloads fetched in parallel when listing an owner's
	// conversations.
	ContentFetchConcurrency int

	// Pinata-compatible pinning API
	PinataAPIURL     string
	PinataGatewayURL string
	PinataJWT        string
	PinataMaxRetries int
	PinataPageLimit  int

	// S3 content store
	S3Bucket       string
	S3Prefix       string
	S3UsePathStyle bool

	// Payload cache
	CacheType         string // "redis", "infinispan", "local" or "none"
	RedisURL          string
	CacheTTL          time.Duration
	LocalCacheMaxCost int64

	InfinispanHost           string
	InfinispanUsername       string
	InfinispanPassword       string
	InfinispanStartupTimeout time.Duration

	// Server
	Listener     ListenerConfig
	MaxBodySize  int64
	DrainTimeout int
	// Header carrying the authenticated principal id, set by the upstream gateway.
	UserIDHeader string
	// AccessLogProbes enables access logging for /health, /ready and /metrics.
	AccessLogProbes bool

	// MetricsLabels is a comma-separated list of key=value pairs added as
	// constant labels to all Prometheus metrics. Values support ${VAR} expansion.
	MetricsLabels string
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		DocStoreType:             "mongo",
		DBName:                   "chatbot",
		DBMaxOpenConns:           25,
		DBMaxIdleConns:           5,
		DocStoreTimeout:          5 * time.Second,
		DatastoreMigrateAtStart:  true,
		ContentStoreType:         "pinata",
		ContentStoreTimeout:      10 * time.Second,
		ContentFetchConcurrency:  4,
		PinataAPIURL:             "https://api.pinata.cloud",
		PinataGatewayURL:         "https://gateway.pinata.cloud",
		PinataMaxRetries:         2,
		PinataPageLimit:          1000,
		CacheType:                "none",
		CacheTTL:                 time.Hour,
		InfinispanStartupTimeout: 30 * time.Second,
		LocalCacheMaxCost:        64 * 1024 * 1024, // 64 MB
		Listener: ListenerConfig{
			Port:              8080,
			EnablePlainText:   true,
			ReadHeaderTimeout: 5 * time.Second,
		},
		MaxBodySize:   1024 * 1024, // 1 MB
		DrainTimeout:  30,
		UserIDHeader:  "X-User-ID",
		MetricsLabels: "service=conversation-store",
	}
}

// ResolvedS3Prefix returns the configured S3 prefix without surrounding slashes.
func (c *Config) ResolvedS3Prefix() string {
	if c == nil {
		return ""
	}
	return strings.Trim(strings.TrimSpace(c.S3Prefix), "/")
}

// ResolvedFetchConcurrency returns the payload fetch fan-out, at least 1.
func (c *Config) ResolvedFetchConcurrency() int {
	if c == nil || c.ContentFetchConcurrency < 1 {
		return 1
	}
	return c.ContentFetchConcurrency
}
