package security

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	// StoreLatency records coordinator operation latency.
	StoreLatency *prometheus.HistogramVec

	// BackendErrorsTotal counts backend failures the coordinator absorbed or
	// fell back from, by backend and operation.
	BackendErrorsTotal *prometheus.CounterVec

	// ContentFallbackWritesTotal counts conversations created in the content
	// store because the document store rejected the insert.
	ContentFallbackWritesTotal prometheus.Counter

	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
)

var validLabelKey = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ParseMetricsLabels parses a comma-separated list of key=value pairs into
// Prometheus labels. Values support ${VAR} / $VAR environment variable expansion.
// Label values may not contain commas. Returns nil for an empty string.
func ParseMetricsLabels(s string) (prometheus.Labels, error) {
	s = os.Expand(s, os.Getenv)
	if s == "" {
		return nil, nil
	}
	labels := prometheus.Labels{}
	for _, pair := range strings.Split(s, ",") {
		idx := strings.IndexByte(pair, '=')
		if idx < 0 {
			return nil, fmt.Errorf("invalid label %q: expected key=value", pair)
		}
		k, v := pair[:idx], pair[idx+1:]
		if !validLabelKey.MatchString(k) {
			return nil, fmt.Errorf("invalid label key %q: must match [a-zA-Z_][a-zA-Z0-9_]*", k)
		}
		labels[k] = v
	}
	return labels, nil
}

var initMetricsOnce sync.Once

// InitMetrics registers all Prometheus metrics with the given constant labels.
// Safe to call multiple times; only the first call registers. Until it is
// called every Observe*/Inc* helper below is a no-op.
func InitMetrics(constLabels prometheus.Labels) {
	initMetricsOnce.Do(func() {
		initMetricsInner(constLabels)
	})
}

func initMetricsInner(constLabels prometheus.Labels) {
	reg := prometheus.WrapRegistererWith(constLabels, prometheus.DefaultRegisterer)
	f := promauto.With(reg)

	httpRequestsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_store_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "status"},
	)

	httpRequestDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversation_store_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	StoreLatency = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conversation_store_store_latency_seconds",
			Help:    "Store operation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	BackendErrorsTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_store_backend_errors_total",
			Help: "Backend failures absorbed by the persistence coordinator",
		},
		[]string{"backend", "operation"},
	)

	ContentFallbackWritesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "conversation_store_content_fallback_writes_total",
		Help: "Conversations created in the content store after a document store failure",
	})

	CacheHitsTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "conversation_store_cache_hits_total",
		Help: "Total payload cache hits",
	})

	CacheMissesTotal = f.NewCounter(prometheus.CounterOpts{
		Name: "conversation_store_cache_misses_total",
		Help: "Total payload cache misses",
	})
}

// ObserveStoreLatency records the duration of a store operation started at start.
func ObserveStoreLatency(op string, start time.Time) {
	if StoreLatency == nil {
		return
	}
	StoreLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// IncBackendError counts one absorbed backend failure.
func IncBackendError(backend, op string) {
	if BackendErrorsTotal == nil {
		return
	}
	BackendErrorsTotal.WithLabelValues(backend, op).Inc()
}

// IncContentFallbackWrite counts one create served by the content store.
func IncContentFallbackWrite() {
	if ContentFallbackWritesTotal == nil {
		return
	}
	ContentFallbackWritesTotal.Inc()
}

// IncCacheHit counts a payload cache hit.
func IncCacheHit() {
	if CacheHitsTotal != nil {
		CacheHitsTotal.Inc()
	}
}

// IncCacheMiss counts a payload cache miss.
func IncCacheMiss() {
	if CacheMissesTotal != nil {
		CacheMissesTotal.Inc()
	}
}

// MetricsMiddleware records HTTP request metrics for Prometheus.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if httpRequestsTotal == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		httpRequestsTotal.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method).Observe(duration.Seconds())
	}
}
