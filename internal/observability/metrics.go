package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets      = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	aggregateDurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}
	bodySizeBuckets          = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the service.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Aggregation metrics
	AggregationsTotal   *prometheus.CounterVec
	AggregationDuration *prometheus.HistogramVec
	InvalidationsTotal  *prometheus.CounterVec

	// Cache metrics
	CacheHitsTotal   prometheus.Counter
	CacheMissesTotal prometheus.Counter
	CacheErrorsTotal *prometheus.CounterVec

	// Extension metrics
	EnrichmentFailuresTotal *prometheus.CounterVec
	HookFailuresTotal       *prometheus.CounterVec
	EnrichmentBreakerState  prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userbar_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "userbar_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "userbar_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "userbar_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Aggregation
		AggregationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userbar_aggregations_total",
			Help: "Total number of user data aggregations by outcome.",
		}, []string{"outcome"}),
		AggregationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "userbar_aggregation_duration_seconds",
			Help:    "User data aggregation duration in seconds.",
			Buckets: aggregateDurationBuckets,
		}, []string{"outcome"}),
		InvalidationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userbar_invalidations_total",
			Help: "Total number of cache invalidations by reason.",
		}, []string{"reason"}),

		// Cache
		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "userbar_cache_hits_total",
			Help: "Total user data cache hits.",
		}),
		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "userbar_cache_misses_total",
			Help: "Total user data cache misses.",
		}),
		CacheErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userbar_cache_errors_total",
			Help: "Total user data cache store failures by operation.",
		}, []string{"op"}),

		// Extensions
		EnrichmentFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userbar_enrichment_failures_total",
			Help: "Total enrichment callback failures.",
		}, []string{"callback"}),
		HookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "userbar_hook_failures_total",
			Help: "Total extension callback failures by extension point.",
		}, []string{"point"}),
		EnrichmentBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "userbar_enrichment_circuit_breaker_state",
			Help: "Entity service circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Aggregation
		m.AggregationsTotal,
		m.AggregationDuration,
		m.InvalidationsTotal,
		// Cache
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheErrorsTotal,
		// Extensions
		m.EnrichmentFailuresTotal,
		m.HookFailuresTotal,
		m.EnrichmentBreakerState,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordAggregation records one GetUserData call.
func (m *Metrics) RecordAggregation(outcome string, duration time.Duration) {
	m.AggregationsTotal.WithLabelValues(outcome).Inc()
	m.AggregationDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordInvalidation records a cache entry removal.
func (m *Metrics) RecordInvalidation(reason string) {
	m.InvalidationsTotal.WithLabelValues(reason).Inc()
}

// RecordCacheHit records a user data cache hit.
func (m *Metrics) RecordCacheHit() {
	m.CacheHitsTotal.Inc()
}

// RecordCacheMiss records a user data cache miss.
func (m *Metrics) RecordCacheMiss() {
	m.CacheMissesTotal.Inc()
}

// RecordCacheError records a cache store failure for op (get, set, delete).
func (m *Metrics) RecordCacheError(op string) {
	m.CacheErrorsTotal.WithLabelValues(op).Inc()
}

// RecordHookFailure records a failed extension callback.
func (m *Metrics) RecordHookFailure(point string) {
	m.HookFailuresTotal.WithLabelValues(point).Inc()
}

// RecordEnrichmentFailure records a failed enrichment callback.
func (m *Metrics) RecordEnrichmentFailure(callback string) {
	m.EnrichmentFailuresTotal.WithLabelValues(callback).Inc()
}

// SetEnrichmentBreakerState sets the entity service circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetEnrichmentBreakerState(state float64) {
	m.EnrichmentBreakerState.Set(state)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.RecordHTTPRequest(r.Method, pathPattern, status, duration, reqSize, ww.BytesWritten())
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// HandlerFor returns a /metrics handler serving the given gatherer.
func HandlerFor(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}
