package observability

import (
	"errors"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	tileFetchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_fetch_total",
			Help: "Terminal tile fetch outcomes.",
		},
		[]string{"outcome"},
	)

	tileFetchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_fetch_retries_total",
			Help: "Tile fetch attempts re-issued after a failure.",
		},
	)

	tileAttemptDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tile_fetch_attempt_duration_seconds",
			Help:    "Duration of single tile fetch attempts.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"result"},
	)

	fetchCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_cycles_total",
			Help: "Fetch cycles by mode and outcome.",
		},
		[]string{"mode", "outcome"},
	)

	cacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spatial_cache_hits_total",
			Help: "Tile cache hits.",
		},
	)

	cacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spatial_cache_misses_total",
			Help: "Tile cache misses.",
		},
	)

	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_op_total",
			Help: "Cache backend operations by result.",
		},
		[]string{"op", "result"},
	)

	redisOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redis_operation_duration_seconds",
			Help:    "Latency of redis operations.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"op"},
	)

	fallbackFills = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "compose_fallback_fills_total",
			Help: "Missing tile areas filled from another resolution level.",
		},
	)

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"method", "route", "status"},
	)

	upstreamLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "upstream_latency_seconds",
			Help:    "Latency of upstream calls in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
		[]string{"upstream"},
	)

	invalidations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tile_invalidations_total",
			Help: "Invalidation events processed by result.",
		},
		[]string{"result"},
	)

	invalidatedKeys = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tile_invalidated_keys_total",
			Help: "Cache keys removed by invalidation events.",
		},
	)
)

func collectors() []prometheus.Collector {
	return []prometheus.Collector{
		tileFetchTotal, tileFetchRetries, tileAttemptDuration, fetchCycles,
		cacheHits, cacheMisses, cacheOps, redisOpDuration, fallbackFills,
		httpRequestsTotal, httpRequestDurationSeconds, upstreamLatencySeconds,
		invalidations, invalidatedKeys,
	}
}

var regMu sync.Mutex

// Init registers the collectors on reg. Collectors are always updated; Init
// only decides where they are exported. A collector already registered on reg
// is left as is.
func Init(reg prometheus.Registerer, on bool) {
	regMu.Lock()
	defer regMu.Unlock()
	if !on {
		return
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	for _, c := range collectors() {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				panic(err)
			}
		}
	}
}

func ObserveTileOutcome(outcome string) {
	tileFetchTotal.WithLabelValues(outcome).Inc()
}

func IncTileRetry() {
	tileFetchRetries.Inc()
}

func ObserveTileAttempt(err error, durationSeconds float64) {
	tileAttemptDuration.WithLabelValues(resultLabel(err)).Observe(durationSeconds)
}

func ObserveCycle(mode, outcome string) {
	fetchCycles.WithLabelValues(mode, outcome).Inc()
}

func IncCacheHit()  { cacheHits.Inc() }
func IncCacheMiss() { cacheMisses.Inc() }

func ObserveCacheOp(op string, err error, durationSeconds float64) {
	cacheOps.WithLabelValues(op, resultLabel(err)).Inc()
	redisOpDuration.WithLabelValues(op).Observe(durationSeconds)
}

func IncFallbackFill() {
	fallbackFills.Inc()
}

func ObserveHTTP(method, route string, status int, durationSeconds float64) {
	st := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, route, st).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route, st).Observe(durationSeconds)
}

func ObserveUpstreamLatency(upstream string, durationSeconds float64) {
	upstreamLatencySeconds.WithLabelValues(upstream).Observe(durationSeconds)
}

func ObserveInvalidation(keys int, err error) {
	invalidations.WithLabelValues(resultLabel(err)).Inc()
	if err == nil && keys > 0 {
		invalidatedKeys.Add(float64(keys))
	}
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
