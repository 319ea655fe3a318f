package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type InvalidationCfg struct {
	Enabled          bool
	Topic            string
	Brokers          string
	GroupID          string
	MaxKeysPerMatrix int
}

type RedisCfg struct {
	Addr         string
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	IOTimeout    time.Duration
}

type SourceCfg struct {
	URL              string
	Layers           []string
	Styles           []string
	Format           string
	CRS              string
	Version          string
	Transparent      bool
	InvertAxis       bool
	TileMode         string
	Template         string
	MatrixSet        string
	TileSize         int
	XYZMinZoom       int
	XYZMaxZoom       int
	CapabilitiesFile string
	Username         string
	Password         string
	Referer          string
}

type FetchCfg struct {
	MaxParallel     int
	MaxRetries      int
	RetryBase       time.Duration
	RetryMax        time.Duration
	RetryServerOnly bool
	Timeout         time.Duration
	Smooth          bool
}

type Config struct {
	Addr            string
	LogLevel        string
	LogConsole      bool
	LogSampleN      int
	Source          SourceCfg
	Fetch           FetchCfg
	CacheEntries    int
	Redis           RedisCfg
	CacheOpTimeout  time.Duration
	CacheTTLDefault time.Duration
	CacheTTLOvr     map[string]time.Duration
	CanvasLimit     int
	Invalidation    InvalidationCfg
	MetricsEnabled  bool
	MetricsAddr     string
	MetricsPath     string
}

func FromEnv() Config {
	minZoom := clamp(getint("XYZ_MIN_ZOOM", 0), 0, 30)
	maxZoom := clamp(getint("XYZ_MAX_ZOOM", 19), 0, 30)
	if minZoom > maxZoom {
		minZoom, maxZoom = 0, 19
	}

	retryBase := getduration("FETCH_RETRY_BASE", 200*time.Millisecond)
	retryMax := getduration("FETCH_RETRY_MAX", 2*time.Second)
	if retryMax < retryBase {
		retryMax = retryBase
	}

	return Config{
		Addr:       getenv("ADDR", ":8090"),
		LogLevel:   getenv("LOG_LEVEL", "info"),
		LogConsole: getbool("LOG_CONSOLE", false),
		LogSampleN: getint("LOG_SAMPLE_N", 0),
		Source: SourceCfg{
			URL:              getenv("WMS_URL", "http://localhost:8080/geoserver/wms"),
			Layers:           splitCSV(getenv("WMS_LAYERS", "")),
			Styles:           splitCSV(getenv("WMS_STYLES", "")),
			Format:           getenv("WMS_FORMAT", "image/png"),
			CRS:              getenv("WMS_CRS", "EPSG:3857"),
			Version:          getenv("WMS_VERSION", "1.3.0"),
			Transparent:      getbool("WMS_TRANSPARENT", true),
			InvertAxis:       getbool("WMS_INVERT_AXIS", false),
			TileMode:         strings.ToLower(getenv("TILE_MODE", "none")),
			Template:         getenv("TILE_TEMPLATE", ""),
			MatrixSet:        getenv("TILE_MATRIX_SET", ""),
			TileSize:         max(getint("TILE_SIZE", 256), 1),
			XYZMinZoom:       minZoom,
			XYZMaxZoom:       maxZoom,
			CapabilitiesFile: getenv("WMTS_CAPABILITIES_FILE", ""),
			Username:         getenv("WMS_USERNAME", ""),
			Password:         getenv("WMS_PASSWORD", ""),
			Referer:          getenv("WMS_REFERER", ""),
		},
		Fetch: FetchCfg{
			MaxParallel:     max(getint("FETCH_MAX_PARALLEL", 8), 1),
			MaxRetries:      max(getint("FETCH_MAX_RETRIES", 3), 0),
			RetryBase:       retryBase,
			RetryMax:        retryMax,
			RetryServerOnly: getbool("FETCH_RETRY_SERVER_ERRORS_ONLY", false),
			Timeout:         getduration("FETCH_TIMEOUT", 10*time.Second),
			Smooth:          getbool("SMOOTH_TRANSFORM", true),
		},
		CacheEntries: max(getint("CACHE_ENTRIES", 2048), 1),
		Redis: RedisCfg{
			Addr:         getenv("REDIS_ADDR", ""),
			PoolSize:     max(getint("REDIS_POOL_SIZE", 64), 1),
			MinIdleConns: max(getint("REDIS_MIN_IDLE_CONNS", 4), 0),
			DialTimeout:  getduration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			IOTimeout:    getduration("REDIS_IO_TIMEOUT", time.Second),
		},
		CacheOpTimeout:  getduration("CACHE_OP_TIMEOUT", 250*time.Millisecond),
		CacheTTLDefault: getduration("CACHE_TTL_DEFAULT", 10*time.Minute),
		CacheTTLOvr:     parseDurationMap(getenv("CACHE_TTL_OVERRIDES", "")),
		CanvasLimit:     max(getint("CANVAS_LIMIT", 256), 1),
		Invalidation: InvalidationCfg{
			Enabled:          getbool("INVALIDATION_ENABLED", false),
			Topic:            getenv("KAFKA_TOPIC", "tile-invalidation"),
			Brokers:          getenv("KAFKA_BROKERS", "localhost:9092"),
			GroupID:          getenv("KAFKA_GROUP_ID", "tile-invalidator"),
			MaxKeysPerMatrix: max(getint("KAFKA_MAX_KEYS_PER_MATRIX", 4096), 1),
		},
		MetricsEnabled: getbool("METRICS_ENABLED", false),
		MetricsAddr:    getenv("METRICS_ADDR", ":9090"),
		MetricsPath:    getenv("METRICS_PATH", "/metrics"),
	}
}

// TTLFor returns the cache ttl for a layer, honoring "ws:layer" and bare "layer" overrides.
func (c Config) TTLFor(layer string) time.Duration {
	if layer == "" {
		return c.CacheTTLDefault
	}
	if d, ok := c.CacheTTLOvr[layer]; ok {
		return d
	}
	parts := strings.Split(layer, ":")
	if len(parts) == 2 {
		if d, ok := c.CacheTTLOvr[parts[1]]; ok {
			return d
		}
	}
	return c.CacheTTLDefault
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getint(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "t", "true", "y", "yes":
			return true
		case "0", "f", "false", "n", "no":
			return false
		}
	}
	return def
}

func getduration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func clamp(v, lo, hi int) int {
	return min(max(v, lo), hi)
}

func splitCSV(s string) []string {
	var out []string
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parse "layer=5m,other=30s" into map
func parseDurationMap(s string) map[string]time.Duration {
	out := map[string]time.Duration{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out
	}
	for p := range strings.SplitSeq(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		kv := strings.SplitN(p, "=", 2)
		if len(kv) != 2 {
			continue
		}
		k := strings.TrimSpace(kv[0])
		v := strings.TrimSpace(kv[1])
		if k == "" {
			continue
		}
		if d, err := time.ParseDuration(v); err == nil {
			out[k] = d
		}
	}
	return out
}
