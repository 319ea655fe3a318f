package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache"
	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/redisstore"
	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/health"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/httpclient"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/router"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/server"
	"github.com/mohammed-shakir/wms-tile-cache/internal/fetch"
	"github.com/mohammed-shakir/wms-tile-cache/internal/imagedec"
	"github.com/mohammed-shakir/wms-tile-cache/internal/invalidation/kafkaconsumer"
	"github.com/mohammed-shakir/wms-tile-cache/internal/logger"
	"github.com/mohammed-shakir/wms-tile-cache/internal/metrics"
	"github.com/mohammed-shakir/wms-tile-cache/internal/provider"
	"github.com/mohammed-shakir/wms-tile-cache/internal/stats"
)

var Version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	addrFlag := flag.String("addr", "", "listen address (overrides ADDR)")
	modeFlag := flag.String("mode", "", "tile mode none|wmsc|wmts|xyz (overrides TILE_MODE)")
	capsFlag := flag.String("capabilities", "", "WMTS capabilities file (overrides WMTS_CAPABILITIES_FILE)")
	flag.Parse()

	cfg := config.FromEnv()
	if *addrFlag != "" {
		cfg.Addr = *addrFlag
	}
	if *modeFlag != "" {
		cfg.Source.TileMode = strings.ToLower(strings.TrimSpace(*modeFlag))
	}
	if *capsFlag != "" {
		cfg.Source.CapabilitiesFile = *capsFlag
	}

	zl := logger.Build(logger.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		SampleN:   cfg.LogSampleN,
		Component: "wmstiles",
	}, os.Stdout)
	appLog := logger.NewSlog(&zl)

	src, err := sourceFromConfig(cfg.Source)
	if err != nil {
		appLog.Error("invalid source configuration", "err", err)
		return 1
	}
	caps, err := loadCapabilities(cfg.Source, src)
	if err != nil {
		appLog.Error("capabilities setup failed", "err", err)
		return 1
	}
	appLog.Info("starting wmstiles",
		"addr", cfg.Addr,
		"version", Version,
		"source", src.Key(),
		"mode", src.Mode.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mp := metrics.Init(metrics.Config{
		Enabled: cfg.MetricsEnabled,
		Addr:    cfg.MetricsAddr,
		Path:    cfg.MetricsPath,
		Build: metrics.BuildInfo{
			Version:   firstNonEmpty(os.Getenv("BUILD_VERSION"), Version),
			Revision:  os.Getenv("BUILD_REVISION"),
			BuildDate: os.Getenv("BUILD_DATE"),
		},
	})
	if mp.Enabled() && cfg.MetricsAddr != cfg.Addr {
		go serveMetrics(ctx, appLog, cfg.MetricsAddr, mp)
	}

	var (
		shared cache.Interface
		checks []health.Check
	)
	if rcfg := cfg.Redis; rcfg.Addr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, rcfg.DialTimeout+time.Second)
		rc, err := redisstore.New(pingCtx, rcfg.Addr,
			redisstore.WithPoolSize(rcfg.PoolSize),
			redisstore.WithMinIdleConns(rcfg.MinIdleConns),
			redisstore.WithDialTimeout(rcfg.DialTimeout),
			redisstore.WithReadTimeout(rcfg.IOTimeout),
			redisstore.WithWriteTimeout(rcfg.IOTimeout),
		)
		cancel()
		if err != nil {
			appLog.Error("redis unavailable", "addr", rcfg.Addr, "err", err)
			return 1
		}
		defer func() { _ = rc.Close() }()
		shared = rc
		checks = append(checks, health.Check{Name: "redis", Probe: rc.Ping})
	}

	dec := imagedec.Registered{}
	ttl := cfg.TTLFor(firstNonEmpty(cfg.Source.Layers...))
	tiles, err := tilecache.New(tilecache.Options{
		Entries:   cfg.CacheEntries,
		TTL:       ttl,
		Shared:    shared,
		OpTimeout: cfg.CacheOpTimeout,
		Decoder:   dec,
		Logger:    appLog.With("component", "tilecache"),
	})
	if err != nil {
		appLog.Error("tile cache setup failed", "err", err)
		return 1
	}

	transport := httpclient.NewTransport(httpclient.Options{
		Client:    httpclient.NewOutbound(),
		Auth:      src.Auth,
		UserAgent: "wmstiles/" + Version,
		Upstream:  src.Mode.String(),
	})
	retry := fetch.DefaultRetryPolicy()
	retry.MaxRetries = cfg.Fetch.MaxRetries
	retry.Base, retry.Max = cfg.Fetch.RetryBase, cfg.Fetch.RetryMax
	if cfg.Fetch.RetryServerOnly {
		retry.Retryable = fetch.RetryServerErrorsOnly
	}
	handler, err := fetch.New(fetch.Config{
		Transport:      transport,
		Decoder:        dec,
		Cache:          tiles,
		MaxParallel:    cfg.Fetch.MaxParallel,
		Retry:          retry,
		AttemptTimeout: cfg.Fetch.Timeout,
		Logger:         appLog.With("component", "fetch"),
	})
	if err != nil {
		appLog.Error("fetch handler setup failed", "err", err)
		return 1
	}

	store := stats.NewStore()
	canvases, err := provider.NewCanvases(cfg.CanvasLimit, func(canvas string) (*provider.Provider, error) {
		return provider.New(provider.Options{
			Source:       src,
			Capabilities: caps,
			Handler:      handler,
			Cache:        tiles,
			Stats:        store,
			CacheTTL:     ttl,
			Smooth:       cfg.Fetch.Smooth,
			Logger:       appLog.With("component", "provider", "canvas", canvas),
		})
	})
	if err != nil {
		appLog.Error("canvas table setup failed", "err", err)
		return 1
	}
	if mp.Enabled() {
		mp.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "wmstiles_canvases",
			Help: "Map canvases currently holding a provider.",
		}, func() float64 { return float64(canvases.Len()) }))
	}

	if cfg.Invalidation.Enabled {
		kcfg := kafkaconsumer.NewConfig(cfg.Invalidation.Brokers, cfg.Invalidation.Topic, cfg.Invalidation.GroupID)
		kcfg.MaxKeysPerMatrix = cfg.Invalidation.MaxKeysPerMatrix
		kcfg.LogLevel = cfg.LogLevel
		target := kafkaconsumer.Target{Source: src}
		if caps != nil {
			target.Set = caps.MatrixSet()
		}
		cons := kafkaconsumer.New(kcfg, appLog.With("component", "invalidation"), tiles, target)
		go func() {
			if err := cons.Start(ctx); err != nil {
				appLog.Error("invalidation consumer stopped", "err", err)
			}
		}()
	}

	deps := server.Deps{
		Canvases: func(id string) (router.Canvas, error) {
			p, err := canvases.Get(id)
			if err != nil {
				return nil, err
			}
			return p, nil
		},
		Stats:  store,
		Checks: checks,
	}
	if mp.Enabled() {
		deps.Metrics = mp.Handler()
	}

	if err := server.Run(ctx, cfg.Addr, appLog, deps); err != nil {
		appLog.Error("server exited with error", "err", err)
		return 1
	}
	canvases.Each(func(_ string, p *provider.Provider) { p.Cancel() })
	appLog.Info("server stopped")
	return 0
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string, mp *metrics.Provider) {
	mux := http.NewServeMux()
	mux.Handle(mp.Path(), mp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	log.Info("metrics listen", "addr", addr, "path", mp.Path())
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("metrics server exited", "err", err)
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
