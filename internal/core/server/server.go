// Package server exposes the map canvas HTTP surface.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/health"
	middleware "github.com/mohammed-shakir/wms-tile-cache/internal/core/middleware"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/router"
)

// Deps are the collaborators behind the routes. Metrics and Checks are
// optional.
type Deps struct {
	Canvases router.CanvasFunc
	Stats    router.StatsReporter
	Metrics  http.Handler
	Checks   []health.Check
}

// NewRouter returns the chi router serving /map, /legend, /reload, /stats,
// /healthz, /readyz and /metrics. DELETE /stats resets the counters.
func NewRouter(logger *slog.Logger, d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logging(logger))
	r.Use(middleware.CORS())

	r.Get("/healthz", health.Liveness())
	r.Get("/readyz", health.Readiness(2*time.Second, d.Checks...))
	if d.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", d.Metrics)
	}
	r.Get("/map", router.HandleMap(logger, d.Canvases))
	r.Get("/legend", router.HandleLegend(logger, d.Canvases))
	r.Post("/reload", router.HandleReload(logger, d.Canvases))
	r.Get("/stats", router.HandleStats(d.Stats))
	r.Delete("/stats", router.HandleStatsReset(logger, d.Stats))
	return r
}

// Run serves NewRouter on addr until ctx ends.
func Run(ctx context.Context, addr string, logger *slog.Logger, d Deps) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           NewRouter(logger, d),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http listen", "addr", addr)
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
