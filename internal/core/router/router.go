// Package router parses map canvas requests and serves them from a canvas
// provider.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"math"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/fetch"
	"github.com/mohammed-shakir/wms-tile-cache/internal/provider"
	"github.com/mohammed-shakir/wms-tile-cache/internal/stats"
)

const (
	maxImageSide  = 4096
	defaultCanvas = "default"
)

// Canvas is the provider of one map canvas.
type Canvas interface {
	RequestImage(ctx context.Context, vp model.Viewport) (*provider.Rendered, error)
	Legend(ctx context.Context, scale float64, ext *model.Rect) (image.Image, error)
	ReloadData(ctx context.Context) error
}

// CanvasFunc returns the provider of a canvas id, creating it when needed.
type CanvasFunc func(id string) (Canvas, error)

type StatsReporter interface {
	All() []stats.Snapshot
	Reset()
}

type MapRequest struct {
	Canvas   string
	Viewport model.Viewport
}

type LegendRequest struct {
	Canvas string
	Scale  float64
	Extent *model.Rect
}

// HandleMap renders the viewport of one canvas as PNG. A request superseded
// by a newer one on the same canvas answers 204.
func HandleMap(logger *slog.Logger, canvases CanvasFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := ParseMapRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := canvases(req.Canvas)
		if err != nil {
			logger.ErrorContext(r.Context(), "canvas unavailable", "canvas", req.Canvas, "err", err)
			http.Error(w, "canvas unavailable", http.StatusInternalServerError)
			return
		}
		out, err := c.RequestImage(r.Context(), req.Viewport)
		if err != nil {
			writeFetchError(w, r, logger, err)
			return
		}
		w.Header().Set("X-Cache", string(out.Hit))
		w.Header().Set("X-Cycle-Id", strconv.FormatUint(out.CycleID, 10))
		w.Header().Set("X-Tiles-Failed", strconv.Itoa(out.Failed))
		writePNG(w, r, logger, out.Image)
	}
}

func HandleLegend(logger *slog.Logger, canvases CanvasFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req, err := ParseLegendRequest(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := canvases(req.Canvas)
		if err != nil {
			logger.ErrorContext(r.Context(), "canvas unavailable", "canvas", req.Canvas, "err", err)
			http.Error(w, "canvas unavailable", http.StatusInternalServerError)
			return
		}
		img, err := c.Legend(r.Context(), req.Scale, req.Extent)
		if err != nil {
			writeFetchError(w, r, logger, err)
			return
		}
		writePNG(w, r, logger, img)
	}
}

// HandleReload drops the cached imagery of a canvas source.
func HandleReload(logger *slog.Logger, canvases CanvasFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := parseCanvas(r.URL.Query().Get("canvas"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		c, err := canvases(id)
		if err != nil {
			http.Error(w, "canvas unavailable", http.StatusInternalServerError)
			return
		}
		if err := c.ReloadData(r.Context()); err != nil {
			logger.ErrorContext(r.Context(), "reload failed", "canvas", id, "err", err)
			http.Error(w, "reload failed", http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func HandleStats(s StatsReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		_ = json.NewEncoder(w).Encode(struct {
			Sources []stats.Snapshot `json:"sources"`
		}{Sources: s.All()})
	}
}

// HandleStatsReset zeroes the counters of every source.
func HandleStatsReset(logger *slog.Logger, s StatsReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.Reset()
		logger.InfoContext(r.Context(), "statistics reset")
		w.WriteHeader(http.StatusNoContent)
	}
}

func writeFetchError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, fetch.ErrCancelled):
		// superseded; the newer request answers
		w.WriteHeader(http.StatusNoContent)
	case fetch.KindOf(err) == fetch.KindCapabilities:
		logger.WarnContext(r.Context(), "request not servable by source", "err", err)
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		logger.ErrorContext(r.Context(), "image request failed", "err", err)
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
	}
}

func writePNG(w http.ResponseWriter, r *http.Request, logger *slog.Logger, img image.Image) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := enc.Encode(&buf, img); err != nil {
		logger.ErrorContext(r.Context(), "png encode failed", "err", err)
		http.Error(w, "encode failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(buf.Len()))
	_, _ = w.Write(buf.Bytes())
}

// ParseMapRequest reads bbox=xmin,ymin,xmax,ymax (source CRS), width,
// height and an optional canvas id.
func ParseMapRequest(r *http.Request) (MapRequest, error) {
	q := r.URL.Query()
	canvas, err := parseCanvas(q.Get("canvas"))
	if err != nil {
		return MapRequest{}, err
	}
	ext, err := parseBBOX(q.Get("bbox"))
	if err != nil {
		return MapRequest{}, fmt.Errorf("invalid bbox: %w", err)
	}
	width, err := parseSide("width", q.Get("width"))
	if err != nil {
		return MapRequest{}, err
	}
	height, err := parseSide("height", q.Get("height"))
	if err != nil {
		return MapRequest{}, err
	}
	return MapRequest{
		Canvas:   canvas,
		Viewport: model.Viewport{Extent: ext, Width: width, Height: height},
	}, nil
}

// ParseLegendRequest reads an optional scale denominator and bbox.
func ParseLegendRequest(r *http.Request) (LegendRequest, error) {
	q := r.URL.Query()
	canvas, err := parseCanvas(q.Get("canvas"))
	if err != nil {
		return LegendRequest{}, err
	}
	out := LegendRequest{Canvas: canvas}
	if raw := strings.TrimSpace(q.Get("scale")); raw != "" {
		s, err := parseFloat(raw)
		if err != nil || s < 0 {
			return LegendRequest{}, fmt.Errorf("invalid scale %q", raw)
		}
		out.Scale = s
	}
	if raw := strings.TrimSpace(q.Get("bbox")); raw != "" {
		ext, err := parseBBOX(raw)
		if err != nil {
			return LegendRequest{}, fmt.Errorf("invalid bbox: %w", err)
		}
		out.Extent = &ext
	}
	return out, nil
}

var canvasPattern = regexp.MustCompile(`^[A-Za-z0-9_\-]{1,64}$`)

func parseCanvas(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return defaultCanvas, nil
	}
	if !canvasPattern.MatchString(raw) {
		return "", fmt.Errorf("invalid canvas id %q", raw)
	}
	return raw, nil
}

func parseSide(name, raw string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("missing or invalid %s", name)
	}
	if n <= 0 || n > maxImageSide {
		return 0, fmt.Errorf("%s must be in [1,%d]", name, maxImageSide)
	}
	return n, nil
}

func parseBBOX(bboxParam string) (model.Rect, error) {
	parts := strings.Split(strings.TrimSpace(bboxParam), ",")
	if len(parts) != 4 {
		return model.Rect{}, errors.New("expected 4 comma-separated values: xmin,ymin,xmax,ymax")
	}
	var v [4]float64
	for i, p := range parts {
		f, err := parseFloat(p)
		if err != nil {
			return model.Rect{}, fmt.Errorf("value %d: %w", i+1, err)
		}
		v[i] = f
	}
	r := model.Rect{XMin: v[0], YMin: v[1], XMax: v[2], YMax: v[3]}
	if r.Empty() {
		return model.Rect{}, errors.New("coordinates must satisfy xmax>xmin and ymax>ymin")
	}
	return r, nil
}

func parseFloat(v string) (float64, error) {
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return 0, fmt.Errorf("parse float: %w", err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("parse float: %q is not finite", v)
	}
	return f, nil
}
