// Package model defines core domain types shared across the service.
package model

import (
	"fmt"
	"image"
	"math"
	"strings"
)

// Rect is an extent in map units.
type Rect struct {
	XMin, YMin float64
	XMax, YMax float64
}

func (r Rect) Width() float64  { return r.XMax - r.XMin }
func (r Rect) Height() float64 { return r.YMax - r.YMin }

func (r Rect) Empty() bool {
	return !(r.XMax > r.XMin && r.YMax > r.YMin)
}

func (r Rect) Intersects(o Rect) bool {
	return r.XMin < o.XMax && o.XMin < r.XMax && r.YMin < o.YMax && o.YMin < r.YMax
}

func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		XMin: math.Max(r.XMin, o.XMin),
		YMin: math.Max(r.YMin, o.YMin),
		XMax: math.Min(r.XMax, o.XMax),
		YMax: math.Min(r.YMax, o.YMax),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// String representation matching wms bbox format
func (r Rect) String() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", r.XMin, r.YMin, r.XMax, r.YMax)
}

// RectF is a rectangle in output-image pixel space, y growing downwards.
type RectF struct {
	X, Y float64
	W, H float64
}

// Pixels snaps the rectangle edges to the pixel grid.
func (r RectF) Pixels() image.Rectangle {
	return image.Rect(
		int(math.Round(r.X)),
		int(math.Round(r.Y)),
		int(math.Round(r.X+r.W)),
		int(math.Round(r.Y+r.H)),
	)
}

// Viewport is the input of one fetch cycle.
type Viewport struct {
	Extent Rect
	Width  int
	Height int
}

// Resolution returns map units per pixel along x.
func (v Viewport) Resolution() float64 {
	if v.Width <= 0 {
		return 0
	}
	return v.Extent.Width() / float64(v.Width)
}

func (v Viewport) Validate() error {
	if v.Width <= 0 || v.Height <= 0 {
		return fmt.Errorf("viewport size must be positive (got %dx%d)", v.Width, v.Height)
	}
	if v.Extent.Empty() {
		return fmt.Errorf("viewport extent is empty: %s", v.Extent)
	}
	return nil
}

// ToPixels maps a map-unit rectangle into this viewport's pixel space.
func (v Viewport) ToPixels(r Rect) RectF {
	sx := float64(v.Width) / v.Extent.Width()
	sy := float64(v.Height) / v.Extent.Height()
	return RectF{
		X: (r.XMin - v.Extent.XMin) * sx,
		Y: (v.Extent.YMax - r.YMax) * sy,
		W: r.Width() * sx,
		H: r.Height() * sy,
	}
}

// ToMap maps a pixel rectangle back into map units.
func (v Viewport) ToMap(p image.Rectangle) Rect {
	rx := v.Extent.Width() / float64(v.Width)
	ry := v.Extent.Height() / float64(v.Height)
	return Rect{
		XMin: v.Extent.XMin + float64(p.Min.X)*rx,
		XMax: v.Extent.XMin + float64(p.Max.X)*rx,
		YMax: v.Extent.YMax - float64(p.Min.Y)*ry,
		YMin: v.Extent.YMax - float64(p.Max.Y)*ry,
	}
}

type TilePosition struct {
	Row, Col int
}

func (p TilePosition) String() string { return fmt.Sprintf("%d/%d", p.Row, p.Col) }

// TileMatrix is one resolution level of a tiled source. Rows grow southwards
// from the top-left corner.
type TileMatrix struct {
	Identifier   string
	TopLeftX     float64
	TopLeftY     float64
	TileWidth    int
	TileHeight   int
	MatrixWidth  int
	MatrixHeight int
	Resolution   float64
}

// TileSpan returns the map-unit size of one tile.
func (m TileMatrix) TileSpan() (w, h float64) {
	return float64(m.TileWidth) * m.Resolution, float64(m.TileHeight) * m.Resolution
}

// TileExtent returns the map-unit extent covered by the tile at p.
func (m TileMatrix) TileExtent(p TilePosition) Rect {
	tw, th := m.TileSpan()
	x0 := m.TopLeftX + float64(p.Col)*tw
	y0 := m.TopLeftY - float64(p.Row)*th
	return Rect{XMin: x0, YMin: y0 - th, XMax: x0 + tw, YMax: y0}
}

// Extent returns the map-unit extent of the whole grid.
func (m TileMatrix) Extent() Rect {
	tw, th := m.TileSpan()
	return Rect{
		XMin: m.TopLeftX,
		YMax: m.TopLeftY,
		XMax: m.TopLeftX + float64(m.MatrixWidth)*tw,
		YMin: m.TopLeftY - float64(m.MatrixHeight)*th,
	}
}

func (m TileMatrix) Validate() error {
	if m.Identifier == "" {
		return fmt.Errorf("tile matrix identifier is required")
	}
	if m.TileWidth <= 0 || m.TileHeight <= 0 {
		return fmt.Errorf("tile matrix %q: tile size must be positive", m.Identifier)
	}
	if m.MatrixWidth <= 0 || m.MatrixHeight <= 0 {
		return fmt.Errorf("tile matrix %q: matrix size must be positive", m.Identifier)
	}
	if !(m.Resolution > 0) {
		return fmt.Errorf("tile matrix %q: resolution must be positive", m.Identifier)
	}
	return nil
}

// TileMatrixSet is ordered from coarsest to finest resolution.
type TileMatrixSet struct {
	Identifier string
	CRS        string
	Matrices   []TileMatrix
}

// TileRequest is one outbound image fetch of a cycle.
type TileRequest struct {
	URL   string
	Dest  RectF
	Index int
	// CacheKey identifies the image across cycles; empty disables caching.
	CacheKey string
	Position TilePosition
	MatrixID string
}

// TileImage is a decoded image ready to be drawn at Dest.
type TileImage struct {
	Dest  RectF
	Index int
	Image image.Image
}

type TileMode int

const (
	TileModeNone TileMode = iota
	TileModeWMSC
	TileModeWMTS
	TileModeXYZ
)

func (m TileMode) String() string {
	switch m {
	case TileModeWMSC:
		return "wmsc"
	case TileModeWMTS:
		return "wmts"
	case TileModeXYZ:
		return "xyz"
	default:
		return "none"
	}
}

func ParseTileMode(s string) (TileMode, error) {
	switch s {
	case "", "none", "wms":
		return TileModeNone, nil
	case "wmsc", "wms-c":
		return TileModeWMSC, nil
	case "wmts":
		return TileModeWMTS, nil
	case "xyz":
		return TileModeXYZ, nil
	default:
		return TileModeNone, fmt.Errorf("unknown tile mode %q", s)
	}
}

type Auth struct {
	Username string
	Password string
	Referer  string
}

// Source describes one imagery endpoint and how to address it.
type Source struct {
	BaseURL     string
	Layers      []string
	Styles      []string
	Format      string
	CRS         string
	Version     string
	Transparent bool
	// InvertAxis swaps bbox axis order (WMS 1.3.0 with geographic CRS).
	InvertAxis bool
	Mode       TileMode
	// Template is the WMTS REST or XYZ url template.
	Template  string
	MatrixSet string
	Auth      Auth
}

// Key identifies the source for statistics and cache namespacing.
func (s Source) Key() string {
	base := s.BaseURL
	if s.Mode == TileModeXYZ || (s.Mode == TileModeWMTS && s.Template != "") {
		base = s.Template
	}
	return fmt.Sprintf("%s|layers=%s|styles=%s|format=%s|crs=%s|mode=%s|set=%s",
		base, strings.Join(s.Layers, ","), strings.Join(s.Styles, ","),
		s.Format, s.CRS, s.Mode, s.MatrixSet)
}
