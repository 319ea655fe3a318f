// Package capabilities holds the already validated tile matrices and formats
// of a source and answers lookups by identifier.
package capabilities

import (
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"
	"strconv"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

var ErrUnknownMatrix = errors.New("unknown tile matrix")

// Provider is consumed by the fetch pipeline. Implementations are read-only
// after construction and safe for concurrent use.
type Provider interface {
	LookupMatrix(id string) (model.TileMatrix, error)
	MatrixSet() model.TileMatrixSet
	SupportedFormats() []string
}

type Static struct {
	set     model.TileMatrixSet
	byID    map[string]int
	formats []string
}

// NewStatic validates set and orders its matrices from coarsest to finest.
func NewStatic(set model.TileMatrixSet, formats []string) (*Static, error) {
	if len(set.Matrices) == 0 {
		return nil, fmt.Errorf("tile matrix set %q: no matrices", set.Identifier)
	}
	ms := slices.Clone(set.Matrices)
	byID := make(map[string]int, len(ms))
	for _, m := range ms {
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("tile matrix set %q: %w", set.Identifier, err)
		}
		if _, dup := byID[m.Identifier]; dup {
			return nil, fmt.Errorf("tile matrix set %q: duplicate matrix %q", set.Identifier, m.Identifier)
		}
		byID[m.Identifier] = 0
	}
	sort.SliceStable(ms, func(i, j int) bool { return ms[i].Resolution > ms[j].Resolution })
	for i, m := range ms {
		byID[m.Identifier] = i
	}
	set.Matrices = ms
	return &Static{set: set, byID: byID, formats: slices.Clone(formats)}, nil
}

func (s *Static) LookupMatrix(id string) (model.TileMatrix, error) {
	i, ok := s.byID[id]
	if !ok {
		return model.TileMatrix{}, fmt.Errorf("%w %q in set %q", ErrUnknownMatrix, id, s.set.Identifier)
	}
	return s.set.Matrices[i], nil
}

func (s *Static) MatrixSet() model.TileMatrixSet {
	out := s.set
	out.Matrices = slices.Clone(s.set.Matrices)
	return out
}

func (s *Static) SupportedFormats() []string { return slices.Clone(s.formats) }

// SupportsFormat reports whether f is listed; an empty list accepts anything.
func SupportsFormat(p Provider, f string) bool {
	fs := p.SupportedFormats()
	return len(fs) == 0 || slices.Contains(fs, f)
}

const (
	webMercatorHalf = 20037508.342789244
	// OGC standardized rendering pixel size in metres.
	pixelSize = 0.00028
)

// XYZ returns the Web Mercator matrix set of a slippy map source for zoom
// levels minZoom..maxZoom. Matrix identifiers are the zoom levels.
func XYZ(tileSize, minZoom, maxZoom int) model.TileMatrixSet {
	if tileSize <= 0 {
		tileSize = 256
	}
	minZoom = max(minZoom, 0)
	maxZoom = max(maxZoom, minZoom)
	set := model.TileMatrixSet{Identifier: "xyz", CRS: "EPSG:3857"}
	for z := minZoom; z <= maxZoom; z++ {
		n := 1 << z
		set.Matrices = append(set.Matrices, model.TileMatrix{
			Identifier:   strconv.Itoa(z),
			TopLeftX:     -webMercatorHalf,
			TopLeftY:     webMercatorHalf,
			TileWidth:    tileSize,
			TileHeight:   tileSize,
			MatrixWidth:  n,
			MatrixHeight: n,
			Resolution:   2 * webMercatorHalf / float64(tileSize*n),
		})
	}
	return set
}

// metersPerUnit converts scale denominators to resolutions for the common
// geographic and projected CRSs.
func metersPerUnit(crs string) float64 {
	if isGeographic(crs) {
		return 2 * math.Pi * 6378137 / 360
	}
	return 1
}
