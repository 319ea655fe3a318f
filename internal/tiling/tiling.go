// Package tiling maps a viewport onto the tiles of a tile matrix.
package tiling

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

var ErrEmptySet = errors.New("tile matrix set has no matrices")

// Addressed is one tile intersecting a viewport, with its map extent and its
// destination rectangle in the viewport's pixel space.
type Addressed struct {
	Position model.TilePosition
	Extent   model.Rect
	Dest     model.RectF
}

// Address returns the tiles of tm intersecting vp in row-major order. Tiles
// outside the matrix grid are omitted, so a viewport entirely outside the grid
// yields an empty slice and no error.
func Address(vp model.Viewport, tm model.TileMatrix) ([]Addressed, error) {
	if err := vp.Validate(); err != nil {
		return nil, fmt.Errorf("address tiles: %w", err)
	}
	if err := tm.Validate(); err != nil {
		return nil, fmt.Errorf("address tiles: %w", err)
	}

	rows, cols, ok := span(vp.Extent, tm)
	if !ok {
		return []Addressed{}, nil
	}
	out := make([]Addressed, 0, rows.n()*cols.n())
	for row := rows.lo; row <= rows.hi; row++ {
		for col := cols.lo; col <= cols.hi; col++ {
			p := model.TilePosition{Row: row, Col: col}
			ext := tm.TileExtent(p)
			out = append(out, Addressed{
				Position: p,
				Extent:   ext,
				Dest:     vp.ToPixels(ext),
			})
		}
	}
	return out, nil
}

type indexRange struct{ lo, hi int }

func (r indexRange) n() int { return r.hi - r.lo + 1 }

// span returns the row and column ranges of tm intersecting e.
func span(e model.Rect, tm model.TileMatrix) (rows, cols indexRange, ok bool) {
	if e.Empty() || !e.Intersects(tm.Extent()) {
		return rows, cols, false
	}
	tw, th := tm.TileSpan()
	cols = indexRange{
		lo: clampIndex(math.Floor((e.XMin-tm.TopLeftX)/tw), tm.MatrixWidth),
		hi: clampIndex(math.Ceil((e.XMax-tm.TopLeftX)/tw)-1, tm.MatrixWidth),
	}
	rows = indexRange{
		lo: clampIndex(math.Floor((tm.TopLeftY-e.YMax)/th), tm.MatrixHeight),
		hi: clampIndex(math.Ceil((tm.TopLeftY-e.YMin)/th)-1, tm.MatrixHeight),
	}
	return rows, cols, rows.lo <= rows.hi && cols.lo <= cols.hi
}

// Count returns how many tiles of tm intersect e without listing them.
func Count(e model.Rect, tm model.TileMatrix) int {
	if tm.Validate() != nil {
		return 0
	}
	rows, cols, ok := span(e, tm)
	if !ok {
		return 0
	}
	return rows.n() * cols.n()
}

// Cover returns the positions of the tiles of tm intersecting e in row-major
// order.
func Cover(e model.Rect, tm model.TileMatrix) []model.TilePosition {
	if tm.Validate() != nil {
		return nil
	}
	rows, cols, ok := span(e, tm)
	if !ok {
		return nil
	}
	out := make([]model.TilePosition, 0, rows.n()*cols.n())
	for row := rows.lo; row <= rows.hi; row++ {
		for col := cols.lo; col <= cols.hi; col++ {
			out = append(out, model.TilePosition{Row: row, Col: col})
		}
	}
	return out
}

// clampIndex bounds f to [0, n-1] before the integer conversion so extreme
// coordinates cannot overflow.
func clampIndex(f float64, n int) int {
	return int(math.Min(math.Max(f, 0), float64(n-1)))
}

// ChooseMatrix returns the matrix whose resolution is closest to res. Ties go
// to the finer matrix.
func ChooseMatrix(set model.TileMatrixSet, res float64) (model.TileMatrix, error) {
	if len(set.Matrices) == 0 {
		return model.TileMatrix{}, ErrEmptySet
	}
	if !(res > 0) {
		return model.TileMatrix{}, fmt.Errorf("choose matrix: invalid resolution %v", res)
	}
	best := -1
	bestDist := math.Inf(1)
	for i, m := range set.Matrices {
		d := math.Abs(m.Resolution - res)
		switch {
		case d < bestDist:
			best, bestDist = i, d
		case d == bestDist && m.Resolution < set.Matrices[best].Resolution:
			best = i
		}
	}
	return set.Matrices[best], nil
}

// MatricesByDistance returns every matrix of set except id, coarser levels
// first by increasing resolution distance, then finer levels the same way.
func MatricesByDistance(set model.TileMatrixSet, id string) []model.TileMatrix {
	var ref *model.TileMatrix
	for i := range set.Matrices {
		if set.Matrices[i].Identifier == id {
			ref = &set.Matrices[i]
			break
		}
	}
	if ref == nil {
		return nil
	}
	var coarser, finer []model.TileMatrix
	for _, m := range set.Matrices {
		switch {
		case m.Identifier == id:
		case m.Resolution > ref.Resolution:
			coarser = append(coarser, m)
		default:
			finer = append(finer, m)
		}
	}
	byDist := func(ms []model.TileMatrix) {
		sort.SliceStable(ms, func(i, j int) bool {
			return math.Abs(ms[i].Resolution-ref.Resolution) < math.Abs(ms[j].Resolution-ref.Resolution)
		})
	}
	byDist(coarser)
	byDist(finer)
	return append(coarser, finer...)
}
