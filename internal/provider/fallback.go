package provider

import (
	"image"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/tilecache"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/tiling"
)

// maxFallbackTiles bounds the lookups of one level for one gap; finer levels
// over a large gap are skipped instead of probed tile by tile.
const maxFallbackTiles = 256

// levelFallback serves cached tiles of the other levels of a matrix set. It
// only reads the in-process cache and never triggers a fetch.
type levelFallback struct {
	src    model.Source
	set    model.TileMatrixSet
	matrix string
	cache  *tilecache.Cache
}

func (f *levelFallback) Levels(vp model.Viewport, gap image.Rectangle) [][]model.TileImage {
	if gap.Empty() {
		return nil
	}
	sub := model.Viewport{Extent: vp.ToMap(gap), Width: gap.Dx(), Height: gap.Dy()}
	var out [][]model.TileImage
	for _, m := range tiling.MatricesByDistance(f.set, f.matrix) {
		if tiling.Count(sub.Extent, m) > maxFallbackTiles {
			continue
		}
		addressed, err := tiling.Address(sub, m)
		if err != nil || len(addressed) == 0 {
			continue
		}
		var level []model.TileImage
		for i, a := range addressed {
			img, ok := f.cache.Peek(keys.TileKey(f.src, m.Identifier, a.Position))
			if !ok {
				continue
			}
			level = append(level, model.TileImage{Dest: vp.ToPixels(a.Extent), Index: i, Image: img})
		}
		out = append(out, level)
	}
	return out
}
