// Package composer assembles the images of one fetch cycle into the output
// image of the requested viewport.
package composer

import (
	"image"
	"image/draw"
	"sort"

	xdraw "golang.org/x/image/draw"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/observability"
	"github.com/mohammed-shakir/wms-tile-cache/internal/fetch"
)

// Fallback supplies already cached imagery of other resolution levels.
type Fallback interface {
	// Levels returns, most preferred level first, the cached tiles of each
	// alternate level that intersect gap. Destinations are in the pixel space
	// of vp.
	Levels(vp model.Viewport, gap image.Rectangle) [][]model.TileImage
}

type Options struct {
	// Smooth selects bilinear instead of nearest neighbour resampling.
	Smooth bool
}

type Compositor struct {
	scaler xdraw.Scaler
}

func New(opts Options) *Compositor {
	var s xdraw.Scaler = xdraw.NearestNeighbor
	if opts.Smooth {
		s = xdraw.ApproxBiLinear
	}
	return &Compositor{scaler: s}
}

// Compose draws every succeeded result in ascending request index order, so a
// later index wins where destinations overlap, then fills the areas left
// without a succeeded image from fb. fb may be nil. Nothing is drawn outside
// the viewport.
func (c *Compositor) Compose(vp model.Viewport, results []fetch.Result, fb Fallback) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, vp.Width, vp.Height))

	ordered := make([]fetch.Result, len(results))
	copy(ordered, results)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Request.Index < ordered[j].Request.Index })

	for _, r := range ordered {
		if r.State == fetch.StateSucceeded && r.Image != nil {
			c.draw(out, r.Image, r.Request.Dest, draw.Src)
		}
	}

	if fb == nil {
		return out
	}
	for _, gap := range Gaps(out.Bounds(), ordered) {
		if !c.fill(out, vp, gap, fb) {
			continue
		}
		observability.IncFallbackFill()
		c.restore(out, gap, ordered)
	}
	return out
}

// restore redraws, clipped to gap, the succeeded results overlapping it, so
// fallback imagery never covers fetched pixels.
func (c *Compositor) restore(out *image.RGBA, gap image.Rectangle, ordered []fetch.Result) {
	sub, ok := out.SubImage(gap).(*image.RGBA)
	if !ok {
		return
	}
	for _, r := range ordered {
		if r.State == fetch.StateSucceeded && r.Image != nil && r.Request.Dest.Pixels().Overlaps(gap) {
			c.draw(sub, r.Image, r.Request.Dest, draw.Src)
		}
	}
}

// Image returns the single image of a direct cycle (legend), or nil.
func Image(results []fetch.Result) image.Image {
	for _, r := range results {
		if r.State == fetch.StateSucceeded && r.Image != nil {
			return r.Image
		}
	}
	return nil
}

func (c *Compositor) draw(dst draw.Image, src image.Image, dest model.RectF, op draw.Op) {
	dr := dest.Pixels()
	if dr.Empty() || !dr.Overlaps(dst.Bounds()) {
		return
	}
	c.scaler.Scale(dst, dr, src, src.Bounds(), op, nil)
}

// fill draws the preferred levels into gap. Levels are collected until one
// covers the gap entirely, then drawn least preferred first so the most
// preferred imagery ends on top.
func (c *Compositor) fill(out *image.RGBA, vp model.Viewport, gap image.Rectangle, fb Fallback) bool {
	var use [][]model.TileImage
	for _, level := range fb.Levels(vp, gap) {
		if len(level) == 0 {
			continue
		}
		use = append(use, level)
		if covers(level, gap) {
			break
		}
	}
	if len(use) == 0 {
		return false
	}
	sub, ok := out.SubImage(gap).(*image.RGBA)
	if !ok {
		return false
	}
	for i := len(use) - 1; i >= 0; i-- {
		level := use[i]
		sort.SliceStable(level, func(a, b int) bool { return level[a].Index < level[b].Index })
		for _, t := range level {
			c.draw(sub, t.Image, t.Dest, draw.Over)
		}
	}
	return true
}

// covers reports whether the non-overlapping tiles of one level cover gap.
func covers(level []model.TileImage, gap image.Rectangle) bool {
	want := gap.Dx() * gap.Dy()
	got := 0
	for _, t := range level {
		in := t.Dest.Pixels().Intersect(gap)
		got += in.Dx() * in.Dy()
	}
	return got >= want
}

// Gaps returns the areas of bounds left without a succeeded image: the
// destinations of failed or cancelled requests and the parts of bounds no
// request addressed at all.
func Gaps(bounds image.Rectangle, results []fetch.Result) []image.Rectangle {
	var gaps []image.Rectangle
	covered := image.Rectangle{}
	for _, r := range results {
		dr := r.Request.Dest.Pixels().Intersect(bounds)
		covered = covered.Union(dr)
		if r.State != fetch.StateSucceeded && !dr.Empty() {
			gaps = append(gaps, dr)
		}
	}
	if covered.Empty() {
		return append(gaps, bounds)
	}
	// up to four strips around the addressed block
	strips := []image.Rectangle{
		image.Rect(bounds.Min.X, bounds.Min.Y, bounds.Max.X, covered.Min.Y),
		image.Rect(bounds.Min.X, covered.Max.Y, bounds.Max.X, bounds.Max.Y),
		image.Rect(bounds.Min.X, covered.Min.Y, covered.Min.X, covered.Max.Y),
		image.Rect(covered.Max.X, covered.Min.Y, bounds.Max.X, covered.Max.Y),
	}
	for _, s := range strips {
		if s = s.Intersect(bounds); !s.Empty() {
			gaps = append(gaps, s)
		}
	}
	return gaps
}

type HitClass string

const (
	HitClassFull    HitClass = "full_hit"
	HitClassPartial HitClass = "partial_hit"
	HitClassMiss    HitClass = "miss"
)

// Classify reports how much of a cycle was served from the cache.
func Classify(results []fetch.Result) HitClass {
	if len(results) == 0 {
		return HitClassMiss
	}
	allHit := true
	anyHit := false
	for _, r := range results {
		if r.FromCache {
			anyHit = true
		} else {
			allHit = false
		}
	}
	switch {
	case allHit:
		return HitClassFull
	case anyHit:
		return HitClassPartial
	default:
		return HitClassMiss
	}
}
