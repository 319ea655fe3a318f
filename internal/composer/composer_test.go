package composer

import (
	"image"
	"image/color"
	"testing"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/fetch"
)

var (
	red     = color.RGBA{R: 255, A: 255}
	blue    = color.RGBA{B: 255, A: 255}
	green   = color.RGBA{G: 255, A: 255}
	yellow  = color.RGBA{R: 255, G: 255, A: 255}
	magenta = color.RGBA{R: 255, B: 255, A: 255}
)

func tile(c color.RGBA) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for y := range 8 {
		for x := range 8 {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func ok(idx int, dest model.RectF, c color.RGBA) fetch.Result {
	return fetch.Result{
		Request: model.TileRequest{Index: idx, Dest: dest},
		State:   fetch.StateSucceeded,
		Image:   tile(c),
	}
}

func failed(idx int, dest model.RectF) fetch.Result {
	return fetch.Result{Request: model.TileRequest{Index: idx, Dest: dest}, State: fetch.StateFailed}
}

func at(img *image.RGBA, x, y int) color.RGBA { return img.RGBAAt(x, y) }

var vp = model.Viewport{Extent: model.Rect{XMax: 20, YMax: 20}, Width: 20, Height: 20}

func quadrants() []model.RectF {
	return []model.RectF{
		{X: 0, Y: 0, W: 10, H: 10},
		{X: 10, Y: 0, W: 10, H: 10},
		{X: 0, Y: 10, W: 10, H: 10},
		{X: 10, Y: 10, W: 10, H: 10},
	}
}

func TestCompose_LaterIndexWinsRegardlessOfArrivalOrder(t *testing.T) {
	dest := model.RectF{X: 0, Y: 0, W: 20, H: 20}
	results := []fetch.Result{ok(2, dest, blue), ok(1, dest, red)}

	for _, smooth := range []bool{false, true} {
		out := New(Options{Smooth: smooth}).Compose(vp, results, nil)
		if got := at(out, 10, 10); got != blue {
			t.Fatalf("smooth=%v overlap pixel=%v want blue", smooth, got)
		}
	}
}

func TestCompose_PartialFailureLeavesBlankWithoutFallback(t *testing.T) {
	q := quadrants()
	results := []fetch.Result{ok(0, q[0], red), ok(1, q[1], red), failed(2, q[2]), ok(3, q[3], red)}

	out := New(Options{}).Compose(vp, results, nil)
	if at(out, 2, 2) != red || at(out, 15, 2) != red || at(out, 15, 15) != red {
		t.Fatalf("fetched quadrants not drawn")
	}
	if got := at(out, 5, 15); got.A != 0 {
		t.Fatalf("failed quadrant pixel=%v want transparent", got)
	}
}

type fakeFallback struct {
	levels [][]model.TileImage
	gaps   []image.Rectangle
}

func (f *fakeFallback) Levels(_ model.Viewport, gap image.Rectangle) [][]model.TileImage {
	f.gaps = append(f.gaps, gap)
	out := make([][]model.TileImage, len(f.levels))
	for i, l := range f.levels {
		out[i] = append([]model.TileImage(nil), l...)
	}
	return out
}

func TestCompose_FallbackFillsFailedTileOnly(t *testing.T) {
	q := quadrants()
	results := []fetch.Result{ok(0, q[0], red), ok(1, q[1], red), failed(2, q[2]), ok(3, q[3], red)}
	// one coarse tile stretched over the whole viewport
	fb := &fakeFallback{levels: [][]model.TileImage{{{Dest: model.RectF{W: 20, H: 20}, Image: tile(green)}}}}

	out := New(Options{}).Compose(vp, results, fb)
	if got := at(out, 5, 15); got != green {
		t.Fatalf("gap pixel=%v want green", got)
	}
	if got := at(out, 2, 2); got != red {
		t.Fatalf("fallback leaked outside the gap: %v", got)
	}
	if len(fb.gaps) != 1 || fb.gaps[0] != image.Rect(0, 10, 10, 20) {
		t.Fatalf("gaps=%v", fb.gaps)
	}
}

func TestCompose_FallbackNeverCoversSucceededOverlap(t *testing.T) {
	full := model.RectF{W: 20, H: 20}
	right := model.RectF{X: 10, W: 10, H: 20}
	fb := &fakeFallback{levels: [][]model.TileImage{{{Dest: full, Image: tile(green)}}}}

	for _, results := range [][]fetch.Result{
		{failed(1, full), ok(2, right, red)},
		{ok(1, right, red), failed(2, full)},
	} {
		out := New(Options{}).Compose(vp, results, fb)
		if got := at(out, 15, 5); got != red {
			t.Fatalf("succeeded pixel=%v want red", got)
		}
		if got := at(out, 5, 5); got != green {
			t.Fatalf("gap pixel=%v want green", got)
		}
	}
}

func TestCompose_FallbackPrefersFirstLevelAndStopsWhenCovered(t *testing.T) {
	results := []fetch.Result{failed(0, model.RectF{W: 20, H: 20})}
	fb := &fakeFallback{levels: [][]model.TileImage{
		{{Dest: model.RectF{W: 10, H: 20}, Image: tile(yellow)}}, // left half only
		{{Dest: model.RectF{W: 20, H: 20}, Image: tile(magenta)}},
		{{Dest: model.RectF{W: 20, H: 20}, Image: tile(blue)}}, // never reached
	}}

	out := New(Options{}).Compose(vp, results, fb)
	if got := at(out, 3, 3); got != yellow {
		t.Fatalf("preferred level pixel=%v want yellow", got)
	}
	if got := at(out, 15, 3); got != magenta {
		t.Fatalf("second level pixel=%v want magenta", got)
	}
}

func TestCompose_ZeroRequestsIsAllFallback(t *testing.T) {
	fb := &fakeFallback{levels: [][]model.TileImage{{{Dest: model.RectF{X: -5, Y: -5, W: 40, H: 40}, Image: tile(green)}}}}
	out := New(Options{}).Compose(vp, nil, fb)
	if at(out, 0, 0) != green || at(out, 19, 19) != green {
		t.Fatalf("empty cycle not fallback filled")
	}
	if out.Bounds() != image.Rect(0, 0, 20, 20) {
		t.Fatalf("bounds=%v", out.Bounds())
	}

	blank := New(Options{}).Compose(vp, nil, nil)
	if at(blank, 10, 10).A != 0 {
		t.Fatalf("empty cycle without fallback must be blank")
	}
}

func TestCompose_ClipsToViewport(t *testing.T) {
	results := []fetch.Result{ok(0, model.RectF{X: -10, Y: -10, W: 20, H: 20}, red)}
	out := New(Options{}).Compose(vp, results, nil)
	if at(out, 0, 0) != red || at(out, 9, 9) != red {
		t.Fatalf("visible part not drawn")
	}
	if at(out, 10, 10).A != 0 {
		t.Fatalf("drawn outside destination")
	}
}

func TestGaps_StripsAroundAddressedBlock(t *testing.T) {
	bounds := image.Rect(0, 0, 20, 20)
	results := []fetch.Result{ok(0, model.RectF{X: 5, Y: 5, W: 10, H: 10}, red)}
	gaps := Gaps(bounds, results)
	want := []image.Rectangle{
		image.Rect(0, 0, 20, 5),
		image.Rect(0, 15, 20, 20),
		image.Rect(0, 5, 5, 15),
		image.Rect(15, 5, 20, 15),
	}
	if len(gaps) != len(want) {
		t.Fatalf("gaps=%v want %v", gaps, want)
	}
	for i := range want {
		if gaps[i] != want[i] {
			t.Fatalf("gap %d=%v want %v", i, gaps[i], want[i])
		}
	}
	if g := Gaps(bounds, nil); len(g) != 1 || g[0] != bounds {
		t.Fatalf("empty cycle gaps=%v", g)
	}
}

func TestClassify(t *testing.T) {
	hit := fetch.Result{FromCache: true}
	miss := fetch.Result{}
	cases := []struct {
		in   []fetch.Result
		want HitClass
	}{
		{nil, HitClassMiss},
		{[]fetch.Result{hit, hit}, HitClassFull},
		{[]fetch.Result{hit, miss}, HitClassPartial},
		{[]fetch.Result{miss}, HitClassMiss},
	}
	for _, c := range cases {
		if got := Classify(c.in); got != c.want {
			t.Fatalf("Classify=%s want %s", got, c.want)
		}
	}
	if Image([]fetch.Result{miss, {State: fetch.StateSucceeded, Image: tile(red)}}) == nil {
		t.Fatalf("Image must return the succeeded image")
	}
}
