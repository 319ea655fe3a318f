package ogc

import (
	"net/url"
	"strings"
	"testing"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/tiling"
)

func query(t *testing.T, raw string) url.Values {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse %q: %v", raw, err)
	}
	return u.Query()
}

func wmsSource() model.Source {
	return model.Source{
		BaseURL:     "http://localhost:8080/geoserver/wms?map=/data/x.map",
		Layers:      []string{"topo:roads", "topo:rivers"},
		Styles:      []string{"", "blue"},
		Format:      "image/png",
		CRS:         "EPSG:3857",
		Version:     "1.3.0",
		Transparent: true,
	}
}

func TestGetMapRequest_SingleFullViewport(t *testing.T) {
	vp := model.Viewport{Extent: model.Rect{XMin: 11, YMin: 55, XMax: 12, YMax: 56}, Width: 800, Height: 600}
	req, err := GetMapRequest(wmsSource(), vp)
	if err != nil {
		t.Fatalf("GetMapRequest: %v", err)
	}
	v := query(t, req.URL)
	assertHas := func(k, want string) {
		t.Helper()
		if got := v.Get(k); got != want {
			t.Fatalf("param %q got %q want %q", k, got, want)
		}
	}
	assertHas("SERVICE", "WMS")
	assertHas("REQUEST", "GetMap")
	assertHas("LAYERS", "topo:roads,topo:rivers")
	assertHas("STYLES", ",blue")
	assertHas("CRS", "EPSG:3857")
	assertHas("BBOX", "11,55,12,56")
	assertHas("WIDTH", "800")
	assertHas("HEIGHT", "600")
	assertHas("TRANSPARENT", "TRUE")
	assertHas("map", "/data/x.map")
	if v.Has("TILED") {
		t.Fatalf("non-tiled request must not carry TILED")
	}
	if req.Dest != (model.RectF{W: 800, H: 600}) || req.Index != 0 || req.CacheKey == "" {
		t.Fatalf("unexpected request %+v", req)
	}
}

func TestBBox_AxisInversionAndVersion(t *testing.T) {
	src := wmsSource()
	src.InvertAxis = true
	ext := model.Rect{XMin: 11, YMin: 55, XMax: 12, YMax: 56}
	if got := BBox(src, ext); got != "55,11,56,12" {
		t.Fatalf("inverted bbox=%q", got)
	}
	src.Version = "1.1.1"
	if got := BBox(src, ext); got != "11,55,12,56" {
		t.Fatalf("1.1.1 bbox must not invert: %q", got)
	}
	v := GetMapParams(src, ext, 1, 1, false)
	if v.Get("SRS") != "EPSG:3857" || v.Has("CRS") {
		t.Fatalf("1.1.1 must use SRS: %v", v)
	}
}

func matrix() model.TileMatrix {
	return model.TileMatrix{
		Identifier: "2", TopLeftX: 0, TopLeftY: 400,
		TileWidth: 256, TileHeight: 256, MatrixWidth: 4, MatrixHeight: 4,
		Resolution: 100.0 / 256,
	}
}

func addressed(t *testing.T) []tiling.Addressed {
	t.Helper()
	vp := model.Viewport{Extent: model.Rect{XMin: 50, YMin: 250, XMax: 150, YMax: 350}, Width: 100, Height: 100}
	a, err := tiling.Address(vp, matrix())
	if err != nil {
		t.Fatalf("Address: %v", err)
	}
	return a
}

func TestTileRequests_WMSC(t *testing.T) {
	src := wmsSource()
	src.Mode = model.TileModeWMSC
	reqs, err := TileRequests(src, matrix(), addressed(t))
	if err != nil {
		t.Fatalf("TileRequests: %v", err)
	}
	if len(reqs) != 4 {
		t.Fatalf("got %d requests want 4", len(reqs))
	}
	seen := map[string]bool{}
	for i, r := range reqs {
		if r.Index != i {
			t.Fatalf("request %d has index %d", i, r.Index)
		}
		if seen[r.CacheKey] {
			t.Fatalf("duplicate cache key %s", r.CacheKey)
		}
		seen[r.CacheKey] = true
		v := query(t, r.URL)
		if v.Get("TILED") != "true" || v.Get("WIDTH") != "256" {
			t.Fatalf("bad WMS-C params: %v", v)
		}
	}
	if got := query(t, reqs[0].URL).Get("BBOX"); got != "0,300,100,400" {
		t.Fatalf("tile 0 bbox=%q", got)
	}
}

func TestTileRequests_WMTSKVPAndREST(t *testing.T) {
	src := wmsSource()
	src.Mode = model.TileModeWMTS
	src.MatrixSet = "GoogleMapsCompatible"
	src.BaseURL = "https://tiles.example.test/wmts"

	reqs, err := TileRequests(src, matrix(), addressed(t))
	if err != nil {
		t.Fatalf("TileRequests: %v", err)
	}
	v := query(t, reqs[3].URL)
	if v.Get("REQUEST") != "GetTile" || v.Get("TILEMATRIX") != "2" || v.Get("TILEROW") != "1" || v.Get("TILECOL") != "1" {
		t.Fatalf("bad KVP params: %v", v)
	}
	if v.Get("TILEMATRIXSET") != "GoogleMapsCompatible" || v.Get("LAYER") != "topo:roads" {
		t.Fatalf("bad KVP layer/set: %v", v)
	}

	src.Template = "https://tiles.example.test/{TileMatrixSet}/{TileMatrix}/{TileRow}/{TileCol}.png"
	reqs, err = TileRequests(src, matrix(), addressed(t))
	if err != nil {
		t.Fatalf("TileRequests: %v", err)
	}
	if want := "https://tiles.example.test/GoogleMapsCompatible/2/0/1.png"; reqs[1].URL != want {
		t.Fatalf("REST url=%q want %q", reqs[1].URL, want)
	}
}

func TestXYZURL(t *testing.T) {
	tm := matrix()
	p := model.TilePosition{Row: 1, Col: 3}
	got, err := XYZURL("https://t.test/{z}/{x}/{y}.png?tms={-y}&q={q}", tm, p)
	if err != nil {
		t.Fatalf("XYZURL: %v", err)
	}
	if want := "https://t.test/2/3/1.png?tms=2&q=13"; got != want {
		t.Fatalf("got %q want %q", got, want)
	}
	tm.Identifier = "EPSG:3857:2"
	if _, err := XYZURL("x/{z}", tm, p); err == nil {
		t.Fatalf("expected error for non-numeric zoom")
	}
}

func TestLegendURL(t *testing.T) {
	src := wmsSource()
	ext := model.Rect{XMin: 0, YMin: 0, XMax: 10, YMax: 10}
	u, err := LegendURL(src, 25000, &ext)
	if err != nil {
		t.Fatalf("LegendURL: %v", err)
	}
	v := query(t, u)
	if v.Get("REQUEST") != "GetLegendGraphic" || v.Get("LAYER") != "topo:roads" || v.Get("SCALE") != "25000" {
		t.Fatalf("bad legend params: %v", v)
	}
	if v.Has("STYLE") {
		t.Fatalf("empty first style must be omitted")
	}
	if v.Get("BBOX") != "0,0,10,10" {
		t.Fatalf("bbox=%q", v.Get("BBOX"))
	}
	if _, err := LegendURL(model.Source{BaseURL: "http://x"}, 1, nil); err == nil {
		t.Fatalf("expected error without layers")
	}
}

func TestWithQuery_OverridesCaseInsensitive(t *testing.T) {
	u, err := WithQuery("http://x.test/wms?service=WFS&keep=1", url.Values{"SERVICE": {"WMS"}})
	if err != nil {
		t.Fatalf("WithQuery: %v", err)
	}
	if strings.Contains(u, "WFS") || !strings.Contains(u, "keep=1") {
		t.Fatalf("unexpected url %q", u)
	}
	if _, err := WithQuery("  ", nil); err != ErrNoEndpoint {
		t.Fatalf("want ErrNoEndpoint, got %v", err)
	}
}

func TestParseServiceException(t *testing.T) {
	wms := []byte(`<?xml version="1.0"?>
<ServiceExceptionReport version="1.3.0" xmlns="http://www.opengis.net/ogc">
  <ServiceException code="LayerNotDefined" locator="layers"> Unknown layer: nope </ServiceException>
</ServiceExceptionReport>`)
	e, ok := ParseServiceException(wms)
	if !ok || e.Code != "LayerNotDefined" || e.Text != "Unknown layer: nope" || e.Locator != "layers" {
		t.Fatalf("wms exception: ok=%v %+v", ok, e)
	}

	ows := []byte(`<ows:ExceptionReport xmlns:ows="http://www.opengis.net/ows/1.1" version="1.1.0">
  <ows:Exception exceptionCode="TileOutOfRange" locator="TILEROW">
    <ows:ExceptionText>row 99 out of range</ows:ExceptionText>
  </ows:Exception>
</ows:ExceptionReport>`)
	e, ok = ParseServiceException(ows)
	if !ok || e.Code != "TileOutOfRange" || e.Text != "row 99 out of range" {
		t.Fatalf("ows exception: ok=%v %+v", ok, e)
	}
	if !strings.Contains(e.Error(), "TileOutOfRange") {
		t.Fatalf("Error()=%q", e.Error())
	}

	if _, ok := ParseServiceException([]byte("\x89PNG\r\n")); ok {
		t.Fatalf("png bytes must not parse as exception")
	}
	if _, ok := ParseServiceException([]byte(`<html><body>hi</body></html>`)); ok {
		t.Fatalf("html must not parse as exception")
	}
}
