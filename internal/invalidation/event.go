// Package invalidation defines the change events that evict cached tiles.
package invalidation

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

type Event struct {
	Version int       `json:"version"`
	Op      string    `json:"op"`
	Layer   string    `json:"layer"`
	TS      time.Time `json:"ts"`
	Source  string    `json:"source,omitempty"`
	BBox    *BBox     `json:"bbox,omitempty"`
}

type BBox struct {
	X1   float64 `json:"x1"`
	Y1   float64 `json:"y1"`
	X2   float64 `json:"x2"`
	Y2   float64 `json:"y2"`
	SRID string  `json:"srid"`
}

func (e Event) Validate() error {
	if e.Version != 1 {
		return fmt.Errorf("version must be 1")
	}
	switch e.Op {
	case "insert", "update", "delete", "reload":
	default:
		return fmt.Errorf("op must be insert|update|delete|reload")
	}
	if strings.TrimSpace(e.Layer) == "" {
		return fmt.Errorf("layer is required")
	}
	if e.TS.IsZero() {
		return fmt.Errorf("ts is required")
	}
	if e.BBox == nil {
		if e.Op != "reload" {
			return fmt.Errorf("bbox is required for op %s", e.Op)
		}
		return nil
	}
	bb := *e.BBox
	if strings.TrimSpace(bb.SRID) == "" {
		return fmt.Errorf("bbox.srid is required")
	}
	if isWGS84(bb.SRID) {
		if !(bb.X1 >= -180 && bb.X1 <= 180 && bb.X2 >= -180 && bb.X2 <= 180) {
			return fmt.Errorf("bbox longitude out of range")
		}
		if !(bb.Y1 >= -90 && bb.Y1 <= 90 && bb.Y2 >= -90 && bb.Y2 <= 90) {
			return fmt.Errorf("bbox latitude out of range")
		}
	}
	if !(bb.X2 > bb.X1 && bb.Y2 > bb.Y1) {
		return fmt.Errorf("bbox must satisfy x2>x1 and y2>y1")
	}
	return nil
}

// Whole reports whether the event drops every cached image of its layer.
func (e Event) Whole() bool { return e.BBox == nil }

const (
	webMercatorHalf = 20037508.342789244
	// latitude limit of the square Web Mercator world
	maxMercatorLat = 85.05112877980659
)

// Extent returns the bbox in crs. WGS84 boxes are projected when crs is Web
// Mercator; any other pair of differing reference systems is an error.
func (b BBox) Extent(crs string) (model.Rect, error) {
	r := model.Rect{XMin: b.X1, YMin: b.Y1, XMax: b.X2, YMax: b.Y2}
	switch {
	case sameCRS(b.SRID, crs):
		return r, nil
	case isWGS84(b.SRID) && isWebMercator(crs):
		x1, y1 := toMercator(b.X1, b.Y1)
		x2, y2 := toMercator(b.X2, b.Y2)
		return model.Rect{XMin: x1, YMin: y1, XMax: x2, YMax: y2}, nil
	default:
		return model.Rect{}, fmt.Errorf("cannot map bbox from %s to %s", b.SRID, crs)
	}
}

func toMercator(lon, lat float64) (x, y float64) {
	lat = math.Max(-maxMercatorLat, math.Min(maxMercatorLat, lat))
	x = lon * webMercatorHalf / 180
	y = math.Log(math.Tan((90+lat)*math.Pi/360)) / math.Pi * webMercatorHalf
	return x, y
}

func normCRS(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}

func sameCRS(a, b string) bool {
	a, b = normCRS(a), normCRS(b)
	return a == b || (isWGS84(a) && isWGS84(b)) || (isWebMercator(a) && isWebMercator(b))
}

func isWGS84(s string) bool {
	switch normCRS(s) {
	case "EPSG:4326", "CRS:84", "OGC:CRS84", "WGS84":
		return true
	}
	return false
}

func isWebMercator(s string) bool {
	switch normCRS(s) {
	case "EPSG:3857", "EPSG:900913", "EPSG:3785", "EPSG:102100":
		return true
	}
	return false
}
