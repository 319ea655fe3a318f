// Package ogc builds outbound OGC and tile template requests.
package ogc

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/tiling"
)

var ErrNoEndpoint = errors.New("source has no endpoint")

// GetMapParams returns the WMS GetMap parameters for ext rendered at w x h.
// With tiled set the request is a WMS-C tile request.
func GetMapParams(src model.Source, ext model.Rect, w, h int, tiled bool) url.Values {
	version := src.Version
	if version == "" {
		version = "1.3.0"
	}
	params := url.Values{}
	params.Set("SERVICE", "WMS")
	params.Set("VERSION", version)
	params.Set("REQUEST", "GetMap")
	params.Set("LAYERS", strings.Join(src.Layers, ","))
	params.Set("STYLES", strings.Join(src.Styles, ","))
	params.Set("FORMAT", formatOrDefault(src.Format))
	params.Set(crsParam(version), src.CRS)
	params.Set("BBOX", BBox(src, ext))
	params.Set("WIDTH", strconv.Itoa(w))
	params.Set("HEIGHT", strconv.Itoa(h))
	if src.Transparent {
		params.Set("TRANSPARENT", "TRUE")
	}
	if tiled {
		params.Set("TILED", "true")
	}
	return params
}

// BBox formats ext for a request. Inverted axis sources list northing first.
func BBox(src model.Source, ext model.Rect) string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	if src.InvertAxis && !strings.HasPrefix(src.Version, "1.1") {
		return strings.Join([]string{f(ext.YMin), f(ext.XMin), f(ext.YMax), f(ext.XMax)}, ",")
	}
	return strings.Join([]string{f(ext.XMin), f(ext.YMin), f(ext.XMax), f(ext.YMax)}, ",")
}

// GetMapRequest builds the single request of a non-tiled cycle.
func GetMapRequest(src model.Source, vp model.Viewport) (model.TileRequest, error) {
	if err := vp.Validate(); err != nil {
		return model.TileRequest{}, fmt.Errorf("getmap request: %w", err)
	}
	u, err := WithQuery(src.BaseURL, GetMapParams(src, vp.Extent, vp.Width, vp.Height, false))
	if err != nil {
		return model.TileRequest{}, err
	}
	return model.TileRequest{
		URL:      u,
		Dest:     model.RectF{W: float64(vp.Width), H: float64(vp.Height)},
		Index:    0,
		CacheKey: keys.ImageKey(src, u),
	}, nil
}

// TileRequests builds one request per addressed tile of tm, indexed in the
// order given.
func TileRequests(src model.Source, tm model.TileMatrix, tiles []tiling.Addressed) ([]model.TileRequest, error) {
	out := make([]model.TileRequest, 0, len(tiles))
	for i, a := range tiles {
		u, err := TileURL(src, tm, a)
		if err != nil {
			return nil, err
		}
		out = append(out, model.TileRequest{
			URL:      u,
			Dest:     a.Dest,
			Index:    i,
			CacheKey: keys.TileKey(src, tm.Identifier, a.Position),
			Position: a.Position,
			MatrixID: tm.Identifier,
		})
	}
	return out, nil
}

// TileURL returns the url of one tile for the source's tile mode.
func TileURL(src model.Source, tm model.TileMatrix, a tiling.Addressed) (string, error) {
	switch src.Mode {
	case model.TileModeWMSC:
		return WithQuery(src.BaseURL, GetMapParams(src, a.Extent, tm.TileWidth, tm.TileHeight, true))
	case model.TileModeWMTS:
		return GetTileURL(src, tm, a.Position)
	case model.TileModeXYZ:
		return XYZURL(src.Template, tm, a.Position)
	default:
		return "", fmt.Errorf("tile url: source mode %s is not tiled", src.Mode)
	}
}

// LegendURL builds a GetLegendGraphic request for the first layer of src.
// A positive scale and a non-nil extent make the legend content dependent.
func LegendURL(src model.Source, scale float64, ext *model.Rect) (string, error) {
	if len(src.Layers) == 0 {
		return "", errors.New("legend url: source has no layers")
	}
	version := src.Version
	if version == "" {
		version = "1.3.0"
	}
	params := url.Values{}
	params.Set("SERVICE", "WMS")
	params.Set("VERSION", version)
	params.Set("REQUEST", "GetLegendGraphic")
	params.Set("LAYER", src.Layers[0])
	if len(src.Styles) > 0 && src.Styles[0] != "" {
		params.Set("STYLE", src.Styles[0])
	}
	params.Set("FORMAT", "image/png")
	if scale > 0 {
		params.Set("SCALE", strconv.FormatFloat(scale, 'f', -1, 64))
	}
	if ext != nil && !ext.Empty() {
		params.Set("BBOX", BBox(src, *ext))
		params.Set(crsParam(version), src.CRS)
	}
	return WithQuery(src.BaseURL, params)
}

// WithQuery merges params into the query of base. Parameters already present
// in base are kept unless params overrides them.
func WithQuery(base string, params url.Values) (string, error) {
	if strings.TrimSpace(base) == "" {
		return "", ErrNoEndpoint
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", base, err)
	}
	q := u.Query()
	for k := range q {
		if params.Has(k) || params.Has(strings.ToUpper(k)) {
			q.Del(k)
		}
	}
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func crsParam(version string) string {
	if strings.HasPrefix(version, "1.1") {
		return "SRS"
	}
	return "CRS"
}

func formatOrDefault(f string) string {
	if strings.TrimSpace(f) == "" {
		return "image/png"
	}
	return f
}
