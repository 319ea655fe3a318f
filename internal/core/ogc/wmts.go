package ogc

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

// GetTileURL builds a WMTS tile url: the REST template when the source has one,
// KVP GetTile otherwise.
func GetTileURL(src model.Source, tm model.TileMatrix, p model.TilePosition) (string, error) {
	style := ""
	if len(src.Styles) > 0 {
		style = src.Styles[0]
	}
	if src.Template != "" {
		r := strings.NewReplacer(
			"{TileMatrixSet}", src.MatrixSet,
			"{TileMatrix}", tm.Identifier,
			"{TileRow}", strconv.Itoa(p.Row),
			"{TileCol}", strconv.Itoa(p.Col),
			"{Style}", style,
		)
		return r.Replace(src.Template), nil
	}
	if len(src.Layers) == 0 {
		return "", fmt.Errorf("wmts tile url: source has no layer")
	}
	params := url.Values{}
	params.Set("SERVICE", "WMTS")
	params.Set("REQUEST", "GetTile")
	params.Set("VERSION", "1.0.0")
	params.Set("LAYER", src.Layers[0])
	params.Set("STYLE", style)
	params.Set("FORMAT", formatOrDefault(src.Format))
	params.Set("TILEMATRIXSET", src.MatrixSet)
	params.Set("TILEMATRIX", tm.Identifier)
	params.Set("TILEROW", strconv.Itoa(p.Row))
	params.Set("TILECOL", strconv.Itoa(p.Col))
	return WithQuery(src.BaseURL, params)
}
