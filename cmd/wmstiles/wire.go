package main

import (
	"fmt"
	"os"

	"github.com/mohammed-shakir/wms-tile-cache/internal/capabilities"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/config"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

func sourceFromConfig(c config.SourceCfg) (model.Source, error) {
	mode, err := model.ParseTileMode(c.TileMode)
	if err != nil {
		return model.Source{}, err
	}
	src := model.Source{
		BaseURL:     c.URL,
		Layers:      c.Layers,
		Styles:      c.Styles,
		Format:      c.Format,
		CRS:         c.CRS,
		Version:     c.Version,
		Transparent: c.Transparent,
		InvertAxis:  c.InvertAxis,
		Mode:        mode,
		Template:    c.Template,
		MatrixSet:   c.MatrixSet,
		Auth: model.Auth{
			Username: c.Username,
			Password: c.Password,
			Referer:  c.Referer,
		},
	}
	switch mode {
	case model.TileModeXYZ:
		if src.Template == "" {
			return model.Source{}, fmt.Errorf("tile mode xyz requires TILE_TEMPLATE")
		}
		src.CRS = "EPSG:3857"
	case model.TileModeWMTS:
		if len(src.Layers) == 0 {
			return model.Source{}, fmt.Errorf("tile mode wmts requires a layer")
		}
		if src.Template == "" && src.BaseURL == "" {
			return model.Source{}, fmt.Errorf("tile mode wmts requires WMS_URL or TILE_TEMPLATE")
		}
	default:
		if src.BaseURL == "" {
			return model.Source{}, fmt.Errorf("source url is empty")
		}
	}
	return src, nil
}

// loadCapabilities returns nil for single-image sources. WMS-C falls back to
// the web mercator pyramid when no capabilities document is configured.
func loadCapabilities(c config.SourceCfg, src model.Source) (capabilities.Provider, error) {
	switch src.Mode {
	case model.TileModeNone:
		return nil, nil
	case model.TileModeXYZ:
		return capabilities.NewStatic(capabilities.XYZ(c.TileSize, c.XYZMinZoom, c.XYZMaxZoom), []string{src.Format})
	}
	if c.CapabilitiesFile == "" {
		if src.Mode == model.TileModeWMSC {
			set := capabilities.XYZ(c.TileSize, c.XYZMinZoom, c.XYZMaxZoom)
			set.Identifier = firstNonEmpty(src.MatrixSet, src.CRS)
			return capabilities.NewStatic(set, []string{src.Format})
		}
		return nil, fmt.Errorf("tile mode %s requires WMTS_CAPABILITIES_FILE", src.Mode)
	}
	f, err := os.Open(c.CapabilitiesFile)
	if err != nil {
		return nil, fmt.Errorf("open capabilities: %w", err)
	}
	defer func() { _ = f.Close() }()
	doc, err := capabilities.ParseWMTS(f)
	if err != nil {
		return nil, err
	}
	layer := ""
	if len(src.Layers) > 0 {
		layer = src.Layers[0]
	}
	return doc.Provider(layer, src.MatrixSet)
}
