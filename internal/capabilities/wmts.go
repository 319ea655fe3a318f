package capabilities

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

type wmtsCapabilities struct {
	XMLName  xml.Name     `xml:"Capabilities"`
	Contents wmtsContents `xml:"Contents"`
}

type wmtsContents struct {
	Layers         []wmtsLayer         `xml:"Layer"`
	TileMatrixSets []wmtsTileMatrixSet `xml:"TileMatrixSet"`
}

type wmtsLayer struct {
	Identifier         string            `xml:"Identifier"`
	Title              string            `xml:"Title"`
	Formats            []string          `xml:"Format"`
	Styles             []wmtsStyle       `xml:"Style"`
	TileMatrixSetLinks []wmtsLink        `xml:"TileMatrixSetLink"`
	ResourceURLs       []wmtsResourceURL `xml:"ResourceURL"`
}

type wmtsStyle struct {
	Identifier string `xml:"Identifier"`
	IsDefault  bool   `xml:"isDefault,attr"`
}

type wmtsResourceURL struct {
	Format       string `xml:"format,attr"`
	ResourceType string `xml:"resourceType,attr"`
	Template     string `xml:"template,attr"`
}

type wmtsTileMatrixSet struct {
	Identifier   string           `xml:"Identifier"`
	SupportedCRS string           `xml:"SupportedCRS"`
	Matrices     []wmtsTileMatrix `xml:"TileMatrix"`
}

type wmtsLink struct {
	TileMatrixSet string `xml:"TileMatrixSet"`
}

type wmtsTileMatrix struct {
	Identifier       string  `xml:"Identifier"`
	ScaleDenominator float64 `xml:"ScaleDenominator"`
	TopLeftCorner    string  `xml:"TopLeftCorner"`
	TileWidth        int     `xml:"TileWidth"`
	TileHeight       int     `xml:"TileHeight"`
	MatrixWidth      int     `xml:"MatrixWidth"`
	MatrixHeight     int     `xml:"MatrixHeight"`
}

// WMTSLayer summarizes one layer of a WMTS capabilities document.
type WMTSLayer struct {
	Identifier   string
	Title        string
	Formats      []string
	DefaultStyle string
	MatrixSets   []string
	// Template is the first tile ResourceURL template, if any.
	Template string
}

// WMTSDocument is the parsed subset of a WMTS capabilities document.
type WMTSDocument struct {
	Layers []WMTSLayer
	sets   map[string]model.TileMatrixSet
}

// ParseWMTS reads layers and tile matrix sets from a WMTS capabilities document.
func ParseWMTS(r io.Reader) (*WMTSDocument, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read capabilities: %w", err)
	}
	var caps wmtsCapabilities
	if err := xml.Unmarshal(data, &caps); err != nil {
		return nil, fmt.Errorf("parse capabilities xml: %w", err)
	}

	doc := &WMTSDocument{sets: map[string]model.TileMatrixSet{}}
	for _, s := range caps.Contents.TileMatrixSets {
		set, err := convertSet(s)
		if err != nil {
			return nil, err
		}
		doc.sets[set.Identifier] = set
	}
	for _, l := range caps.Contents.Layers {
		info := WMTSLayer{Identifier: l.Identifier, Title: l.Title, Formats: l.Formats}
		for _, st := range l.Styles {
			if st.IsDefault || info.DefaultStyle == "" {
				info.DefaultStyle = st.Identifier
			}
		}
		for _, link := range l.TileMatrixSetLinks {
			info.MatrixSets = append(info.MatrixSets, strings.TrimSpace(link.TileMatrixSet))
		}
		for _, ru := range l.ResourceURLs {
			if ru.ResourceType == "tile" {
				info.Template = ru.Template
				break
			}
		}
		doc.Layers = append(doc.Layers, info)
	}
	return doc, nil
}

func (d *WMTSDocument) Layer(id string) (WMTSLayer, bool) {
	for _, l := range d.Layers {
		if l.Identifier == id {
			return l, true
		}
	}
	return WMTSLayer{}, false
}

// Provider returns a Static provider for matrix set setID, restricted to the
// formats of layer (all formats when layer is unknown).
func (d *WMTSDocument) Provider(layer, setID string) (*Static, error) {
	set, ok := d.sets[setID]
	if !ok {
		return nil, fmt.Errorf("%w: tile matrix set %q not in capabilities", ErrUnknownMatrix, setID)
	}
	var formats []string
	if l, ok := d.Layer(layer); ok {
		formats = l.Formats
	}
	return NewStatic(set, formats)
}

func convertSet(s wmtsTileMatrixSet) (model.TileMatrixSet, error) {
	crs := strings.TrimSpace(s.SupportedCRS)
	mpu := metersPerUnit(crs)
	set := model.TileMatrixSet{Identifier: strings.TrimSpace(s.Identifier), CRS: crs}
	for _, m := range s.Matrices {
		x, y, err := parseCorner(m.TopLeftCorner, isLatLonOrder(crs))
		if err != nil {
			return model.TileMatrixSet{}, fmt.Errorf("tile matrix set %q matrix %q: %w", set.Identifier, m.Identifier, err)
		}
		set.Matrices = append(set.Matrices, model.TileMatrix{
			Identifier:   strings.TrimSpace(m.Identifier),
			TopLeftX:     x,
			TopLeftY:     y,
			TileWidth:    m.TileWidth,
			TileHeight:   m.TileHeight,
			MatrixWidth:  m.MatrixWidth,
			MatrixHeight: m.MatrixHeight,
			Resolution:   m.ScaleDenominator * pixelSize / mpu,
		})
	}
	return set, nil
}

func parseCorner(s string, swap bool) (x, y float64, err error) {
	f := strings.Fields(s)
	if len(f) != 2 {
		return 0, 0, fmt.Errorf("bad TopLeftCorner %q", s)
	}
	a, err := strconv.ParseFloat(f[0], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad TopLeftCorner %q: %w", s, err)
	}
	b, err := strconv.ParseFloat(f[1], 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad TopLeftCorner %q: %w", s, err)
	}
	if swap {
		return b, a, nil
	}
	return a, b, nil
}

func isGeographic(crs string) bool {
	c := strings.ToUpper(crs)
	return strings.HasSuffix(c, ":4326") || strings.HasSuffix(c, "CRS84") || strings.HasSuffix(c, ":4258")
}

// EPSG geographic CRSs list latitude first; CRS84 keeps longitude first.
func isLatLonOrder(crs string) bool {
	return isGeographic(crs) && !strings.HasSuffix(strings.ToUpper(crs), "CRS84")
}
