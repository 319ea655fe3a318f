package provider

import (
	"fmt"

	"github.com/mohammed-shakir/wms-tile-cache/internal/cache/keys"
	"github.com/mohammed-shakir/wms-tile-cache/internal/capabilities"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
	"github.com/mohammed-shakir/wms-tile-cache/internal/core/ogc"
	"github.com/mohammed-shakir/wms-tile-cache/internal/fetch"
	"github.com/mohammed-shakir/wms-tile-cache/internal/tiling"
)

// plan is the request set of one cycle.
type plan struct {
	reqs []model.TileRequest
	// matrix is the chosen level of a tiled cycle, nil otherwise.
	matrix *model.TileMatrix
}

// strategy builds the requests of a cycle. Every variant is executed by the
// same fetch handler; they differ only in what they request.
type strategy interface {
	mode() string
	plan(vp model.Viewport) (plan, error)
}

// tiled addresses the matrix closest to the viewport resolution.
type tiled struct {
	src  model.Source
	caps capabilities.Provider
}

func (s tiled) mode() string { return s.src.Mode.String() }

func (s tiled) plan(vp model.Viewport) (plan, error) {
	if err := vp.Validate(); err != nil {
		return plan{}, err
	}
	if !capabilities.SupportsFormat(s.caps, s.src.Format) {
		return plan{}, fetch.CapabilitiesError(fmt.Errorf("format %q not offered by source", s.src.Format))
	}
	m, err := tiling.ChooseMatrix(s.caps.MatrixSet(), vp.Resolution())
	if err != nil {
		return plan{}, fetch.CapabilitiesError(fmt.Errorf("%w: %w", fetch.ErrNoMatrix, err))
	}
	addressed, err := tiling.Address(vp, m)
	if err != nil {
		return plan{}, fetch.CapabilitiesError(err)
	}
	reqs, err := ogc.TileRequests(s.src, m, addressed)
	if err != nil {
		return plan{}, err
	}
	return plan{reqs: reqs, matrix: &m}, nil
}

// single renders the whole viewport with one GetMap request.
type single struct {
	src model.Source
}

func (s single) mode() string { return "none" }

func (s single) plan(vp model.Viewport) (plan, error) {
	req, err := ogc.GetMapRequest(s.src, vp)
	if err != nil {
		return plan{}, err
	}
	return plan{reqs: []model.TileRequest{req}}, nil
}

// legend fetches a GetLegendGraphic image. The viewport only sizes the
// destination; the image is returned undecorated.
type legend struct {
	src   model.Source
	scale float64
	ext   *model.Rect
}

func (s legend) mode() string { return "legend" }

func (s legend) plan(model.Viewport) (plan, error) {
	u, err := ogc.LegendURL(s.src, s.scale, s.ext)
	if err != nil {
		return plan{}, err
	}
	return plan{reqs: []model.TileRequest{{URL: u, CacheKey: keys.ImageKey(s.src, u)}}}, nil
}

func strategyFor(src model.Source, caps capabilities.Provider) (strategy, error) {
	if src.Mode == model.TileModeNone {
		return single{src: src}, nil
	}
	if caps == nil {
		return nil, fetch.CapabilitiesError(fmt.Errorf("tile mode %s requires capabilities", src.Mode))
	}
	return tiled{src: src, caps: caps}, nil
}
