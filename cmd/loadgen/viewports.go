package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const (
	earthRadius  = 6378137.0
	maxLatitude  = 85.05112877980659
	degreesToRad = math.Pi / 180
)

// Viewport is one /map request: a Web Mercator extent rendered at a pixel size.
type Viewport struct {
	X1, Y1, X2, Y2 float64
	Width, Height  int
}

// BBox returns the extent in "minx,miny,maxx,maxy" form.
func (v Viewport) BBox() string {
	return fmt.Sprintf("%.2f,%.2f,%.2f,%.2f", v.X1, v.Y1, v.X2, v.Y2)
}

func mercator(lon, lat float64) (x, y float64) {
	lat = math.Max(-maxLatitude, math.Min(maxLatitude, lat))
	x = earthRadius * lon * degreesToRad
	y = earthRadius * math.Log(math.Tan(math.Pi/4+lat*degreesToRad/2))
	return x, y
}

// around returns a viewport centred on lon/lat spanning spanDeg degrees of longitude,
// with the height following the pixel aspect ratio.
func around(lon, lat, spanDeg float64, w, h int) Viewport {
	cx, cy := mercator(lon, lat)
	half := earthRadius * spanDeg * degreesToRad / 2
	halfY := half * float64(h) / float64(w)
	return Viewport{X1: cx - half, Y1: cy - halfY, X2: cx + half, Y2: cy + halfY, Width: w, Height: h}
}

// makeViewports creates a mix of "hot" views around a few cities at a handful
// of zoom spans and "cold" views spread over sweden.
func makeViewports(count, w, h int, r *rand.Rand) []Viewport {
	centers := [][2]float64{
		{18.0686, 59.3293}, // Stockholm
		{11.9746, 57.7089}, // Göteborg
		{13.0038, 55.6050}, // Malmö
		{22.1547, 65.5848}, // Luleå
	}
	spans := []float64{2.4, 1.2, 0.6, 0.3}
	out := make([]Viewport, 0, count)

	hot := max(8, count/4)
	for i := range hot {
		if len(out) == count {
			break
		}
		c := centers[i%len(centers)]
		span := spans[(i/len(centers))%len(spans)]
		// small pans keep hot views overlapping so tiles are shared
		dx, dy := (r.Float64()-0.5)*span/4, (r.Float64()-0.5)*span/4
		out = append(out, around(c[0]+dx, c[1]+dy, span, w, h))
	}

	for len(out) < count {
		lon := 11 + r.Float64()*(24-11)
		lat := 55 + r.Float64()*(66-55)
		out = append(out, around(lon, lat, spans[r.Intn(len(spans))], w, h))
	}
	return out
}

type Centroid struct {
	ID  string
	Lon float64
	Lat float64
}

func loadCentroidsCSV(path string) ([]Centroid, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("open centroids: %w", err)
	}
	defer func() { _ = f.Close() }()
	return readCentroids(f)
}

func readCentroids(in io.Reader) ([]Centroid, error) {
	r := csv.NewReader(in)

	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	colIdx := map[string]int{}
	for i, h := range header {
		colIdx[strings.ToLower(strings.TrimSpace(h))] = i
	}
	idIdx, okID := colIdx["id"]
	lonIdx, okLon := colIdx["lon"]
	latIdx, okLat := colIdx["lat"]
	if !okID || !okLon || !okLat {
		return nil, fmt.Errorf("centroid csv: expected columns id,lon,lat; got %v", header)
	}

	var out []Centroid
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row: %w", err)
		}
		id := strings.TrimSpace(rec[idIdx])
		lonStr := strings.TrimSpace(rec[lonIdx])
		latStr := strings.TrimSpace(rec[latIdx])
		if id == "" || lonStr == "" || latStr == "" {
			continue
		}
		lon, err := strconv.ParseFloat(lonStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lon %q: %w", lonStr, err)
		}
		lat, err := strconv.ParseFloat(latStr, 64)
		if err != nil {
			return nil, fmt.Errorf("parse lat %q: %w", latStr, err)
		}
		out = append(out, Centroid{ID: id, Lon: lon, Lat: lat})
	}
	return out, nil
}

func viewportsFromCentroids(centroids []Centroid, count, w, h int) []Viewport {
	if len(centroids) == 0 || count <= 0 {
		return nil
	}
	count = min(count, len(centroids))
	const span = 0.04 // degrees of longitude
	out := make([]Viewport, 0, count)
	for i := range count {
		c := centroids[i]
		out = append(out, around(c.Lon, c.Lat, span, w, h))
	}
	return out
}

func percentile(sortedValues []float64, p float64) float64 {
	if len(sortedValues) == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sortedValues[0]
	}
	if p >= 100 {
		return sortedValues[len(sortedValues)-1]
	}
	k := (p / 100.0) * float64(len(sortedValues)-1)
	f := math.Floor(k)
	i := int(f)
	if i >= len(sortedValues)-1 {
		return sortedValues[len(sortedValues)-1]
	}
	d := k - f
	return sortedValues[i]*(1-d) + sortedValues[i+1]*d
}
