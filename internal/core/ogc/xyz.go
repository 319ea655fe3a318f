package ogc

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

// XYZURL fills {x}, {y}, {-y}, {z} and {q} (quadkey) in template. The zoom
// level is the matrix identifier.
func XYZURL(template string, tm model.TileMatrix, p model.TilePosition) (string, error) {
	if template == "" {
		return "", ErrNoEndpoint
	}
	z, err := strconv.Atoi(tm.Identifier)
	if err != nil {
		return "", fmt.Errorf("xyz url: matrix %q is not a zoom level: %w", tm.Identifier, err)
	}
	r := strings.NewReplacer(
		"{x}", strconv.Itoa(p.Col),
		"{y}", strconv.Itoa(p.Row),
		"{-y}", strconv.Itoa(tm.MatrixHeight-1-p.Row),
		"{z}", strconv.Itoa(z),
		"{q}", Quadkey(z, p),
	)
	return r.Replace(template), nil
}

// Quadkey returns the Bing style quadkey of p at zoom z.
func Quadkey(z int, p model.TilePosition) string {
	var b strings.Builder
	b.Grow(z)
	for i := z; i > 0; i-- {
		digit := byte('0')
		mask := 1 << (i - 1)
		if p.Col&mask != 0 {
			digit++
		}
		if p.Row&mask != 0 {
			digit += 2
		}
		b.WriteByte(digit)
	}
	return b.String()
}
