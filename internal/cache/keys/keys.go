// Package keys builds cache keys for tile and image payloads.
package keys

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/wms-tile-cache/internal/core/model"
)

const prefix = "wt"

// Namespace returns the key prefix shared by every entry of src. The readable
// layer part is informational; the hash of the full source key makes it unique.
func Namespace(src model.Source) string {
	layers := sanitize(strings.Join(src.Layers, ","))
	const maxLayerLen = 64
	if len(layers) > maxLayerLen {
		layers = layers[:maxLayerLen]
	}
	if layers == "" {
		layers = "-"
	}
	return fmt.Sprintf("%s:%s:%016x", prefix, layers, xxhash.Sum64String(src.Key()))
}

// TileKey identifies one tile of one matrix of src.
func TileKey(src model.Source, matrixID string, p model.TilePosition) string {
	return fmt.Sprintf("%s%d:%d", MatrixPrefix(src, matrixID), p.Row, p.Col)
}

// ImageKey identifies a non-tiled image (full viewport or legend) by its request URL.
func ImageKey(src model.Source, url string) string {
	return fmt.Sprintf("%s:i:%016x", Namespace(src), xxhash.Sum64String(normalizeURL(url)))
}

// MatrixPrefix is the common prefix of every tile key of one matrix of src.
// Matrix identifiers are hashed verbatim: "a:b", "a-b" and "a--b" are
// distinct matrices.
func MatrixPrefix(src model.Source, matrixID string) string {
	return fmt.Sprintf("%s:t:%016x:", Namespace(src), xxhash.Sum64String(matrixID))
}

// ImagePrefix is the common prefix of every non-tiled image key of src.
func ImagePrefix(src model.Source) string {
	return Namespace(src) + ":i:"
}

// Prefix is the common prefix of every key of src.
func Prefix(src model.Source) string {
	return Namespace(src) + ":"
}

func normalizeURL(s string) string {
	return collapseASCIIWhitespace(strings.TrimSpace(s))
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))
	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case isSpace(r):
			out = '_'
		case isAlphaNum(r) || r == '_' || r == '-' || r == '.' || r == ',':
			out = r
		default:
			// ':' separates key segments; it and any non-ASCII rune become '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if isSpace(r) {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isSpace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f'
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		(r < unicode.MaxASCII && unicode.IsDigit(r))
}
