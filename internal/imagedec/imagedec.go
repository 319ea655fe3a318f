// Package imagedec decodes fetched tile payloads into images.
package imagedec

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	// registered decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var ErrEmpty = errors.New("empty image payload")

// Decoder turns raw bytes into an image. Failures are decode errors, distinct
// from transport errors.
type Decoder interface {
	Decode(data []byte) (image.Image, error)
}

// Func adapts a function to Decoder.
type Func func(data []byte) (image.Image, error)

func (f Func) Decode(data []byte) (image.Image, error) { return f(data) }

// Registered decodes any format registered with the image package: png, jpeg,
// gif, bmp, tiff and webp.
type Registered struct{}

func (Registered) Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrEmpty
	}
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode image (%d bytes): %w", len(data), err)
	}
	if b := img.Bounds(); b.Empty() {
		return nil, fmt.Errorf("decode %s image: empty bounds %v", format, b)
	}
	return img, nil
}
