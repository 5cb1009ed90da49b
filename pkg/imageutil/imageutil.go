// Package imageutil decodes, bounds and re-encodes images before they are
// sent to embedding or captioning models.
package imageutil

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	"image/jpeg"
	_ "image/png"

	"golang.org/x/image/draw"
)

// ErrDecode is returned for empty or undecodable image data.
var ErrDecode = errors.New("imageutil: cannot decode image")

// JPEGQuality is used for every re-encode.
const JPEGQuality = 90

// Info describes an image without decoding its pixels.
type Info struct {
	Width, Height int
	Format        string
}

// Inspect reads only the image header.
func Inspect(data []byte) (Info, error) {
	if len(data) == 0 {
		return Info{}, ErrDecode
	}
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Format: format}, nil
}

// Fit scales the image so that neither side exceeds maxSide, preserving
// aspect ratio, and returns JPEG bytes. Images already within bounds are
// re-encoded without scaling. maxSide <= 0 disables scaling.
func Fit(data []byte, maxSide int) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrDecode
	}
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	b := src.Bounds()
	w, h := scaledSize(b.Dx(), b.Dy(), maxSide)

	var out image.Image = src
	if w != b.Dx() || h != b.Dy() {
		dst := image.NewRGBA(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		out = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, out, &jpeg.Options{Quality: JPEGQuality}); err != nil {
		return nil, fmt.Errorf("imageutil: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func scaledSize(w, h, maxSide int) (int, int) {
	if maxSide <= 0 || (w <= maxSide && h <= maxSide) {
		return w, h
	}
	if w >= h {
		return maxSide, max(1, h*maxSide/w)
	}
	return max(1, w*maxSide/h), maxSide
}
