package fingerprint

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// CanvasSize is the edge of the square bitmap every image is normalized to.
// It divides evenly by every block resolution in use.
const CanvasSize = 288

// ErrNotImage means the bytes could not be decoded as a still image
var ErrNotImage = errors.New("content is not a decodable image")

// Normalizer turns raw bytes into a canonical grayscale bitmap
type Normalizer interface {
	Normalize(data []byte) (*image.Gray, error)
}

// ImageNormalizer decodes PNG, JPEG, GIF, WebP and BMP, converts to luma,
// resizes to a fixed square and stretches the luma range to 0..255.
type ImageNormalizer struct {
	Size   int
	Scaler draw.Scaler
}

func NewImageNormalizer() *ImageNormalizer {
	return &ImageNormalizer{Size: CanvasSize, Scaler: draw.CatmullRom}
}

func (n *ImageNormalizer) Normalize(data []byte) (*image.Gray, error) {
	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	bounds := src.Bounds()
	if bounds.Empty() {
		return nil, fmt.Errorf("%w: empty bounds", ErrNotImage)
	}

	gray := image.NewGray(bounds)
	draw.Draw(gray, bounds, src, bounds.Min, draw.Src)

	dst := image.NewGray(image.Rect(0, 0, n.Size, n.Size))
	n.Scaler.Scale(dst, dst.Bounds(), gray, bounds, draw.Src, nil)

	stretchLuma(dst)
	return dst, nil
}

// stretchLuma maps the darkest pixel to 0 and the brightest to 255.
// Flat images are left untouched.
func stretchLuma(img *image.Gray) {
	lo, hi := uint8(255), uint8(0)
	for _, p := range img.Pix {
		lo = min(lo, p)
		hi = max(hi, p)
	}
	if hi <= lo {
		return
	}
	span := int(hi - lo)
	for i, p := range img.Pix {
		img.Pix[i] = uint8((int(p-lo)*255 + span/2) / span)
	}
}
