package fingerprint

import (
	"encoding/hex"
	"fmt"
	"image"
	"math"
	"math/bits"
)

// Block resolutions of the three perceptual hashes
const (
	CoarseBlocks = 8
	MediumBlocks = 16
	FineBlocks   = 24
)

// Incomparable is the distance reported for hashes that cannot be compared
// (different lengths, empty or malformed). It exceeds any sane threshold.
const Incomparable = math.MaxInt32

// BlockHasher reduces a normalized bitmap to a blocks x blocks bit string (hex encoded)
type BlockHasher interface {
	Hash(img *image.Gray, blocks int) (string, error)
}

// BandHasher averages each block and sets its bit when the block is brighter
// than the mean of its horizontal band.
type BandHasher struct {
	Bands int
}

func NewBandHasher() *BandHasher {
	return &BandHasher{Bands: 4}
}

func (h *BandHasher) Hash(img *image.Gray, blocks int) (string, error) {
	b := img.Bounds()
	w, ht := b.Dx(), b.Dy()
	if blocks <= 0 || blocks > w || blocks > ht {
		return "", fmt.Errorf("cannot hash %dx%d image into %d blocks", w, ht, blocks)
	}

	means := make([]float64, blocks*blocks)
	for by := range blocks {
		y0, y1 := by*ht/blocks, (by+1)*ht/blocks
		for bx := range blocks {
			x0, x1 := bx*w/blocks, (bx+1)*w/blocks
			var sum int
			for y := y0; y < y1; y++ {
				row := img.Pix[img.PixOffset(b.Min.X+x0, b.Min.Y+y):]
				for x := 0; x < x1-x0; x++ {
					sum += int(row[x])
				}
			}
			means[by*blocks+bx] = float64(sum) / float64((x1-x0)*(y1-y0))
		}
	}

	bands := h.Bands
	if bands <= 0 || bands > blocks {
		bands = 1
	}
	out := make([]byte, (len(means)+7)/8)
	for band := range bands {
		r0, r1 := band*blocks/bands, (band+1)*blocks/bands
		cells := means[r0*blocks : r1*blocks]

		var total float64
		for _, m := range cells {
			total += m
		}
		bandMean := total / float64(len(cells))

		for i, m := range cells {
			if m > bandMean {
				bit := r0*blocks + i
				out[bit/8] |= 0x80 >> (bit % 8)
			}
		}
	}
	return hex.EncodeToString(out), nil
}

// Distance is the Hamming distance between two hex hashes
func Distance(a, b string) int {
	if a == "" || b == "" || len(a) != len(b) {
		return Incomparable
	}
	ab, err := hex.DecodeString(a)
	if err != nil {
		return Incomparable
	}
	bb, err := hex.DecodeString(b)
	if err != nil {
		return Incomparable
	}
	d := 0
	for i := range ab {
		d += bits.OnesCount8(ab[i] ^ bb[i])
	}
	return d
}
