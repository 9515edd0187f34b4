// Package fingerprint computes exact and perceptual content fingerprints and
// finds near-duplicates among known identities.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"net/http"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/templui/provenance/internal/model"
)

// Digest algorithms
const (
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

type Fingerprinter struct {
	algorithm  string
	newHash    func() hash.Hash
	normalizer Normalizer
	hasher     BlockHasher
}

type Option func(*Fingerprinter)

func WithNormalizer(n Normalizer) Option {
	return func(f *Fingerprinter) { f.normalizer = n }
}

func WithBlockHasher(h BlockHasher) Option {
	return func(f *Fingerprinter) { f.hasher = h }
}

// New returns a Fingerprinter using the named exact digest ("" means sha256)
func New(algorithm string, opts ...Option) (*Fingerprinter, error) {
	f := &Fingerprinter{
		normalizer: NewImageNormalizer(),
		hasher:     NewBandHasher(),
	}
	switch strings.ToLower(algorithm) {
	case "", SHA256:
		f.algorithm, f.newHash = SHA256, sha256.New
	case BLAKE3:
		f.algorithm, f.newHash = BLAKE3, func() hash.Hash { return blake3.New() }
	default:
		return nil, fmt.Errorf("unsupported digest algorithm %q", algorithm)
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Fingerprinter) Algorithm() string {
	return f.algorithm
}

// Digest is the hex exact digest of data
func (f *Fingerprinter) Digest(data []byte) string {
	h := f.newHash()
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// Fingerprint is deterministic. Content that is not an image yields an
// exact-only fingerprint with empty perceptual hashes.
func (f *Fingerprinter) Fingerprint(data []byte) (model.Fingerprint, error) {
	fp := model.Fingerprint{
		ExactDigest: f.Digest(data),
		Algorithm:   f.algorithm,
	}
	if !strings.HasPrefix(http.DetectContentType(data), "image/") {
		return fp, nil
	}

	img, err := f.normalizer.Normalize(data)
	if errors.Is(err, ErrNotImage) {
		return fp, nil
	}
	if err != nil {
		return model.Fingerprint{}, fmt.Errorf("normalize: %w", err)
	}

	hashes := make([]string, 3)
	for i, blocks := range []int{CoarseBlocks, MediumBlocks, FineBlocks} {
		hashes[i], err = f.hasher.Hash(img, blocks)
		if err != nil {
			return model.Fingerprint{}, fmt.Errorf("hash %dx%d: %w", blocks, blocks, err)
		}
	}
	fp.CoarseHash, fp.MediumHash, fp.FineHash = hashes[0], hashes[1], hashes[2]
	return fp, nil
}
