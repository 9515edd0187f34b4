// Package mnemonic maps 64-bit identifiers to short, shareable word codes and back.
//
// A code is six data words (radix 2048, most significant first) followed by one
// checksum word. The leading data word only carries 9 bits, so its index is
// always below 512. The checksum word is the top 11 bits of SHA-256 over the
// big-endian id, which catches most single-word transcription errors.
package mnemonic

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/tyler-smith/go-bip39/wordlists"
)

const (
	radixBits  = 11
	radix      = 1 << radixBits
	dataWords  = 6
	totalWords = dataWords + 1
	// leading word holds 64 - 5*11 = 9 bits
	leadingLimit = 1 << (64 - (dataWords-1)*radixBits)

	// Separator joins words in the canonical text form
	Separator = "-"
)

// ErrInvalid is returned for any input that Encode could not have produced
var ErrInvalid = errors.New("invalid mnemonic")

// Codec converts between ids and word codes using a fixed dictionary
type Codec struct {
	words []string
	index map[string]int
}

// NewCodec builds a codec over a 2048-entry word list
func NewCodec(words []string) (*Codec, error) {
	if len(words) != radix {
		return nil, fmt.Errorf("word list must have %d entries, got %d", radix, len(words))
	}
	index := make(map[string]int, len(words))
	for i, w := range words {
		w = strings.ToLower(strings.TrimSpace(w))
		if _, dup := index[w]; dup {
			return nil, fmt.Errorf("word list has duplicate entry %q", w)
		}
		index[w] = i
	}
	return &Codec{words: words, index: index}, nil
}

var defaultCodec = mustCodec(wordlists.English)

func mustCodec(words []string) *Codec {
	c, err := NewCodec(words)
	if err != nil {
		panic(err)
	}
	return c
}

// Encode returns the canonical word code for id using the BIP-39 English list
func Encode(id int64) string {
	return defaultCodec.Encode(id)
}

// Decode parses a word code produced by Encode
func Decode(code string) (int64, error) {
	return defaultCodec.Decode(code)
}

// Valid reports whether code decodes cleanly
func Valid(code string) bool {
	_, err := defaultCodec.Decode(code)
	return err == nil
}

func (c *Codec) Encode(id int64) string {
	v := uint64(id)
	out := make([]string, totalWords)
	for i := dataWords - 1; i >= 0; i-- {
		out[i] = c.words[v%radix]
		v /= radix
	}
	out[dataWords] = c.words[checksum(uint64(id))]
	return strings.Join(out, Separator)
}

func (c *Codec) Decode(code string) (int64, error) {
	parts := strings.FieldsFunc(strings.ToLower(code), func(r rune) bool {
		return r == '-' || r == ' ' || r == '_' || r == '.' || r == '\t' || r == '\n'
	})
	if len(parts) != totalWords {
		return 0, fmt.Errorf("%w: want %d words, got %d", ErrInvalid, totalWords, len(parts))
	}

	var v uint64
	for i := 0; i < dataWords; i++ {
		n, ok := c.index[parts[i]]
		if !ok {
			return 0, fmt.Errorf("%w: unknown word %q", ErrInvalid, parts[i])
		}
		if i == 0 && n >= leadingLimit {
			return 0, fmt.Errorf("%w: leading word %q out of range", ErrInvalid, parts[i])
		}
		v = v*radix + uint64(n)
	}

	sum, ok := c.index[parts[dataWords]]
	if !ok {
		return 0, fmt.Errorf("%w: unknown checksum word %q", ErrInvalid, parts[dataWords])
	}
	if sum != checksum(v) {
		return 0, fmt.Errorf("%w: checksum mismatch", ErrInvalid)
	}
	return int64(v), nil
}

func checksum(v uint64) int {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], v)
	h := sha256.Sum256(buf[:])
	return int(h[0])<<3 | int(h[1])>>5
}
