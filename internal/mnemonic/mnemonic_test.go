package mnemonic

import (
	"math"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tyler-smith/go-bip39/wordlists"
)

func TestRoundTrip(t *testing.T) {
	ids := []int64{0, 1, 2047, 2048, 1 << 40, 1<<62 + 12345, math.MaxInt64, -1, math.MinInt64}
	r := rand.New(rand.NewSource(42))
	for i := 0; i < 1000; i++ {
		ids = append(ids, r.Int63())
	}

	for _, id := range ids {
		code := Encode(id)
		assert.Len(t, strings.Split(code, Separator), totalWords)
		got, err := Decode(code)
		require.NoError(t, err, "id %d code %q", id, code)
		assert.Equal(t, id, got)
	}
}

func TestEncodeDeterministic(t *testing.T) {
	assert.Equal(t, Encode(123456789), Encode(123456789))
	assert.NotEqual(t, Encode(123456789), Encode(123456790))
}

func TestDecodeAcceptsLooseFormatting(t *testing.T) {
	id := int64(987654321012345)
	code := Encode(id)

	spaced := strings.ToUpper(strings.ReplaceAll(code, Separator, " "))
	got, err := Decode("  " + spaced + "\n")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestDecodeRejects(t *testing.T) {
	code := Encode(424242424242)
	words := strings.Split(code, Separator)

	swapChecksum := append([]string{}, words...)
	swapChecksum[dataWords] = differentWord(words[dataWords])

	swapData := append([]string{}, words...)
	swapData[3] = wordKeepingChecksumInvalid(t, words, 3)

	highLead := append([]string{}, words...)
	highLead[0] = wordlists.English[leadingLimit]

	cases := map[string]string{
		"empty":            "",
		"too few words":    strings.Join(words[:5], Separator),
		"too many words":   code + Separator + words[0],
		"unknown word":     strings.Replace(code, words[2], "notaword", 1),
		"checksum changed": strings.Join(swapChecksum, Separator),
		"data changed":     strings.Join(swapData, Separator),
		"leading overflow": strings.Join(highLead, Separator),
	}

	for name, input := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(input)
			assert.ErrorIs(t, err, ErrInvalid)
			assert.False(t, Valid(input))
		})
	}
}

func TestNewCodecValidatesList(t *testing.T) {
	_, err := NewCodec([]string{"a", "b"})
	assert.Error(t, err)

	dup := append([]string{}, wordlists.English...)
	dup[1] = dup[0]
	_, err = NewCodec(dup)
	assert.Error(t, err)
}

// wordKeepingChecksumInvalid picks a replacement for words[pos] whose resulting
// data value does not happen to share the original checksum word
func wordKeepingChecksumInvalid(t *testing.T, words []string, pos int) string {
	t.Helper()
	sum := defaultCodec.index[words[dataWords]]
	for _, cand := range wordlists.English {
		if cand == words[pos] {
			continue
		}
		var v uint64
		for i := 0; i < dataWords; i++ {
			w := words[i]
			if i == pos {
				w = cand
			}
			v = v*radix + uint64(defaultCodec.index[w])
		}
		if checksum(v) != sum {
			return cand
		}
	}
	t.Fatal("no replacement word found")
	return ""
}

func differentWord(w string) string {
	for _, cand := range wordlists.English[:2] {
		if cand != w {
			return cand
		}
	}
	return wordlists.English[2]
}
