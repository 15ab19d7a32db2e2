package embedding

import (
	"context"
	"hash/fnv"
	"strings"
	"unicode"
)

// HashingEmbedder is an offline bag-of-words embedder. Tokens are hashed
// into a fixed number of signed buckets, so equal text gives equal vectors.
type HashingEmbedder struct {
	dims int
}

// NewHashingEmbedder creates an embedder with dims buckets (default 256).
func NewHashingEmbedder(dims int) *HashingEmbedder {
	if dims <= 0 {
		dims = 256
	}
	return &HashingEmbedder{dims: dims}
}

func (e *HashingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = e.vector(text)
	}
	return out, nil
}

func (e *HashingEmbedder) vector(text string) []float32 {
	v := make([]float32, e.dims)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		h := fnv.New64a()
		_, _ = h.Write([]byte(tok))
		sum := h.Sum64()
		idx := int(sum % uint64(e.dims))
		if sum&(1<<63) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}
	return v
}
