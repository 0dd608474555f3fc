package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"
	"unicode"

	"github.com/xiy/memory-engine/internal/vector"
)

// Provider turns text into a fixed-length vector.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// HashProvider is the deterministic embedding used when no model is
// available. Each word adds 1/(1+position) at several hashed indices, so
// earlier words weigh more; the result is L2-normalized.
type HashProvider struct {
	dimensions     int
	hashesPerToken int
}

// NewHashProvider creates a hash embedder. hashesPerToken must not exceed 8,
// the number of 32-bit slices in a SHA-256 digest.
func NewHashProvider(dimensions, hashesPerToken int) *HashProvider {
	if hashesPerToken <= 0 {
		hashesPerToken = 3
	}
	if hashesPerToken > sha256.Size/4 {
		hashesPerToken = sha256.Size / 4
	}
	return &HashProvider{dimensions: dimensions, hashesPerToken: hashesPerToken}
}

// Embed never fails; the context is accepted to satisfy Provider.
func (h *HashProvider) Embed(_ context.Context, text string) ([]float32, error) {
	return h.Vector(text), nil
}

// Vector computes the embedding of text. Text without any word yields the
// zero vector.
func (h *HashProvider) Vector(text string) []float32 {
	vec := make([]float32, h.dimensions)
	for i, word := range Tokenize(text) {
		sum := sha256.Sum256([]byte(word))
		weight := float32(1.0 / float64(1+i))
		for k := 0; k < h.hashesPerToken; k++ {
			idx := binary.BigEndian.Uint32(sum[k*4:]) % uint32(h.dimensions)
			vec[idx] += weight
		}
	}
	vector.Normalize(vec)
	return vec
}

// Dimensions returns the embedding size.
func (h *HashProvider) Dimensions() int {
	return h.dimensions
}

// Tokenize splits text into lowercase letter/digit words.
func Tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
