// Package vector holds the similarity math and the canonical on-disk
// encoding for embeddings.
package vector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

// ErrCorrupt is returned when a stored blob is not a whole number of float32s.
var ErrCorrupt = errors.New("vector: blob length is not a multiple of 4")

// CosineSimilarity returns dot(a,b)/(|a|*|b|). It returns 0 when either vector
// is empty, has zero magnitude, or the lengths differ.
func CosineSimilarity(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}

	var dot, normA, normB float64
	for i, av := range a {
		bv := float64(b[i])
		dot += float64(av) * bv
		normA += float64(av) * float64(av)
		normB += bv * bv
	}
	denom := math.Sqrt(normA) * math.Sqrt(normB)
	if denom == 0 {
		return 0
	}

	// Rounding can push |v,v| a hair past 1.
	sim := dot / denom
	if sim > 1 {
		return 1
	}
	if sim < -1 {
		return -1
	}
	return sim
}

// Normalize scales v to unit length in place. Zero vectors are left untouched.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	norm := math.Sqrt(sum)
	if norm == 0 {
		return
	}
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

// Marshal encodes v as little-endian IEEE-754 float32, 4 bytes per component.
// This is the only encoding used for persisted embeddings.
func Marshal(v []float32) []byte {
	if len(v) == 0 {
		return nil
	}
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// Unmarshal decodes a blob produced by Marshal.
func Unmarshal(data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrCorrupt, len(data))
	}
	v := make([]float32, len(data)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return v, nil
}
