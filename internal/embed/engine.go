// Package embed produces dense section embeddings, caches them on disk,
// and finds near neighbours with an exact or IVF inner-product index.
package embed

import (
	"context"
	"fmt"
	"math"
)

// Engine generates vector embeddings for text.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	Name() string
}

// NewEngine builds the configured backend: "gemini" (cloud) or "ollama"
// (local).
func NewEngine(backend, apiKey, endpoint, model string) (Engine, error) {
	switch backend {
	case "gemini", "genai":
		return NewGeminiEngine(apiKey, model)
	case "ollama":
		return NewOllamaEngine(endpoint, model)
	}
	return nil, fmt.Errorf("embed: unknown backend %q", backend)
}

// Normalize scales v to unit L2 length in place, making inner product
// equal cosine similarity. A zero vector is left untouched.
func Normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range v {
		v[i] *= inv
	}
}

// Dot is the inner product of two same-length vectors.
func Dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
