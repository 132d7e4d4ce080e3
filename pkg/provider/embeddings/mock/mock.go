// Package mock provides a configurable embeddings provider for tests.
package mock

import (
	"context"
	"hash/fnv"
	"math"
	"sync"

	"github.com/monetahq/moneta/pkg/provider/embeddings"
)

// Ensure Provider implements the embeddings.Provider interface.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a mock embeddings provider. All fields may be set before use;
// the zero value produces deterministic pseudo-embeddings of Dims dimensions
// (default 8).
type Provider struct {
	// EmbedFunc, when set, overrides the default deterministic embedding.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedErr, when set, is returned by Embed and EmbedBatch.
	EmbedErr error

	// Vectors maps input text to a fixed embedding, taking precedence over
	// the deterministic fallback.
	Vectors map[string][]float32

	// Dims is the reported dimensionality. Defaults to 8.
	Dims int

	// Model is the reported model identifier. Defaults to "mock-embed".
	Model string

	mu         sync.Mutex
	embedCalls []string
}

// Embed implements embeddings.Provider.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.embedCalls = append(p.embedCalls, text)
	p.mu.Unlock()

	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, text)
	}
	if v, ok := p.Vectors[text]; ok {
		return v, nil
	}
	return deterministicEmbedding(text, p.Dimensions()), nil
}

// EmbedBatch implements embeddings.Provider.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int {
	if p.Dims > 0 {
		return p.Dims
	}
	return 8
}

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.Model != "" {
		return p.Model
	}
	return "mock-embed"
}

// EmbedCalls returns a copy of all texts passed to Embed so far.
func (p *Provider) EmbedCalls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.embedCalls))
	copy(out, p.embedCalls)
	return out
}

// deterministicEmbedding derives a unit-norm vector from the FNV hash of the
// text, so equal inputs always embed identically.
func deterministicEmbedding(text string, dims int) []float32 {
	h := fnv.New64a()
	h.Write([]byte(text))
	seed := h.Sum64()

	vec := make([]float32, dims)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed>>16)) / float64(math.MaxInt64>>16)
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
