package resilience

import (
	"context"

	"github.com/monetahq/moneta/pkg/provider/embeddings"
)

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// EmbeddingsFallback is an [embeddings.Provider] that fails over across
// several embedding backends.
//
// Every backend must serve the same model, or at least the same vector space
// and dimensionality — a self-hosted mirror of the primary's API, say. Mixing
// models would yield vectors that cannot be compared with those already in
// the knowledge store.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

// NewEmbeddingsFallback wraps primary as the preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another embedding backend, tried after the primary.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) {
	f.group.AddFallback(name, provider)
}

// Embed embeds text via the first healthy backend.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch embeds texts via the first healthy backend.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions reports the primary's vector width. All backends agree on this
// value by construction.
func (f *EmbeddingsFallback) Dimensions() int {
	return f.group.Primary().Dimensions()
}

// ModelID reports the primary's model. Static metadata does not fail over.
func (f *EmbeddingsFallback) ModelID() string {
	return f.group.Primary().ModelID()
}
