package resilience

import (
	"context"

	"github.com/monetahq/moneta/pkg/provider/llm"
)

var _ llm.Provider = (*LLMFallback)(nil)

// LLMFallback is an [llm.Provider] that fails over across several LLM
// backends. Each backend sits behind its own circuit breaker; a failing or
// tripped primary is bypassed in favour of the next healthy fallback.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// NewLLMFallback wraps primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers another LLM backend, tried after the primary.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete runs the completion against the first healthy backend.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens counts via the first healthy backend's tokenizer.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// ModelID reports the primary's model. Static metadata does not fail over.
func (f *LLMFallback) ModelID() string {
	return f.group.Primary().ModelID()
}
