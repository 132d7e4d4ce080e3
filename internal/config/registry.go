package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/monetahq/moneta/pkg/provider/classifier"
	"github.com/monetahq/moneta/pkg/provider/embeddings"
	"github.com/monetahq/moneta/pkg/provider/llm"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// factoryTable holds named constructors for one provider kind.
// Safe for concurrent use.
type factoryTable[T any] struct {
	kind string
	mu   sync.RWMutex
	m    map[string]func(ProviderEntry) (T, error)
}

func newFactoryTable[T any](kind string) *factoryTable[T] {
	return &factoryTable[T]{
		kind: kind,
		m:    make(map[string]func(ProviderEntry) (T, error)),
	}
}

func (ft *factoryTable[T]) register(name string, factory func(ProviderEntry) (T, error)) {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	ft.m[name] = factory
}

func (ft *factoryTable[T]) create(entry ProviderEntry) (T, error) {
	ft.mu.RLock()
	factory, ok := ft.m[entry.Name]
	ft.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %s/%q", ErrProviderNotRegistered, ft.kind, entry.Name)
	}
	return factory(entry)
}

// Registry maps provider names to constructors for the three provider kinds
// Moneta consumes: completion LLMs, embedding models and domain classifiers.
type Registry struct {
	llm        *factoryTable[llm.Provider]
	embeddings *factoryTable[embeddings.Provider]
	classifier *factoryTable[classifier.Classifier]
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		llm:        newFactoryTable[llm.Provider]("llm"),
		embeddings: newFactoryTable[embeddings.Provider]("embeddings"),
		classifier: newFactoryTable[classifier.Classifier]("classifier"),
	}
}

// RegisterLLM registers an LLM provider factory under name. Registering the
// same name again overwrites the earlier factory.
func (r *Registry) RegisterLLM(name string, factory func(ProviderEntry) (llm.Provider, error)) {
	r.llm.register(name, factory)
}

// RegisterEmbeddings registers an embeddings provider factory under name.
func (r *Registry) RegisterEmbeddings(name string, factory func(ProviderEntry) (embeddings.Provider, error)) {
	r.embeddings.register(name, factory)
}

// RegisterClassifier registers a domain classifier factory under name.
func (r *Registry) RegisterClassifier(name string, factory func(ProviderEntry) (classifier.Classifier, error)) {
	r.classifier.register(name, factory)
}

// CreateLLM instantiates the LLM provider registered under entry.Name,
// returning [ErrProviderNotRegistered] when the name is unknown.
func (r *Registry) CreateLLM(entry ProviderEntry) (llm.Provider, error) {
	return r.llm.create(entry)
}

// CreateEmbeddings instantiates the embeddings provider registered under
// entry.Name.
func (r *Registry) CreateEmbeddings(entry ProviderEntry) (embeddings.Provider, error) {
	return r.embeddings.create(entry)
}

// CreateClassifier instantiates the domain classifier registered under
// entry.Name.
func (r *Registry) CreateClassifier(entry ProviderEntry) (classifier.Classifier, error) {
	return r.classifier.create(entry)
}
