// Package mock provides a configurable domain classifier for tests.
package mock

import (
	"context"
	"sync"

	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/classifier"
)

// Ensure Classifier implements the classifier.Classifier interface.
var _ classifier.Classifier = (*Classifier)(nil)

// Classifier is a mock domain classifier. The zero value classifies
// everything as general with zero confidence.
type Classifier struct {
	// Result is returned by Classify unless ClassifyFunc is set.
	Result classifier.Result

	// Err, when set, is returned by Classify.
	Err error

	// ClassifyFunc, when set, overrides Result and Err.
	ClassifyFunc func(ctx context.Context, text string) (classifier.Result, error)

	mu    sync.Mutex
	calls []string
}

// Classify implements classifier.Classifier.
func (c *Classifier) Classify(ctx context.Context, text string) (classifier.Result, error) {
	c.mu.Lock()
	c.calls = append(c.calls, text)
	c.mu.Unlock()

	if c.ClassifyFunc != nil {
		return c.ClassifyFunc(ctx, text)
	}
	if c.Err != nil {
		return classifier.Result{}, c.Err
	}
	if c.Result.Domain == "" {
		return classifier.Result{Domain: memory.DomainGeneral}, nil
	}
	return c.Result, nil
}

// ModelID implements classifier.Classifier.
func (c *Classifier) ModelID() string {
	return "mock-classifier"
}

// Calls returns a copy of all texts passed to Classify so far.
func (c *Classifier) Calls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.calls))
	copy(out, c.calls)
	return out
}
