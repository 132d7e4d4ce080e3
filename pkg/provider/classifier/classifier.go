// Package classifier defines the domain classification interface used to
// scope knowledge retrieval to a financial subject area.
package classifier

import (
	"context"

	"github.com/monetahq/moneta/pkg/memory"
)

// Result is the outcome of classifying a piece of text.
type Result struct {
	// Domain is the predicted financial domain.
	Domain memory.Domain

	// Confidence is the classifier's confidence in [0, 1]. Callers typically
	// apply the prediction only above a configured threshold.
	Confidence float64
}

// Classifier predicts the financial domain of a piece of text.
type Classifier interface {
	// Classify returns the most likely domain for text together with a
	// confidence score. It never fails on unrecognised input; such text
	// classifies as memory.DomainGeneral with low confidence.
	Classify(ctx context.Context, text string) (Result, error)

	// ModelID returns an identifier for the classifier implementation.
	ModelID() string
}
