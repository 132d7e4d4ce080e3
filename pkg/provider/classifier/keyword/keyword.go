// Package keyword implements a lexical domain classifier. It scores each
// financial domain by weighted keyword hits over the input text and reports
// the best-scoring domain with a confidence proportional to its margin.
package keyword

import (
	"context"
	"strings"

	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/classifier"
)

// Ensure Classifier implements the classifier.Classifier interface.
var _ classifier.Classifier = (*Classifier)(nil)

// term is a weighted keyword or phrase attributed to a domain. Multi-word
// phrases score higher than single tokens since they are less ambiguous.
type term struct {
	text   string
	weight float64
}

// vocabulary maps each domain to its indicative terms. Phrase terms are
// matched as substrings of the normalised text; single-word terms are matched
// against whole tokens to avoid accidental substring hits ("ma" in "market").
var vocabulary = map[memory.Domain][]term{
	memory.DomainLBO: {
		{"leveraged buyout", 3},
		{"lbo", 2},
		{"sponsor", 1},
		{"debt paydown", 2},
		{"entry multiple", 2},
		{"exit multiple", 2},
		{"irr", 1},
		{"moic", 2},
		{"dividend recap", 2},
		{"management rollover", 2},
	},
	memory.DomainMA: {
		{"merger", 2},
		{"acquisition", 2},
		{"m&a", 2},
		{"accretion", 2},
		{"dilution", 2},
		{"synergies", 2},
		{"synergy", 2},
		{"purchase price allocation", 3},
		{"deal consideration", 2},
		{"exchange ratio", 2},
	},
	memory.DomainDebt: {
		{"debt schedule", 3},
		{"amortization", 2},
		{"term loan", 2},
		{"revolver", 2},
		{"interest coverage", 2},
		{"leverage ratio", 2},
		{"ebitda multiple", 2},
		{"mezzanine", 2},
		{"covenant", 1},
		{"tranche", 1},
	},
	memory.DomainLending: {
		{"private credit", 3},
		{"direct lending", 3},
		{"unitranche", 2},
		{"borrowing base", 2},
		{"origination", 1},
		{"collateral", 1},
		{"loan to value", 2},
		{"credit agreement", 2},
	},
}

// Classifier is a keyword-table domain classifier. The zero value is ready to
// use with the built-in vocabulary.
type Classifier struct {
	// Vocabulary overrides the built-in term tables when non-nil.
	Vocabulary map[memory.Domain][]term
}

// New returns a Classifier using the built-in vocabulary.
func New() *Classifier {
	return &Classifier{}
}

// Classify implements classifier.Classifier. Text with no recognised terms
// classifies as general with zero confidence.
func (c *Classifier) Classify(_ context.Context, text string) (classifier.Result, error) {
	vocab := c.Vocabulary
	if vocab == nil {
		vocab = vocabulary
	}

	normalised := normalise(text)
	tokens := tokenSet(normalised)

	var (
		best       memory.Domain
		bestScore  float64
		totalScore float64
	)
	for domain, terms := range vocab {
		score := scoreDomain(normalised, tokens, terms)
		totalScore += score
		if score > bestScore || (score == bestScore && score > 0 && domain < best) {
			best = domain
			bestScore = score
		}
	}

	if bestScore == 0 {
		return classifier.Result{Domain: memory.DomainGeneral, Confidence: 0}, nil
	}

	// Confidence is the winner's share of all domain evidence, so text
	// straddling two domains reports low confidence and falls back to an
	// unscoped search at the caller.
	return classifier.Result{Domain: best, Confidence: bestScore / totalScore}, nil
}

// ModelID implements classifier.Classifier.
func (c *Classifier) ModelID() string {
	return "keyword-v1"
}

func scoreDomain(normalised string, tokens map[string]bool, terms []term) float64 {
	var score float64
	for _, t := range terms {
		if strings.ContainsRune(t.text, ' ') {
			if strings.Contains(normalised, t.text) {
				score += t.weight
			}
		} else if tokens[t.text] {
			score += t.weight
		}
	}
	return score
}

func normalise(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range strings.ToLower(text) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '&', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

func tokenSet(normalised string) map[string]bool {
	set := make(map[string]bool)
	for _, tok := range strings.Fields(normalised) {
		set[tok] = true
	}
	return set
}
