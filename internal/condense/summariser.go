// Package condense keeps a session's active event sequence within a bounded
// budget. When a session grows past its configured maximum, the [Condenser]
// partitions the log into anchored, critical, and recent events, summarises
// the rest through the completion provider, and atomically rewrites the log
// so that every replaced event remains accounted for inside exactly one
// condensation record.
//
// All exported types are safe for concurrent use.
package condense

import (
	"context"
	"fmt"
	"strings"

	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/llm"
)

// summarisationPrompt is the system prompt sent to the LLM when summarising
// a run of conversational events from a financial modelling session.
const summarisationPrompt = `Summarise the following conversation between a user and a financial-modelling assistant.
Preserve, with exact figures where stated: transaction parameters (purchase price, multiples,
fees), financial projections and assumptions, capital structure and debt terms, exit assumptions,
and any stated user preferences or constraints.
Be concise but keep every number and named term that a later turn might depend on.`

// priorSummaryPreamble introduces earlier condensation text in the prompt so
// summary-of-summary chains stay coherent across repeated condensations.
const priorSummaryPreamble = `Earlier parts of this conversation were already summarised as follows.
Fold this context into your summary; do not drop facts it contains.`

// Summariser produces a concise summary of a run of events.
type Summariser interface {
	// Summarise condenses events into a single summary string. priorSummaries
	// holds the text of earlier condensation events, oldest first, and may be
	// empty.
	Summarise(ctx context.Context, events []memory.Event, priorSummaries []string) (string, error)
}

// LLMSummariser uses a completion provider to summarise events.
type LLMSummariser struct {
	llm llm.Provider
}

// NewLLMSummariser creates a new [LLMSummariser] backed by the given provider.
func NewLLMSummariser(provider llm.Provider) *LLMSummariser {
	return &LLMSummariser{llm: provider}
}

// Summarise formats the events into a transcript, prepends any prior summary
// context, and asks the model for a factual condensation.
func (s *LLMSummariser) Summarise(ctx context.Context, events []memory.Event, priorSummaries []string) (string, error) {
	if len(events) == 0 {
		return "", nil
	}

	var sb strings.Builder
	if len(priorSummaries) > 0 {
		sb.WriteString(priorSummaryPreamble)
		sb.WriteString("\n\n")
		for _, p := range priorSummaries {
			fmt.Fprintf(&sb, "[prior summary]: %s\n", p)
		}
		sb.WriteString("\n")
	}
	for _, ev := range events {
		fmt.Fprintf(&sb, "[%s]: %s\n", ev.Role, ev.Content)
	}

	resp, err := s.llm.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: summarisationPrompt,
		Messages: []llm.Message{
			{Role: "user", Content: sb.String()},
		},
		Temperature: 0.3,
	})
	if err != nil {
		return "", fmt.Errorf("summarise: %w", err)
	}

	return resp.Content, nil
}
