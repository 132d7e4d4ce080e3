package condense

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/monetahq/moneta/internal/observe"
	"github.com/monetahq/moneta/pkg/memory"
)

// minTail is the smallest number of recent events that must survive a
// condensation. Below this the rewritten log would lose the immediate
// conversational context the next turn depends on.
const minTail = 2

// Config tunes a [Condenser].
type Config struct {
	// MaxEvents is the active-event budget. Condensation triggers when a
	// session's active view grows past this. Must be positive.
	MaxEvents int

	// KeepFirst is how many leading events are always preserved verbatim.
	// They anchor the user's original framing. Must be at least 1.
	KeepFirst int

	// TargetEvents is the post-condensation size to aim for. Must not exceed
	// MaxEvents; headroom below MaxEvents avoids re-triggering on the very
	// next turn. A value of 0 defaults to MaxEvents/2, floored at
	// KeepFirst+minTail+1.
	TargetEvents int

	// Metrics receives condensation latency and outcome counts. Nil uses the
	// package-level default instruments.
	Metrics *observe.Metrics
}

// Result describes the outcome of one [Condenser.Condense] call.
type Result struct {
	// Condensed is false when the session was already within budget (or
	// condensation is disabled) and the log was left untouched.
	Condensed bool

	// Degraded is true when the summary came from the truncation fallback
	// rather than the completion provider.
	Degraded bool

	// SummarizedCount is how many event ids the new condensation record
	// accounts for, including ids inherited from replaced prior summaries.
	SummarizedCount int

	// ActiveBefore and ActiveAfter are the active-view sizes around the call.
	ActiveBefore int
	ActiveAfter  int

	// Summary is the condensation event that was inserted, when Condensed.
	Summary memory.Event
}

// Condenser rewrites over-budget sessions down to their target size. It keeps
// the head and the most recent tail verbatim, retains the latest critical
// event of each sub-type, and replaces everything else with one condensation
// event whose record lists every id it absorbed.
//
// Condense is idempotent on an under-budget log and must not run concurrently
// for the same session; the session memory manager serialises turns per
// session, which covers this.
type Condenser struct {
	log        memory.EventLog
	summariser Summariser
	critical   CriticalFn
	metrics    *observe.Metrics

	maxEvents    int
	keepFirst    int
	targetEvents int
	disabled     bool
}

// New constructs a Condenser. Nonsensical values (MaxEvents ≤ 0, KeepFirst < 1,
// TargetEvents > MaxEvents) fail construction. A budget too small to hold the
// head, the minimum tail, and a summary does not fail; it disables
// condensation for sessions using this condenser, with a warning.
func New(log memory.EventLog, summariser Summariser, critical CriticalFn, cfg Config) (*Condenser, error) {
	if log == nil {
		return nil, fmt.Errorf("condense: event log must not be nil")
	}
	if summariser == nil {
		return nil, fmt.Errorf("condense: summariser must not be nil")
	}
	if cfg.MaxEvents <= 0 {
		return nil, fmt.Errorf("condense: max events must be positive, got %d", cfg.MaxEvents)
	}
	if cfg.KeepFirst < 1 {
		return nil, fmt.Errorf("condense: keep first must be at least 1, got %d", cfg.KeepFirst)
	}
	if cfg.TargetEvents < 0 || cfg.TargetEvents > cfg.MaxEvents {
		return nil, fmt.Errorf("condense: target events %d out of range (0, %d]", cfg.TargetEvents, cfg.MaxEvents)
	}
	if critical == nil {
		critical = NeverCritical
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}

	floor := cfg.KeepFirst + minTail + 1
	target := cfg.TargetEvents
	if target == 0 {
		target = cfg.MaxEvents / 2
		if target < floor {
			target = floor
		}
	}

	disabled := cfg.MaxEvents <= cfg.KeepFirst+minTail
	if disabled {
		slog.Warn("condensation disabled: budget cannot hold head, tail and summary",
			"max_events", cfg.MaxEvents, "keep_first", cfg.KeepFirst, "min_tail", minTail)
	} else if target < floor {
		target = floor
	}

	return &Condenser{
		log:          log,
		summariser:   summariser,
		critical:     critical,
		metrics:      metrics,
		maxEvents:    cfg.MaxEvents,
		keepFirst:    cfg.KeepFirst,
		targetEvents: target,
		disabled:     disabled,
	}, nil
}

// Disabled reports whether this condenser was constructed with a budget too
// small to condense into.
func (c *Condenser) Disabled() bool {
	return c.disabled
}

// MaxEvents returns the configured active-event budget.
func (c *Condenser) MaxEvents() int {
	return c.maxEvents
}

// Condense brings the session back within budget if it has grown past
// MaxEvents. An under-budget session is a no-op. The call blocks for the
// duration of the summarisation; if the provider fails twice, it falls back
// to truncation and marks the condensation record degraded so the turn still
// completes.
func (c *Condenser) Condense(ctx context.Context, sessionID string) (Result, error) {
	start := time.Now()

	events, err := c.log.List(ctx, sessionID, "")
	if err != nil {
		return Result{}, fmt.Errorf("condense: list events: %w", err)
	}

	res := Result{ActiveBefore: len(events), ActiveAfter: len(events)}
	if c.disabled || len(events) <= c.maxEvents {
		return res, nil
	}

	plan := c.partition(events)
	if len(plan.forgotten) == 0 {
		// Critical and tail already fill the budget; nothing compressible.
		return res, nil
	}

	summaryText, degraded := c.summarise(ctx, plan)

	summarizedIDs := absorbedIDs(plan.forgotten)
	summary := memory.Event{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      memory.RoleCondensation,
		Content:   summaryText,
		Condensation: &memory.CondensationInfo{
			SummarizedEventIDs: summarizedIDs,
			SummarizedCount:    len(summarizedIDs),
			Degraded:           degraded,
		},
	}

	oldIDs := make([]string, len(plan.forgotten))
	for i, ev := range plan.forgotten {
		oldIDs[i] = ev.ID
	}
	if err := c.log.ReplaceRange(ctx, sessionID, oldIDs, []memory.Event{summary}); err != nil {
		return Result{}, fmt.Errorf("condense: replace range: %w", err)
	}

	res.Condensed = true
	res.Degraded = degraded
	res.SummarizedCount = len(summarizedIDs)
	res.ActiveAfter = len(events) - len(plan.forgotten) + 1
	res.Summary = summary

	c.metrics.CondensationDuration.Record(ctx, time.Since(start).Seconds())
	outcome := "summarised"
	if degraded {
		outcome = "truncated"
	}
	c.metrics.RecordCondensation(ctx, outcome)
	if res.ActiveAfter > c.maxEvents {
		slog.Warn("condensation left session over budget",
			"session", sessionID, "after", res.ActiveAfter, "max_events", c.maxEvents)
	}
	return res, nil
}

// plan is the outcome of partitioning an over-budget active sequence.
type plan struct {
	head      []memory.Event
	critical  []memory.Event
	tail      []memory.Event
	forgotten []memory.Event

	// priorSummaries is the text of condensation events being replaced,
	// oldest first, fed back into the prompt so chains stay coherent.
	priorSummaries []string
}

// partition splits events into head, critical, tail and forgotten. Head is
// the first keepFirst events. Critical events are the most recent
// representative of each sub-type in the remainder, capped at the headroom
// the target leaves next to the head, minimum tail and summary. Tail is the
// most recent run sized so head + critical + summary + tail lands on the
// target.
func (c *Condenser) partition(events []memory.Event) plan {
	var p plan
	p.head = events[:c.keepFirst]
	remainder := events[c.keepFirst:]

	// Latest event per critical sub-type survives verbatim.
	criticalIdx := make(map[string]int)
	for i, ev := range remainder {
		if subType, ok := c.critical(ev); ok {
			criticalIdx[subType] = i
		}
	}
	indices := make([]int, 0, len(criticalIdx))
	for _, i := range criticalIdx {
		indices = append(indices, i)
	}
	sort.Ints(indices)

	// Critical survivors share the budget with the head, the minimum tail and
	// the summary. A session that accumulates more critical sub-types than
	// that leaves room for gets its oldest criticals absorbed into the
	// summary; keeping them all would leave the log over budget after the
	// rewrite.
	if headroom := c.targetEvents - c.keepFirst - minTail - 1; len(indices) > headroom {
		slog.Warn("critical events exceed condensation headroom, absorbing oldest",
			"critical", len(indices), "headroom", headroom)
		indices = indices[len(indices)-headroom:]
	}

	isCritical := make(map[int]bool, len(indices))
	for _, i := range indices {
		isCritical[i] = true
	}

	tailLen := c.targetEvents - c.keepFirst - len(isCritical) - 1
	if tailLen < minTail {
		tailLen = minTail
	}

	// Walk the remainder backwards claiming tail slots; critical events do
	// not consume tail budget since they are kept regardless of position.
	inTail := make(map[int]bool, tailLen)
	for i := len(remainder) - 1; i >= 0 && len(inTail) < tailLen; i-- {
		if !isCritical[i] {
			inTail[i] = true
		}
	}

	for i, ev := range remainder {
		switch {
		case isCritical[i]:
			p.critical = append(p.critical, ev)
		case inTail[i]:
			p.tail = append(p.tail, ev)
		default:
			p.forgotten = append(p.forgotten, ev)
			if ev.Role == memory.RoleCondensation {
				p.priorSummaries = append(p.priorSummaries, ev.Content)
			}
		}
	}

	// A surviving prior summary still informs the new one.
	for _, ev := range p.head {
		if ev.Role == memory.RoleCondensation {
			p.priorSummaries = append([]string{ev.Content}, p.priorSummaries...)
		}
	}

	return p
}

// summarise produces the condensation text, retrying the provider once and
// degrading to a deterministic truncation notice on the second failure.
func (c *Condenser) summarise(ctx context.Context, p plan) (text string, degraded bool) {
	for attempt := 0; attempt < 2; attempt++ {
		summary, err := c.summariser.Summarise(ctx, p.forgotten, p.priorSummaries)
		if err == nil {
			return summary, false
		}
		slog.Warn("condensation summarise failed",
			"attempt", attempt+1, "forgotten", len(p.forgotten), "err", err)
	}

	slog.Warn("condensation degraded to truncation", "forgotten", len(p.forgotten))
	return fmt.Sprintf("[%d earlier events truncated; summary unavailable]", len(p.forgotten)), true
}

// absorbedIDs returns the ids the new condensation record accounts for: every
// forgotten event, plus the ids already covered by any forgotten condensation
// event, so no id ever drops out of the accounting.
func absorbedIDs(forgotten []memory.Event) []string {
	var ids []string
	for _, ev := range forgotten {
		if ev.Role == memory.RoleCondensation && ev.Condensation != nil {
			ids = append(ids, ev.Condensation.SummarizedEventIDs...)
		}
		ids = append(ids, ev.ID)
	}
	return ids
}
