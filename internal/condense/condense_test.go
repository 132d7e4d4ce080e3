package condense

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/monetahq/moneta/internal/observe"
	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/memory/inmem"
	"github.com/monetahq/moneta/pkg/provider/llm"
	llmmock "github.com/monetahq/moneta/pkg/provider/llm/mock"
)

// appendEvents appends n alternating user/assistant events and returns them.
func appendEvents(t *testing.T, log *inmem.EventLog, sessionID string, n int) []memory.Event {
	t.Helper()
	out := make([]memory.Event, 0, n)
	for i := 0; i < n; i++ {
		role := memory.RoleUser
		if i%2 == 1 {
			role = memory.RoleAssistant
		}
		ev, err := log.Append(context.Background(), sessionID, memory.Event{
			Role:    role,
			Content: fmt.Sprintf("event %d", i),
		})
		if err != nil {
			t.Fatalf("append event %d: %v", i, err)
		}
		out = append(out, ev)
	}
	return out
}

func newTestCondenser(t *testing.T, log *inmem.EventLog, p *llmmock.Provider, cfg Config, critical CriticalFn) *Condenser {
	t.Helper()
	c, err := New(log, NewLLMSummariser(p), critical, cfg)
	if err != nil {
		t.Fatalf("new condenser: %v", err)
	}
	return c
}

func TestNew_Validation(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	s := NewLLMSummariser(&llmmock.Provider{})

	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"valid", Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7}, false},
		{"zero max events", Config{MaxEvents: 0, KeepFirst: 1}, true},
		{"zero keep first", Config{MaxEvents: 10, KeepFirst: 0}, true},
		{"target above max", Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 11}, true},
		{"negative target", Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: -1}, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(log, s, nil, tc.cfg)
			if tc.wantErr && err == nil {
				t.Fatal("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}

	t.Run("tiny budget disables instead of failing", func(t *testing.T) {
		c, err := New(log, s, nil, Config{MaxEvents: 3, KeepFirst: 1})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !c.Disabled() {
			t.Error("expected condensation to be disabled for max_events=3, keep_first=1")
		}
	})
}

func TestCondense_UnderBudgetIsNoOp(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}
	c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1}, nil)

	appendEvents(t, log, "s1", 10)

	res, err := c.Condense(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Condensed {
		t.Error("expected no condensation at exactly max_events")
	}
	if p.Calls() != 0 {
		t.Errorf("expected no LLM calls, got %d", p.Calls())
	}

	active, _ := log.List(context.Background(), "s1", "")
	if len(active) != 10 {
		t.Errorf("expected log untouched, got %d events", len(active))
	}
}

func TestCondense_OverBudget(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "the user is building an LBO model"}}
	c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7}, nil)

	original := appendEvents(t, log, "s1", 12)

	res, err := c.Condense(context.Background(), "s1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Condensed {
		t.Fatal("expected condensation to run")
	}
	if res.Degraded {
		t.Error("expected non-degraded result")
	}

	active, err := log.List(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) > 10 {
		t.Errorf("active length %d exceeds budget 10", len(active))
	}

	// First event anchors the session and must survive verbatim.
	if active[0].ID != original[0].ID {
		t.Errorf("expected first event preserved, got %q", active[0].Content)
	}

	// Exactly one condensation event, accounting for every missing id.
	var summaries []memory.Event
	activeIDs := make(map[string]bool)
	for _, ev := range active {
		activeIDs[ev.ID] = true
		if ev.Role == memory.RoleCondensation {
			summaries = append(summaries, ev)
		}
	}
	if len(summaries) != 1 {
		t.Fatalf("expected exactly 1 condensation event, got %d", len(summaries))
	}
	info := summaries[0].Condensation
	if info == nil {
		t.Fatal("condensation event missing its record")
	}
	if info.SummarizedCount != len(info.SummarizedEventIDs) {
		t.Errorf("summarized count %d != len(ids) %d", info.SummarizedCount, len(info.SummarizedEventIDs))
	}

	covered := make(map[string]bool)
	for _, id := range info.SummarizedEventIDs {
		if covered[id] {
			t.Errorf("id %s covered twice", id)
		}
		covered[id] = true
	}
	for _, ev := range original {
		if activeIDs[ev.ID] == covered[ev.ID] {
			t.Errorf("event %s (%q): present=%v covered=%v, want exactly one",
				ev.ID, ev.Content, activeIDs[ev.ID], covered[ev.ID])
		}
	}
}

func TestCondense_Idempotent(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}
	c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7}, nil)

	appendEvents(t, log, "s1", 12)

	if _, err := c.Condense(context.Background(), "s1"); err != nil {
		t.Fatalf("first condense: %v", err)
	}
	before, _ := log.List(context.Background(), "s1", "")

	res, err := c.Condense(context.Background(), "s1")
	if err != nil {
		t.Fatalf("second condense: %v", err)
	}
	if res.Condensed {
		t.Error("expected second condense to be a no-op")
	}

	after, _ := log.List(context.Background(), "s1", "")
	if len(before) != len(after) {
		t.Fatalf("log changed: %d -> %d events", len(before), len(after))
	}
	for i := range before {
		if before[i].ID != after[i].ID {
			t.Errorf("event %d changed: %s -> %s", i, before[i].ID, after[i].ID)
		}
	}
}

func TestCondense_CriticalEventsSurvive(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}
	c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7},
		CriticalForDomain(memory.DomainLBO))

	ctx := context.Background()
	appendEvents(t, log, "s1", 3)
	older, _ := log.Append(ctx, "s1", memory.Event{Role: memory.RoleUser, Content: "set the debt multiple to 4x"})
	appendEvents(t, log, "s1", 3)
	newer, _ := log.Append(ctx, "s1", memory.Event{Role: memory.RoleUser, Content: "actually use a 5.5x debt multiple"})
	exit, _ := log.Append(ctx, "s1", memory.Event{Role: memory.RoleUser, Content: "assume a 12x exit multiple"})
	appendEvents(t, log, "s1", 4)

	res, err := c.Condense(ctx, "s1")
	if err != nil {
		t.Fatalf("condense: %v", err)
	}
	if !res.Condensed {
		t.Fatal("expected condensation to run")
	}

	active, _ := log.List(ctx, "s1", "")
	activeIDs := make(map[string]bool)
	for _, ev := range active {
		activeIDs[ev.ID] = true
	}

	// Only the latest representative of each sub-type survives verbatim.
	if !activeIDs[newer.ID] {
		t.Error("latest debt-sizing event should survive condensation")
	}
	if !activeIDs[exit.ID] {
		t.Error("latest exit-analysis event should survive condensation")
	}
	if activeIDs[older.ID] {
		t.Error("superseded debt-sizing event should have been summarised")
	}
}

func TestCondense_CapsCriticalSurvivors(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}

	// Every user event is its own sub-type, so far more events qualify as
	// critical than the post-condensation size can hold.
	eachUserCritical := func(ev memory.Event) (string, bool) {
		if ev.Role == memory.RoleUser {
			return ev.Content, true
		}
		return "", false
	}
	c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7}, eachUserCritical)

	original := appendEvents(t, log, "s1", 12)

	res, err := c.Condense(context.Background(), "s1")
	if err != nil {
		t.Fatalf("condense: %v", err)
	}
	if !res.Condensed {
		t.Fatal("expected condensation to run")
	}

	active, _ := log.List(context.Background(), "s1", "")
	if len(active) > 10 {
		t.Fatalf("active length %d exceeds budget 10 despite critical overflow", len(active))
	}
	if res.ActiveAfter != len(active) {
		t.Errorf("ActiveAfter = %d, want %d", res.ActiveAfter, len(active))
	}

	activeIDs := make(map[string]bool)
	var covered []string
	for _, ev := range active {
		activeIDs[ev.ID] = true
		if ev.Condensation != nil {
			covered = ev.Condensation.SummarizedEventIDs
		}
	}

	// The newest critical events win the headroom.
	for _, i := range []int{6, 8, 10} {
		if !activeIDs[original[i].ID] {
			t.Errorf("recent critical event %d should survive", i)
		}
	}
	// Oldest criticals are absorbed into the summary instead.
	coveredIDs := make(map[string]bool, len(covered))
	for _, id := range covered {
		coveredIDs[id] = true
	}
	for _, i := range []int{2, 4} {
		if activeIDs[original[i].ID] {
			t.Errorf("oldest critical event %d should have been summarised", i)
		}
		if !coveredIDs[original[i].ID] {
			t.Errorf("absorbed critical event %d missing from condensation record", i)
		}
	}
}

func TestCondense_RetriesThenDegrades(t *testing.T) {
	t.Run("succeeds on retry", func(t *testing.T) {
		log := inmem.NewEventLog(inmem.WithAutoCreate())
		p := &llmmock.Provider{
			CompleteErrs:     []error{errors.New("timeout"), nil},
			CompleteResponse: &llm.CompletionResponse{Content: "summary after retry"},
		}
		c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7}, nil)

		appendEvents(t, log, "s1", 12)

		res, err := c.Condense(context.Background(), "s1")
		if err != nil {
			t.Fatalf("condense: %v", err)
		}
		if !res.Condensed || res.Degraded {
			t.Errorf("expected clean condensation after retry, got condensed=%v degraded=%v",
				res.Condensed, res.Degraded)
		}
		if p.Calls() != 2 {
			t.Errorf("expected 2 Complete calls, got %d", p.Calls())
		}
	})

	t.Run("degrades to truncation after two failures", func(t *testing.T) {
		log := inmem.NewEventLog(inmem.WithAutoCreate())
		p := &llmmock.Provider{CompleteErr: errors.New("model overloaded")}
		c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7}, nil)

		appendEvents(t, log, "s1", 12)

		res, err := c.Condense(context.Background(), "s1")
		if err != nil {
			t.Fatalf("condense must not fail the turn: %v", err)
		}
		if !res.Condensed {
			t.Fatal("expected condensation to run")
		}
		if !res.Degraded {
			t.Error("expected degraded result")
		}
		if p.Calls() != 2 {
			t.Errorf("expected exactly 2 Complete calls, got %d", p.Calls())
		}

		active, _ := log.List(context.Background(), "s1", "")
		if len(active) > 10 {
			t.Errorf("budget violated after degraded condensation: %d events", len(active))
		}
		for _, ev := range active {
			if ev.Role == memory.RoleCondensation {
				if ev.Condensation == nil || !ev.Condensation.Degraded {
					t.Error("condensation record should be marked degraded")
				}
			}
		}
	})
}

func TestCondense_ChainsPriorSummaries(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "first summary: price is $500m"}}
	c := newTestCondenser(t, log, p, Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7}, nil)

	ctx := context.Background()
	original := appendEvents(t, log, "s1", 12)
	if _, err := c.Condense(ctx, "s1"); err != nil {
		t.Fatalf("first condense: %v", err)
	}

	p.CompleteResponse = &llm.CompletionResponse{Content: "second summary"}
	appendEvents(t, log, "s1", 6)
	res, err := c.Condense(ctx, "s1")
	if err != nil {
		t.Fatalf("second condense: %v", err)
	}
	if !res.Condensed {
		t.Fatal("expected second condensation to run")
	}

	// The second prompt must carry the first summary's text forward.
	last := p.CompleteCalls[len(p.CompleteCalls)-1]
	if !strings.Contains(last.Req.Messages[0].Content, "price is $500m") {
		t.Error("second summarisation prompt should include the prior summary text")
	}

	// Accounting must stay a partition of all ids ever appended, even when a
	// prior condensation event is itself absorbed.
	active, _ := log.List(ctx, "s1", "")
	activeIDs := make(map[string]bool)
	covered := make(map[string]bool)
	for _, ev := range active {
		activeIDs[ev.ID] = true
		if ev.Condensation != nil {
			for _, id := range ev.Condensation.SummarizedEventIDs {
				if covered[id] {
					t.Errorf("id %s covered by two condensation records", id)
				}
				covered[id] = true
			}
		}
	}
	for _, ev := range original {
		if activeIDs[ev.ID] == covered[ev.ID] {
			t.Errorf("original event %q: present=%v covered=%v, want exactly one",
				ev.Content, activeIDs[ev.ID], covered[ev.ID])
		}
	}
}

func TestCondense_DisabledIsNoOp(t *testing.T) {
	log := inmem.NewEventLog(inmem.WithAutoCreate())
	p := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}
	c := newTestCondenser(t, log, p, Config{MaxEvents: 3, KeepFirst: 1}, nil)

	appendEvents(t, log, "s1", 8)

	res, err := c.Condense(context.Background(), "s1")
	if err != nil {
		t.Fatalf("condense: %v", err)
	}
	if res.Condensed {
		t.Error("disabled condenser must not rewrite the log")
	}
	active, _ := log.List(context.Background(), "s1", "")
	if len(active) != 8 {
		t.Errorf("expected log untouched, got %d events", len(active))
	}
}

func TestCondense_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	met, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	log := inmem.NewEventLog(inmem.WithAutoCreate())
	cfg := Config{MaxEvents: 10, KeepFirst: 1, TargetEvents: 7, Metrics: met}

	ok := newTestCondenser(t, log,
		&llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}, cfg, nil)
	appendEvents(t, log, "s1", 12)
	if _, err := ok.Condense(context.Background(), "s1"); err != nil {
		t.Fatalf("condense s1: %v", err)
	}

	failing := newTestCondenser(t, log,
		&llmmock.Provider{CompleteErr: errors.New("model overloaded")}, cfg, nil)
	appendEvents(t, log, "s2", 12)
	if _, err := failing.Condense(context.Background(), "s2"); err != nil {
		t.Fatalf("condense s2: %v", err)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	outcomes := condensationOutcomes(t, rm)
	if outcomes["summarised"] != 1 {
		t.Errorf("summarised condensations = %d, want 1", outcomes["summarised"])
	}
	if outcomes["truncated"] != 1 {
		t.Errorf("truncated condensations = %d, want 1", outcomes["truncated"])
	}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "moneta.condensation.duration" {
				continue
			}
			hist, okType := m.Data.(metricdata.Histogram[float64])
			if !okType || len(hist.DataPoints) == 0 {
				t.Fatal("condensation duration histogram has no data points")
			}
			if got := hist.DataPoints[0].Count; got != 2 {
				t.Errorf("condensation duration sample count = %d, want 2", got)
			}
			return
		}
	}
	t.Fatal("condensation duration histogram not found")
}

// condensationOutcomes returns the condensations counter values keyed by
// their outcome attribute.
func condensationOutcomes(t *testing.T, rm metricdata.ResourceMetrics) map[string]int64 {
	t.Helper()
	out := make(map[string]int64)
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "moneta.condensations" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("condensations metric is %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == "outcome" {
						out[kv.Value.AsString()] = dp.Value
					}
				}
			}
		}
	}
	return out
}

func TestCriticalByEventDomain(t *testing.T) {
	fn := CriticalByEventDomain()

	tests := []struct {
		name     string
		ev       memory.Event
		wantSub  string
		critical bool
	}{
		{
			name:     "lbo debt sizing",
			ev:       memory.Event{Role: memory.RoleUser, Domain: memory.DomainLBO, Content: "Assume a 5.0x EBITDA term loan"},
			wantSub:  "lbo/debt-sizing",
			critical: true,
		},
		{
			name:     "debt facility terms",
			ev:       memory.Event{Role: memory.RoleUser, Domain: memory.DomainDebt, Content: "the term loan matures in 2031"},
			wantSub:  "debt/facility-terms",
			critical: true,
		},
		{
			name:     "no domain",
			ev:       memory.Event{Role: memory.RoleUser, Content: "Assume a 5.0x EBITDA term loan"},
			critical: false,
		},
		{
			name:     "condensation never critical",
			ev:       memory.Event{Role: memory.RoleCondensation, Domain: memory.DomainLBO, Content: "summary mentions irr"},
			critical: false,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			sub, crit := fn(tc.ev)
			if crit != tc.critical {
				t.Fatalf("critical = %v, want %v", crit, tc.critical)
			}
			if sub != tc.wantSub {
				t.Errorf("sub-type = %q, want %q", sub, tc.wantSub)
			}
		})
	}
}
