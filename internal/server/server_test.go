package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/monetahq/moneta/internal/condense"
	"github.com/monetahq/moneta/internal/observe"
	"github.com/monetahq/moneta/internal/retrieve"
	"github.com/monetahq/moneta/internal/sessionmem"
	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/memory/inmem"
	embmock "github.com/monetahq/moneta/pkg/provider/embeddings/mock"
	"github.com/monetahq/moneta/pkg/provider/llm"
	llmmock "github.com/monetahq/moneta/pkg/provider/llm/mock"
)

// fixture bundles a mounted server with the fakes behind it.
type fixture struct {
	mux      *http.ServeMux
	log      *inmem.EventLog
	store    *inmem.KnowledgeStore
	reply    *llmmock.Provider
	embedder *embmock.Provider
	reader   *sdkmetric.ManualReader
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	f := &fixture{
		log:      inmem.NewEventLog(inmem.WithAutoCreate()),
		store:    inmem.NewKnowledgeStore(),
		reply:    &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "an answer"}},
		embedder: &embmock.Provider{Dims: 4},
	}

	summariser := &llmmock.Provider{CompleteResponse: &llm.CompletionResponse{Content: "summary"}}
	cond, err := condense.New(f.log, condense.NewLLMSummariser(summariser), nil, condense.Config{
		MaxEvents: 50,
		KeepFirst: 1,
	})
	if err != nil {
		t.Fatalf("new condenser: %v", err)
	}
	ret, err := retrieve.New(f.store, f.embedder, nil, retrieve.Config{})
	if err != nil {
		t.Fatalf("new retriever: %v", err)
	}
	manager, err := sessionmem.New(f.log, cond, ret, nil, sessionmem.Config{})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	f.reader = sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(f.reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	metrics, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}

	srv, err := New(manager, f.reply, metrics)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	f.mux = http.NewServeMux()
	srv.Register(f.mux)
	return f
}

func (f *fixture) postTurn(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("POST", "/v1/turn", strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func TestTurn_Success(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qv := []float32{1, 0, 0, 0}
	f.embedder.Vectors = map[string][]float32{"what is wacc": qv}
	if err := f.store.Insert(ctx, memory.KnowledgeChunk{
		ID:        "wacc",
		Text:      "WACC blends cost of equity and after-tax cost of debt",
		Embedding: qv,
		Keywords:  []string{"wacc"},
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := f.postTurn(t, `{"session_id":"s1","text":"what is wacc"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}

	var resp TurnResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Reply != "an answer" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if resp.Degraded {
		t.Error("turn should not be degraded")
	}
	if len(resp.Retrieved) != 1 || resp.Retrieved[0].ID != "wacc" {
		t.Errorf("retrieved = %+v, want the wacc chunk", resp.Retrieved)
	}

	// Both the user turn and the recorded reply are in the log.
	events, err := f.log.List(ctx, "s1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Role != memory.RoleUser || events[1].Role != memory.RoleAssistant {
		t.Errorf("roles = %s, %s", events[0].Role, events[1].Role)
	}
	if events[1].Content != "an answer" {
		t.Errorf("assistant content = %q", events[1].Content)
	}
}

func TestTurn_ReferenceMaterialInPrompt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	qv := []float32{0, 1, 0, 0}
	f.embedder.Vectors = map[string][]float32{"typical lbo leverage": qv}
	if err := f.store.Insert(ctx, memory.KnowledgeChunk{
		ID:        "lev",
		Text:      "Senior leverage is typically 4-5x EBITDA",
		Embedding: qv,
		Domain:    memory.DomainLBO,
		Keywords:  []string{"leverage", "lbo"},
		UpdatedAt: time.Now(),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	rec := f.postTurn(t, `{"session_id":"s1","text":"typical lbo leverage"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	if got := len(f.reply.CompleteCalls); got != 1 {
		t.Fatalf("completion called %d times, want 1", got)
	}
	sent := f.reply.CompleteCalls[0].Req
	if !strings.Contains(sent.SystemPrompt, "Senior leverage is typically 4-5x EBITDA") {
		t.Errorf("system prompt missing reference material:\n%s", sent.SystemPrompt)
	}
	if len(sent.Messages) != 1 || sent.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", sent.Messages)
	}
}

func TestTurn_BadRequests(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"missing session", `{"text":"hi"}`},
		{"missing text", `{"session_id":"s1"}`},
		{"blank text", `{"session_id":"s1","text":"   "}`},
		{"unknown field", `{"session_id":"s1","text":"hi","model":"gpt-4o"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.postTurn(t, tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", rec.Code)
			}
		})
	}
}

func TestTurn_CompletionFailureKeepsUserEvent(t *testing.T) {
	f := newFixture(t)
	f.reply.CompleteResponse = nil
	f.reply.CompleteErr = errors.New("model overloaded")

	rec := f.postTurn(t, `{"session_id":"s1","text":"what is irr"}`)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	var resp errorResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !strings.Contains(resp.Error, "completion provider unavailable") {
		t.Errorf("error = %q", resp.Error)
	}

	// The user's words survived even though the reply never arrived.
	events, err := f.log.List(context.Background(), "s1", "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 1 || events[0].Role != memory.RoleUser {
		t.Fatalf("events = %+v, want exactly the user event", events)
	}
}

func TestTurn_CountsProviderRequests(t *testing.T) {
	f := newFixture(t)

	if rec := f.postTurn(t, `{"session_id":"s1","text":"what is irr"}`); rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	f.reply.CompleteResponse = nil
	f.reply.CompleteErr = errors.New("model overloaded")
	if rec := f.postTurn(t, `{"session_id":"s1","text":"and the npv"}`); rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}

	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if got := providerRequests(t, rm, "ok"); got != 1 {
		t.Errorf("ok provider requests = %d, want 1", got)
	}
	if got := providerRequests(t, rm, "error"); got != 1 {
		t.Errorf("error provider requests = %d, want 1", got)
	}
}

// providerRequests returns the provider request count for one status.
func providerRequests(t *testing.T, rm metricdata.ResourceMetrics, status string) int64 {
	t.Helper()
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "moneta.provider.requests" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("provider requests metric is %T, want Sum[int64]", m.Data)
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == "status" && kv.Value.AsString() == status {
						return dp.Value
					}
				}
			}
		}
	}
	return 0
}

func TestTurn_RetrievalFailureDegrades(t *testing.T) {
	f := newFixture(t)
	f.embedder.EmbedErr = errors.New("embedding service down")

	rec := f.postTurn(t, `{"session_id":"s1","text":"what is irr"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp TurnResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !resp.Degraded {
		t.Error("response should be marked degraded")
	}
	if resp.Reply != "an answer" {
		t.Errorf("reply = %q", resp.Reply)
	}
	if len(resp.Retrieved) != 0 {
		t.Errorf("retrieved = %+v, want none", resp.Retrieved)
	}

	// The degradation notice reaches the model.
	sent := f.reply.CompleteCalls[0].Req
	if !strings.Contains(sent.SystemPrompt, "could not be retrieved") {
		t.Errorf("system prompt missing degradation notice:\n%s", sent.SystemPrompt)
	}
}

func TestSessionState(t *testing.T) {
	f := newFixture(t)

	rec := f.postTurn(t, `{"session_id":"s7","text":"hello"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("turn status = %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/v1/sessions/s7", nil)
	getRec := httptest.NewRecorder()
	f.mux.ServeHTTP(getRec, req)
	if getRec.Code != http.StatusOK {
		t.Fatalf("status = %d", getRec.Code)
	}

	var resp SessionResponse
	if err := json.NewDecoder(getRec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.SessionID != "s7" {
		t.Errorf("session_id = %q", resp.SessionID)
	}
	if resp.Turns != 1 {
		t.Errorf("turns = %d, want 1", resp.Turns)
	}
	if resp.Phase != string(sessionmem.PhaseIdle) {
		t.Errorf("phase = %q, want idle", resp.Phase)
	}
}

func TestBuildMessages_CondensationBecomesSystem(t *testing.T) {
	events := []memory.Event{
		{Role: memory.RoleCondensation, Content: "earlier: user asked about IRR"},
		{Role: memory.RoleUser, Content: "and what about MOIC?"},
	}
	msgs := buildMessages(events)
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "earlier: user asked about IRR") {
		t.Errorf("condensation message = %+v", msgs[0])
	}
	if msgs[1].Role != "user" {
		t.Errorf("user message role = %q", msgs[1].Role)
	}
}
