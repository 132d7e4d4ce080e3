// Package server exposes the Moneta memory engine over HTTP.
//
// The main endpoint is POST /v1/turn: the caller sends a user message, the
// server assembles the session's context package (recent events plus
// retrieved knowledge), prompts the completion provider, records the reply,
// and returns it. Session state is readable via GET /v1/sessions/{id}.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/monetahq/moneta/internal/observe"
	"github.com/monetahq/moneta/internal/retrieve"
	"github.com/monetahq/moneta/internal/sessionmem"
	"github.com/monetahq/moneta/pkg/memory"
	"github.com/monetahq/moneta/pkg/provider/llm"
)

// systemPrompt frames the assistant for every completion request. Retrieved
// knowledge is appended to it per turn.
const systemPrompt = `You are Moneta, a financial analysis assistant specialising in
leveraged buyouts, M&A, debt capital markets, and lending. Ground every answer
in the conversation so far and in the reference material provided. Keep exact
figures exact. When the reference material does not cover the question, say so
instead of guessing.`

// maxRequestBody caps turn request bodies at 1 MiB.
const maxRequestBody = 1 << 20

// TurnRequest is the body of POST /v1/turn.
type TurnRequest struct {
	// SessionID identifies the conversation. Required.
	SessionID string `json:"session_id"`

	// Text is the user's message. Required.
	Text string `json:"text"`
}

// RetrievedChunk is the wire form of one retrieved knowledge chunk.
type RetrievedChunk struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	Domain    string  `json:"domain"`
	Relevance float64 `json:"relevance"`
}

// TurnResponse is the body of a successful POST /v1/turn.
type TurnResponse struct {
	// Reply is the assistant's answer.
	Reply string `json:"reply"`

	// Retrieved lists the knowledge chunks that informed the reply.
	Retrieved []RetrievedChunk `json:"retrieved"`

	// Degraded is true when retrieval failed and the reply was produced
	// without knowledge context.
	Degraded bool `json:"degraded"`

	// Domain is the session's current financial domain, if detected.
	Domain string `json:"domain,omitempty"`
}

// SessionResponse is the body of GET /v1/sessions/{id}.
type SessionResponse struct {
	SessionID        string    `json:"session_id"`
	Domain           string    `json:"domain,omitempty"`
	DomainConfidence float64   `json:"domain_confidence,omitempty"`
	Turns            int       `json:"turns"`
	Phase            string    `json:"phase"`
	LastCondensedAt  time.Time `json:"last_condensed_at,omitzero"`
}

// errorResponse is the uniform error body for all endpoints.
type errorResponse struct {
	Error string `json:"error"`
}

// Server handles Moneta's HTTP API. Construct with [New] and mount via
// [Server.Register].
type Server struct {
	manager *sessionmem.Manager
	llm     llm.Provider
	metrics *observe.Metrics
}

// New creates a Server. The manager and completion provider are required;
// metrics may be nil, in which case the package-level default instruments are
// used.
func New(manager *sessionmem.Manager, provider llm.Provider, metrics *observe.Metrics) (*Server, error) {
	if manager == nil {
		return nil, errors.New("server: manager must not be nil")
	}
	if provider == nil {
		return nil, errors.New("server: completion provider must not be nil")
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Server{manager: manager, llm: provider, metrics: metrics}, nil
}

// Register adds the API routes to mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/turn", s.handleTurn)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)
}

// handleTurn runs one full turn: context assembly, completion, reply record.
func (s *Server) handleTurn(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	var req TurnRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if req.SessionID == "" || strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "session_id and text are required")
		return
	}

	pkg, err := s.manager.HandleTurn(ctx, req.SessionID, req.Text)
	if err != nil {
		observe.Logger(ctx).Error("turn failed", "session", req.SessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "turn processing failed")
		return
	}

	reply, err := s.complete(ctx, pkg)
	if err != nil {
		// The user event is already in the log; only the reply is lost.
		observe.Logger(ctx).Error("completion failed", "session", req.SessionID, "err", err)
		s.metrics.RecordProviderError(ctx, s.llm.ModelID(), "llm")
		writeError(w, http.StatusBadGateway, sessionmem.ErrCompletionUnavailable.Error())
		return
	}

	thinking := time.Since(start)
	if err := s.manager.RecordReply(ctx, req.SessionID, reply, thinking); err != nil {
		observe.Logger(ctx).Error("record reply failed", "session", req.SessionID, "err", err)
		writeError(w, http.StatusInternalServerError, "failed to record reply")
		return
	}

	s.metrics.TurnDuration.Record(ctx, time.Since(start).Seconds())
	s.metrics.RecordRetrievedChunks(ctx, string(pkg.Domain), int64(len(pkg.RetrievedChunks)))

	writeJSON(w, http.StatusOK, TurnResponse{
		Reply:     reply,
		Retrieved: wireChunks(pkg.RetrievedChunks),
		Degraded:  pkg.RetrievalDegraded,
		Domain:    string(pkg.Domain),
	})
}

// handleSession reports the tracked state of one session.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "session id is required")
		return
	}
	st := s.manager.State(id)
	writeJSON(w, http.StatusOK, SessionResponse{
		SessionID:        id,
		Domain:           string(st.CurrentDomain),
		DomainConfidence: st.DomainConfidence,
		Turns:            st.Turns,
		Phase:            string(st.Phase),
		LastCondensedAt:  st.LastCondensedAt,
	})
}

// complete prompts the completion provider with the assembled context.
func (s *Server) complete(ctx context.Context, pkg *sessionmem.ContextPackage) (string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(pkg),
		Messages:     buildMessages(pkg.RecentEvents),
		Temperature:  0.4,
	}

	llmStart := time.Now()
	resp, err := s.llm.Complete(ctx, req)
	s.metrics.LLMDuration.Record(ctx, time.Since(llmStart).Seconds(),
		metric.WithAttributes(observe.Attr("model", s.llm.ModelID())))
	status := "ok"
	if err != nil {
		status = "error"
	}
	s.metrics.RecordProviderRequest(ctx, s.llm.ModelID(), "llm", status)
	if err != nil {
		return "", fmt.Errorf("%w: %w", sessionmem.ErrCompletionUnavailable, err)
	}
	if resp == nil || resp.Content == "" {
		return "", fmt.Errorf("%w: empty completion", sessionmem.ErrCompletionUnavailable)
	}
	return resp.Content, nil
}

// buildSystemPrompt appends the retrieved knowledge (and a degradation notice
// when retrieval failed) to the base system prompt.
func buildSystemPrompt(pkg *sessionmem.ContextPackage) string {
	var b strings.Builder
	b.WriteString(systemPrompt)

	if pkg.RetrievalDegraded {
		b.WriteString("\n\nNote: reference material could not be retrieved for this turn. " +
			"Answer from the conversation only and disclose the limitation where relevant.")
		return b.String()
	}
	if len(pkg.RetrievedChunks) == 0 {
		return b.String()
	}

	b.WriteString("\n\nReference material:")
	for i, res := range pkg.RetrievedChunks {
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, res.Chunk.Domain, res.Chunk.Text)
	}
	return b.String()
}

// buildMessages converts the session's active events into provider messages.
// Condensation summaries become system messages so the model treats them as
// established history rather than its own words.
func buildMessages(events []memory.Event) []llm.Message {
	msgs := make([]llm.Message, 0, len(events))
	for _, ev := range events {
		switch ev.Role {
		case memory.RoleCondensation:
			msgs = append(msgs, llm.Message{
				Role:    "system",
				Content: "Summary of earlier conversation: " + ev.Content,
			})
		default:
			msgs = append(msgs, llm.Message{
				Role:    string(ev.Role),
				Content: ev.Content,
			})
		}
	}
	return msgs
}

func wireChunks(results []retrieve.Result) []RetrievedChunk {
	out := make([]RetrievedChunk, 0, len(results))
	for _, res := range results {
		out = append(out, RetrievedChunk{
			ID:        res.Chunk.ID,
			Text:      res.Chunk.Text,
			Domain:    string(res.Chunk.Domain),
			Relevance: res.Relevance,
		})
	}
	return out
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "err", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
