// Package health serves liveness and readiness probes.
//
// /healthz answers 200 whenever the process can serve HTTP. /readyz runs
// every registered [Checker] and answers 200 only if all of them pass. Both
// respond with a JSON body carrying a "status" of "ok" or "fail", plus a
// per-checker "checks" map on /readyz.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout caps how long one readiness check may run.
const checkTimeout = 5 * time.Second

// Checker is a named probe of one dependency. Check returns nil when the
// dependency is usable; it must respect context cancellation.
type Checker struct {
	// Name keys the probe's result in the JSON response, e.g. "database".
	Name string

	Check func(ctx context.Context) error
}

// Pinger is anything that can probe its backing connection, such as a
// pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker adapts a Pinger into a [Checker].
func PingChecker(name string, p Pinger) Checker {
	return Checker{Name: name, Check: p.Ping}
}

// Handler serves the two probe endpoints. The checker list is fixed at
// construction, so the handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a [Handler] that runs the given checkers, in order, on each
// /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts /healthz and /readyz on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe. Reaching it at all means the process is
// alive, so it unconditionally reports ok.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz is the readiness probe. Every checker runs under a [checkTimeout]
// deadline derived from the request context; one failure makes the whole
// response a 503.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	resp := response{
		Status: "ok",
		Checks: make(map[string]string, len(h.checkers)),
	}
	httpStatus := http.StatusOK

	for _, checker := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := checker.Check(ctx)
		cancel()

		if err != nil {
			resp.Checks[checker.Name] = "fail: " + err.Error()
			resp.Status = "fail"
			httpStatus = http.StatusServiceUnavailable
		} else {
			resp.Checks[checker.Name] = "ok"
		}
	}

	writeJSON(w, httpStatus, resp)
}

type response struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
