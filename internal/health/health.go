// Package health serves the liveness and readiness probes of the saemd token
// service.
//
//   - /healthz answers 200 whenever the process can serve HTTP at all.
//   - /readyz runs the registered [Checker] functions (realtime credentials
//     present, upstream reachable) and answers 503 when any fails, so a load
//     balancer stops routing minting traffic to an instance that cannot
//     serve it.
//
// Both respond with a JSON body: a top-level "status" of "ok" or "fail",
// and for readiness a "checks" map with the per-dependency outcome.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// readyTimeout bounds one whole readiness pass. The checkers share it; a
// dependency that hangs must not stall the probe past the platform's own
// probe timeout.
const readyTimeout = 5 * time.Second

// Checker is a named readiness check. Check returns nil when the dependency
// can serve, and an error describing the problem otherwise. It must respect
// context cancellation.
type Checker struct {
	// Name keys the check's outcome in the readiness response, e.g.
	// "realtime".
	Name string

	Check func(ctx context.Context) error
}

// report is the probe response body.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The checker set is fixed at
// construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler evaluating the given checkers, in order, on each
// readiness request.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Healthz is the liveness probe. Always 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every checker under a shared deadline and reports 503 when any
// fails. The per-check outcomes are included so an operator can see which
// dependency is unhealthy without shell access.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	rep := report{Status: "ok", Checks: make(map[string]string, len(h.checkers))}
	status := http.StatusOK
	for _, c := range h.checkers {
		if err := c.Check(ctx); err != nil {
			rep.Checks[c.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
			slog.Warn("readiness check failed", "check", c.Name, "err", err)
			continue
		}
		rep.Checks[c.Name] = "ok"
	}
	writeJSON(w, status, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("health: encoding response failed", "err", err)
	}
}
