// Package health serves the kernel's liveness and readiness probes.
//
// GET /healthz answers 200 for as long as the process can serve HTTP and
// reports how long it has been up. GET /readyz runs the registered probes —
// for this kernel: event-bus drain, provider connectivity, and plugin health
// — concurrently and answers 503 when any of them fails.
//
// The /readyz body lists one entry per probe with its outcome and how long
// it took, in registration order:
//
//	{"status":"fail","checks":[
//	  {"name":"bus","status":"ok","duration_ms":0},
//	  {"name":"providers","status":"fail","error":"openai: timeout","duration_ms":5000}
//	]}
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// probeTimeout bounds a single probe. A hung provider or plugin fails its
// entry instead of stalling the whole readiness response.
const probeTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and must respect context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// checkResult is one probe outcome in the /readyz body.
type checkResult struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	DurationMS int64  `json:"duration_ms"`
}

type readiness struct {
	Status string        `json:"status"`
	Checks []checkResult `json:"checks,omitempty"`
}

type liveness struct {
	Status        string  `json:"status"`
	UptimeSeconds float64 `json:"uptime_s"`
}

// Handler serves the probe endpoints. The checker list is fixed at
// construction; the handler itself is stateless beyond the start timestamp
// and safe for concurrent use.
type Handler struct {
	checkers []Checker
	started  time.Time
}

// New creates a Handler over the given probes.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c, started: time.Now()}
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz is the liveness probe. A process that reaches this handler is
// alive, so it always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, liveness{
		Status:        "ok",
		UptimeSeconds: time.Since(h.started).Seconds(),
	})
}

// Readyz runs every probe concurrently, each under its own timeout derived
// from the request context, and answers 503 when any probe fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make([]checkResult, len(h.checkers))

	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
			defer cancel()

			start := time.Now()
			err := c.Check(ctx)
			res := checkResult{
				Name:       c.Name,
				Status:     "ok",
				DurationMS: time.Since(start).Milliseconds(),
			}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	g.Wait()

	body := readiness{Status: "ok", Checks: results}
	status := http.StatusOK
	for _, res := range results {
		if res.Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, body)
}

// writeJSON encodes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
