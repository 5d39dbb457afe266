// Package health serves the liveness and readiness probes of `liveintake
// serve`.
//
//   - GET /healthz always answers 200 while the process can serve HTTP.
//   - GET /readyz runs every [Checker] concurrently and answers 200 unless a
//     required check fails.
//
// A failing optional check (the transcript archive, for example) marks the
// service "degraded" but keeps it ready: sessions still work without it.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single check.
const checkTimeout = 5 * time.Second

// Overall statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker probes one dependency.
type Checker struct {
	// Name keys the check in the response, e.g. "transport".
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional checks degrade the status instead of failing it.
	Optional bool
}

// CheckResult is the outcome of one check.
type CheckResult struct {
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
	Optional bool   `json:"optional,omitempty"`
	Millis   int64  `json:"latency_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status string                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed at construction.
type Handler struct {
	checkers []Checker
}

// New returns a Handler running checkers on every readiness probe.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Run(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Run executes every check concurrently, each bounded by [checkTimeout].
func (h *Handler) Run(ctx context.Context) Report {
	var (
		mu  sync.Mutex
		rep = Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
		g   errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := time.Now()
			err := c.Check(cctx)
			res := CheckResult{Status: StatusOK, Optional: c.Optional, Millis: time.Since(start).Milliseconds()}

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Status, res.Error = StatusFail, err.Error()
				switch {
				case !c.Optional:
					rep.Status = StatusFail
				case rep.Status == StatusOK:
					rep.Status = StatusDegraded
				}
			}
			rep.Checks[c.Name] = res
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

// Register adds /healthz and /readyz to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
