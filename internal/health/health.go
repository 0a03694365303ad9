// Package health serves the liveness and readiness endpoints for the bridge.
//
// Liveness (/healthz) answers 200 whenever the process can still serve HTTP.
// Readiness (/readyz) exercises the bridge's dependencies, typically the
// Postgres pool behind pgvector tools and the session registry, and answers
// 503 until every check passes. Checks run concurrently; a hung dependency
// costs one budget window, not the sum of all of them.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkBudget bounds a single readiness check.
const checkBudget = 5 * time.Second

// Checker is one named readiness check. Check returns nil when the
// dependency can take traffic.
type Checker struct {
	// Name keys the check's outcome in the readiness response.
	Name string

	// Check exercises the dependency under the given context.
	Check func(ctx context.Context) error
}

// report is the body of both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler answers /healthz and /readyz. The check set is fixed at
// construction; Handler itself is stateless and safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New builds a Handler over the given checks.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Register mounts both endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. Reaching this handler is the whole check.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	respond(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every check and reports 200 only when all of them pass. Each
// check gets its own budget derived from the request context, and failures
// carry the check error text so an operator can see which dependency is
// down without reading logs.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	var (
		mu       sync.Mutex
		outcomes = make(map[string]string, len(h.checkers))
		ready    = true
	)

	g, ctx := errgroup.WithContext(r.Context())
	for _, c := range h.checkers {
		g.Go(func() error {
			checkCtx, cancel := context.WithTimeout(ctx, checkBudget)
			defer cancel()
			err := c.Check(checkCtx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				outcomes[c.Name] = "fail: " + err.Error()
				ready = false
			} else {
				outcomes[c.Name] = "ok"
			}
			return nil
		})
	}
	_ = g.Wait()

	res := report{Status: "ok", Checks: outcomes}
	code := http.StatusOK
	if !ready {
		res.Status = "fail"
		code = http.StatusServiceUnavailable
	}
	respond(w, code, res)
}

func respond(w http.ResponseWriter, code int, body report) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
