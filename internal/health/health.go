// Package health serves the probe and status endpoints of opuslink.
//
//   - /healthz: liveness. 200 while the process can serve HTTP, with uptime.
//   - /readyz: readiness. 200 only when every required [Checker] passes,
//     which for opuslink means the transport is connected and every
//     pipeline direction is streaming. Failing optional checkers, such as
//     an open send circuit breaker, mark the response "degraded" but keep
//     it at 200.
//   - /statusz: the JSON-encoded result of the installed status function,
//     typically the pipeline counters. 404 until one is set.
//
// Probe responses are JSON objects with a top-level "status" field ("ok",
// "degraded", or "fail") and a "checks" map holding each checker's result.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Response statuses.
const (
	StatusOK       = "ok"
	StatusDegraded = "degraded"
	StatusFail     = "fail"
)

// Checker is a named readiness check. Check returns nil when healthy and an
// error describing the problem otherwise; it must respect ctx.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error

	// Optional checks are reported but do not fail readiness.
	Optional bool
}

// Flag adapts a boolean probe into a required [Checker] that fails with
// reason while ok returns false.
func Flag(name, reason string, ok func() bool) Checker {
	err := errors.New(reason)
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			if ok() {
				return nil
			}
			return err
		},
	}
}

// Warn is [Flag] for an optional checker.
func Warn(name, reason string, ok func() bool) Checker {
	c := Flag(name, reason, ok)
	c.Optional = true
	return c
}

// result is the JSON body of the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Uptime string            `json:"uptime,omitempty"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe and status endpoints. The checker list is fixed
// at construction; the status function may be swapped at any time.
type Handler struct {
	checkers []Checker
	started  time.Time
	status   atomic.Pointer[func() any]
}

// New returns a Handler that runs checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
	}
}

// Healthz reports liveness and uptime.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{
		Status: StatusOK,
		Uptime: time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz runs every checker concurrently, each under its own
// [checkTimeout] derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	errs := make([]error, len(h.checkers))
	var g errgroup.Group
	for i, c := range h.checkers {
		g.Go(func() error {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()
			errs[i] = c.Check(ctx)
			return nil
		})
	}
	_ = g.Wait()

	res := result{Status: StatusOK, Checks: make(map[string]string, len(h.checkers))}
	code := http.StatusOK
	for i, c := range h.checkers {
		switch {
		case errs[i] == nil:
			res.Checks[c.Name] = "ok"
		case c.Optional:
			res.Checks[c.Name] = "warn: " + errs[i].Error()
			if res.Status == StatusOK {
				res.Status = StatusDegraded
			}
		default:
			res.Checks[c.Name] = "fail: " + errs[i].Error()
			res.Status = StatusFail
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, res)
}

// SetStatus installs the function whose result /statusz serves. nil
// removes it.
func (h *Handler) SetStatus(fn func() any) {
	if fn == nil {
		h.status.Store(nil)
		return
	}
	h.status.Store(&fn)
}

// Statusz serves the current status snapshot.
func (h *Handler) Statusz(w http.ResponseWriter, _ *http.Request) {
	fn := h.status.Load()
	if fn == nil {
		writeJSON(w, http.StatusNotFound, result{Status: "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, (*fn)())
}

// Register adds the /healthz, /readyz, and /statusz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
	mux.HandleFunc("GET /statusz", h.Statusz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(append(body, '\n'))
}
