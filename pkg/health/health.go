// Package health provides liveness and readiness endpoints for the deprisk
// server: the persistent cache, the advisory source hosts and the cache
// volume's free space.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/exploopio/deprisk/pkg/core"
)

// =============================================================================
// Health Check Interface
// =============================================================================

// Checker is one health check.
type Checker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// CheckFunc adapts a function to Checker under a fixed name.
func CheckFunc(name string, fn func(ctx context.Context) CheckResult) Checker {
	return funcChecker{name: name, fn: fn}
}

type funcChecker struct {
	name string
	fn   func(ctx context.Context) CheckResult
}

func (f funcChecker) Name() string                          { return f.name }
func (f funcChecker) Check(ctx context.Context) CheckResult { return f.fn(ctx) }

// =============================================================================
// Health Status Types
// =============================================================================

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// CheckResult holds the result of a health check.
type CheckResult struct {
	Status   Status         `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Duration time.Duration  `json:"duration_ns"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Response is the full health check response.
type Response struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Version   string                 `json:"version,omitempty"`
}

// =============================================================================
// Health Handler
// =============================================================================

// Handler runs the registered checks and serves them over HTTP.
type Handler struct {
	mu     sync.RWMutex
	checks map[string]Checker
	ready  bool

	version string
	timeout time.Duration
	clock   core.Clock
}

// HandlerOption configures the health handler.
type HandlerOption func(*Handler)

// WithVersion sets the version reported in responses.
func WithVersion(version string) HandlerOption {
	return func(h *Handler) { h.version = version }
}

// WithTimeout bounds a whole Check run.
func WithTimeout(timeout time.Duration) HandlerOption {
	return func(h *Handler) { h.timeout = timeout }
}

// WithClock sets the clock used for response timestamps.
func WithClock(clock core.Clock) HandlerOption {
	return func(h *Handler) { h.clock = clock }
}

// NewHandler creates a ready handler with no checks.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		checks:  make(map[string]Checker),
		ready:   true,
		timeout: 5 * time.Second,
		clock:   core.SystemClock{},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Register adds checker under its name, replacing any previous one.
func (h *Handler) Register(checker Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[checker.Name()] = checker
}

// Names returns the registered check names, sorted.
func (h *Handler) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetReady flips readiness, e.g. while the server drains.
func (h *Handler) SetReady(ready bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.ready = ready
}

// IsReady returns the readiness state.
func (h *Handler) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.ready
}

// Check runs every check concurrently. The overall status is the worst
// individual status; unknown results do not lower it.
func (h *Handler) Check(ctx context.Context) Response {
	h.mu.RLock()
	checks := make([]Checker, 0, len(h.checks))
	for _, c := range h.checks {
		checks = append(checks, c)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	results := make(map[string]CheckResult, len(checks))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			res := c.Check(ctx)
			res.Duration = time.Since(start)
			mu.Lock()
			results[c.Name()] = res
			mu.Unlock()
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, res := range results {
		switch res.Status {
		case StatusUnhealthy:
			overall = StatusUnhealthy
		case StatusDegraded:
			if overall != StatusUnhealthy {
				overall = StatusDegraded
			}
		}
	}

	return Response{
		Status:    overall,
		Timestamp: h.clock.Now().UTC(),
		Checks:    results,
		Version:   h.version,
	}
}

// =============================================================================
// HTTP Handlers
// =============================================================================

// LivenessHandler answers 200 whenever the process can serve HTTP.
func (h *Handler) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, Response{Status: StatusHealthy, Timestamp: h.clock.Now().UTC(), Version: h.version})
	})
}

// ReadinessHandler runs the checks. Degraded is still ready: a source
// outage only removes that source's contribution from profiles.
func (h *Handler) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !h.IsReady() {
			writeJSON(w, http.StatusServiceUnavailable, Response{
				Status:    StatusUnhealthy,
				Timestamp: h.clock.Now().UTC(),
				Version:   h.version,
			})
			return
		}
		resp := h.Check(r.Context())
		status := http.StatusOK
		if resp.Status == StatusUnhealthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
