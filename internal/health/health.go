// Package health runs component checks for a running gate and serves them,
// together with the gate metrics, over HTTP.
//
// Endpoints served by Handler:
//   - /livez    process is up
//   - /readyz   gate is open and no critical check is failing
//   - /healthz  aggregated status; ?full=true runs every check
//   - /metrics  metrics exposition, when a writer is supplied
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status is the health of one component or of the whole gate.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusUnknown   Status = "unknown"
)

// DefaultTimeout bounds a check registered without its own timeout.
const DefaultTimeout = 2 * time.Second

// Result is the outcome of one check run.
type Result struct {
	Status    Status         `json:"status"`
	Message   string         `json:"message,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
	Duration  time.Duration  `json:"duration_ns"`
}

// Check inspects one component.
type Check func(ctx context.Context) Result

// Component is a registered check.
type Component struct {
	Name string
	// Critical components make the gate unhealthy when they fail; others
	// only degrade it.
	Critical bool
	Check    Check
	Timeout  time.Duration
}

// Checker holds the registered components and their last results.
type Checker struct {
	mu         sync.RWMutex
	components map[string]*Component
	results    map[string]Result
	started    time.Time
	ready      bool
}

// NewChecker returns an empty, not-ready checker.
func NewChecker() *Checker {
	return &Checker{
		components: make(map[string]*Component),
		results:    make(map[string]Result),
		started:    time.Now(),
	}
}

// Register adds or replaces a component.
func (c *Checker) Register(name string, critical bool, check Check) {
	c.RegisterComponent(&Component{Name: name, Critical: critical, Check: check})
}

// RegisterComponent adds or replaces comp.
func (c *Checker) RegisterComponent(comp *Component) {
	if comp.Timeout <= 0 {
		comp.Timeout = DefaultTimeout
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components[comp.Name] = comp
	c.results[comp.Name] = Result{Status: StatusUnknown}
}

// Unregister removes a component.
func (c *Checker) Unregister(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.components, name)
	delete(c.results, name)
}

// Names lists the registered components, sorted.
func (c *Checker) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.components))
	for name := range c.components {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SetReady flips the readiness flag.
func (c *Checker) SetReady(ready bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ready = ready
}

// Ready reports the readiness flag.
func (c *Checker) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// Run executes every check concurrently and stores the results. A check
// that panics or outlives its timeout is reported unhealthy.
func (c *Checker) Run(ctx context.Context) map[string]Result {
	c.mu.RLock()
	comps := make([]*Component, 0, len(c.components))
	for _, comp := range c.components {
		comps = append(comps, comp)
	}
	c.mu.RUnlock()

	out := make(map[string]Result, len(comps))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, comp := range comps {
		wg.Add(1)
		go func(comp *Component) {
			defer wg.Done()
			r := c.run(ctx, comp)
			mu.Lock()
			out[comp.Name] = r
			mu.Unlock()
		}(comp)
	}
	wg.Wait()
	return out
}

// RunOne executes a single named check.
func (c *Checker) RunOne(ctx context.Context, name string) (Result, bool) {
	c.mu.RLock()
	comp, ok := c.components[name]
	c.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	return c.run(ctx, comp), true
}

func (c *Checker) run(ctx context.Context, comp *Component) Result {
	checkCtx, cancel := context.WithTimeout(ctx, comp.Timeout)
	defer cancel()

	start := time.Now()
	done := make(chan Result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- Result{Status: StatusUnhealthy, Message: "check panicked", Error: fmt.Sprint(p)}
			}
		}()
		done <- comp.Check(checkCtx)
	}()

	var r Result
	select {
	case r = <-done:
	case <-checkCtx.Done():
		r = Result{Status: StatusUnhealthy, Message: "check timed out", Error: checkCtx.Err().Error()}
	}
	r.CheckedAt = start
	r.Duration = time.Since(start)

	c.mu.Lock()
	if _, still := c.components[comp.Name]; still {
		c.results[comp.Name] = r
	}
	c.mu.Unlock()
	return r
}

// Results returns a copy of the last stored results.
func (c *Checker) Results() map[string]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Overall folds the last results: a failing critical component makes the
// gate unhealthy, any other failure degrades it, and a critical component
// that was never checked leaves it unknown.
func (c *Checker) Overall() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	unknown, degraded := false, false
	for name, r := range c.results {
		comp := c.components[name]
		if comp == nil {
			continue
		}
		switch r.Status {
		case StatusUnhealthy:
			if comp.Critical {
				return StatusUnhealthy
			}
			degraded = true
		case StatusDegraded:
			degraded = true
		case StatusUnknown:
			if comp.Critical {
				unknown = true
			}
		}
	}
	switch {
	case unknown:
		return StatusUnknown
	case degraded:
		return StatusDegraded
	}
	return StatusHealthy
}

// Report is the /healthz body.
type Report struct {
	Status     Status            `json:"status"`
	Ready      bool              `json:"ready"`
	Uptime     string            `json:"uptime"`
	Components map[string]Result `json:"components,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Report runs the checks when full is set and summarizes the gate.
func (c *Checker) Report(ctx context.Context, full bool) Report {
	var comps map[string]Result
	if full {
		comps = c.Run(ctx)
	}
	c.mu.RLock()
	ready, uptime := c.ready, time.Since(c.started).Round(time.Second)
	c.mu.RUnlock()
	return Report{
		Status:     c.Overall(),
		Ready:      ready,
		Uptime:     uptime.String(),
		Components: comps,
		Timestamp:  time.Now(),
	}
}

// Handler serves the probe endpoints. metrics, when non-nil, renders
// /metrics.
func (c *Checker) Handler(metrics func(io.Writer) error) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/livez", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "alive", "timestamp": time.Now()})
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if !c.Ready() {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "timestamp": time.Now()})
			return
		}
		c.Run(r.Context())
		status := c.Overall()
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": status, "ready": true, "timestamp": time.Now()})
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		rep := c.Report(r.Context(), r.URL.Query().Get("full") == "true")
		code := http.StatusOK
		if rep.Status == StatusUnhealthy || rep.Status == StatusUnknown {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, rep)
	})
	if metrics != nil {
		mux.HandleFunc("/metrics", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "text/plain; version=0.0.4")
			if err := metrics(w); err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
			}
		})
	}
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// PingCheck reports a component unhealthy when ping fails.
func PingCheck(what string, ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) Result {
		if err := ping(ctx); err != nil {
			return Result{Status: StatusUnhealthy, Message: what + " unreachable", Error: err.Error()}
		}
		return Result{Status: StatusHealthy, Message: what + " ok"}
	}
}

// ErrorCheck degrades a component while last returns a non-nil error.
func ErrorCheck(last func() error) Check {
	return func(context.Context) Result {
		if err := last(); err != nil {
			return Result{Status: StatusDegraded, Message: "last operation failed", Error: err.Error()}
		}
		return Result{Status: StatusHealthy}
	}
}
