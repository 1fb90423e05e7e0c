package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
)

// Status represents the health status
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// rank orders statuses from best to worst
func (s Status) rank() int {
	switch s {
	case StatusHealthy:
		return 0
	case StatusDegraded:
		return 1
	}
	return 2
}

// Impact says how far a check can pull the overall status down
type Impact string

const (
	// Critical checks report their own status: the connection is the relay
	Critical Impact = "critical"
	// Advisory checks cap at degraded. A failed probe or a rolling back workflow
	// does not make a relay with a working connection unavailable.
	Advisory Impact = "advisory"
)

// CheckResult represents the result of a health check
type CheckResult struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Impact    Impact                 `json:"impact"`
	Message   string                 `json:"message,omitempty"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Error     string                 `json:"error,omitempty"`
}

// Summary counts checks per status and lists the ones not healthy
type Summary struct {
	Healthy   int      `json:"healthy"`
	Degraded  int      `json:"degraded"`
	Unhealthy int      `json:"unhealthy"`
	Failing   []string `json:"failing,omitempty"`
}

// OverallHealth represents the health of every registered component
type OverallHealth struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Summary   Summary                `json:"summary"`
	Checks    map[string]CheckResult `json:"checks"`
}

// Checker defines the interface for health checks
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

type registration struct {
	checker Checker
	impact  Impact
}

// Registry manages health checks
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registration
}

// NewRegistry creates a new health check registry
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registration),
	}
}

// Register adds a critical checker, replacing one with the same name
func (r *Registry) Register(checker Checker) {
	r.RegisterWithImpact(checker, Critical)
}

// RegisterWithImpact adds a checker whose status counts towards the overall status
// according to impact
func (r *Registry) RegisterWithImpact(checker Checker, impact Impact) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[checker.Name()] = registration{checker: checker, impact: impact}
}

// Unregister removes a health checker
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, name)
}

// Names returns the registered check names in order
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := lo.Keys(r.entries)
	sort.Strings(names)
	return names
}

// Check runs the named check alone
func (r *Registry) Check(ctx context.Context, name string) (CheckResult, bool) {
	r.mu.RLock()
	entry, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return CheckResult{}, false
	}
	return run(ctx, name, entry), true
}

func run(ctx context.Context, name string, entry registration) CheckResult {
	result := entry.checker.Check(ctx)
	result.Name = name
	result.Impact = entry.impact
	return result
}

// CheckAll runs every registered check concurrently. Checks still running when ctx
// ends are reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) OverallHealth {
	start := time.Now()

	r.mu.RLock()
	entries := lo.Assign(r.entries)
	r.mu.RUnlock()

	results := make(chan CheckResult, len(entries))
	for name, entry := range entries {
		go func(name string, entry registration) {
			results <- run(ctx, name, entry)
		}(name, entry)
	}

	checks := make(map[string]CheckResult, len(entries))
	for len(checks) < len(entries) {
		select {
		case res := <-results:
			checks[res.Name] = res
		case <-ctx.Done():
			for name, entry := range entries {
				if _, ok := checks[name]; ok {
					continue
				}
				checks[name] = CheckResult{
					Name:      name,
					Status:    StatusUnhealthy,
					Impact:    entry.impact,
					Message:   "Check timed out",
					Duration:  time.Since(start),
					Timestamp: time.Now(),
					Error:     ctx.Err().Error(),
				}
			}
		}
	}

	return OverallHealth{
		Status:    aggregate(checks),
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Summary:   summarize(checks),
		Checks:    checks,
	}
}

// aggregate returns the worst status, with advisory checks capped at degraded
func aggregate(checks map[string]CheckResult) Status {
	overall := StatusHealthy
	for _, c := range checks {
		status := c.Status
		if c.Impact == Advisory && status == StatusUnhealthy {
			status = StatusDegraded
		}
		if status.rank() > overall.rank() {
			overall = status
		}
	}
	return overall
}

func summarize(checks map[string]CheckResult) Summary {
	var s Summary
	for _, c := range checks {
		switch c.Status {
		case StatusHealthy:
			s.Healthy++
		case StatusDegraded:
			s.Degraded++
		default:
			s.Unhealthy++
		}
	}
	s.Failing = lo.Keys(lo.PickBy(checks, func(_ string, c CheckResult) bool {
		return c.Status != StatusHealthy
	}))
	sort.Strings(s.Failing)
	return s
}

// Handler serves the registry as JSON. GET returns every check, or a single one with
// ?check=name; HEAD returns the status code only.
type Handler struct {
	registry *Registry
	timeout  time.Duration
}

// NewHandler creates a new health check HTTP handler
func NewHandler(registry *Registry, timeout time.Duration) *Handler {
	return &Handler{
		registry: registry,
		timeout:  timeout,
	}
}

// ServeHTTP implements http.Handler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	var (
		body   interface{}
		status Status
	)
	if name := r.URL.Query().Get("check"); name != "" {
		result, ok := h.registry.Check(ctx, name)
		if !ok {
			http.Error(w, "unknown check "+name, http.StatusNotFound)
			return
		}
		body, status = result, result.Status
	} else {
		overall := h.registry.CheckAll(ctx)
		body, status = overall, overall.Status
	}

	code := http.StatusOK
	if status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if r.Method == http.MethodHead {
		return
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(body); err != nil {
		http.Error(w, "Failed to encode health response", http.StatusInternalServerError)
	}
}
