// Package health runs named readiness checks for the service's dependencies.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds each individual check so one hung dependency cannot
// stall the whole readiness probe.
const checkTimeout = 2 * time.Second

// Checker probes one dependency. A nil return means healthy.
type Checker func(ctx context.Context) error

// Status is the result of running one checker.
type Status struct {
	Name    string `json:"name"`
	Healthy bool   `json:"healthy"`
	Detail  string `json:"detail,omitempty"`
}

// Registry holds named checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	names    []string
	checkers map[string]Checker
}

// NewRegistry creates an empty check registry.
func NewRegistry() *Registry {
	return &Registry{checkers: make(map[string]Checker)}
}

// Register adds a named checker. Registering the same name twice replaces
// the earlier checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.checkers[name]; !ok {
		r.names = append(r.names, name)
	}
	r.checkers[name] = check
}

// CheckAll runs every checker in registration order and reports the
// aggregate health plus per-dependency results. An empty registry is healthy.
func (r *Registry) CheckAll(ctx context.Context) (bool, []Status) {
	r.mu.RLock()
	names := make([]string, len(r.names))
	copy(names, r.names)
	checkers := make(map[string]Checker, len(r.checkers))
	for name, check := range r.checkers {
		checkers[name] = check
	}
	r.mu.RUnlock()

	healthy := true
	statuses := make([]Status, 0, len(names))
	for _, name := range names {
		status := Status{Name: name, Healthy: true}
		checkCtx, cancel := context.WithTimeout(ctx, checkTimeout)
		if err := checkers[name](checkCtx); err != nil {
			status.Healthy = false
			status.Detail = err.Error()
			healthy = false
		}
		cancel()
		statuses = append(statuses, status)
	}
	return healthy, statuses
}
