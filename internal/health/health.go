// Package health provides a registry of named subsystem health checkers.
package health

import (
	"context"
	"sync"
	"time"
)

// checkTimeout bounds a single checker so one stalled dependency cannot hang
// the whole health endpoint.
const checkTimeout = 5 * time.Second

// Status represents the health of a single subsystem.
type Status struct {
	Name      string  `json:"name"`
	Healthy   bool    `json:"healthy"`
	Detail    string  `json:"detail,omitempty"`
	LatencyMs float64 `json:"latencyMs"`
}

// Checker is a function that checks the health of a subsystem.
type Checker func(ctx context.Context) Status

// Registry holds named health checkers and runs them on demand.
type Registry struct {
	mu       sync.RWMutex
	checkers []namedChecker
}

type namedChecker struct {
	name  string
	check Checker
}

// NewRegistry creates a new health check registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a named health checker.
func (r *Registry) Register(name string, check Checker) {
	r.mu.Lock()
	r.checkers = append(r.checkers, namedChecker{name: name, check: check})
	r.mu.Unlock()
}

// CheckAll runs all registered checkers in parallel and returns the aggregate
// health status plus individual subsystem results in registration order. A
// checker that overruns its timeout or panics is reported unhealthy.
func (r *Registry) CheckAll(ctx context.Context) (healthy bool, statuses []Status) {
	r.mu.RLock()
	checkers := make([]namedChecker, len(r.checkers))
	copy(checkers, r.checkers)
	r.mu.RUnlock()

	statuses = make([]Status, len(checkers))

	var wg sync.WaitGroup
	wg.Add(len(checkers))
	for i, nc := range checkers {
		go func(i int, nc namedChecker) {
			defer wg.Done()
			statuses[i] = runChecker(ctx, nc)
		}(i, nc)
	}
	wg.Wait()

	healthy = true
	for _, s := range statuses {
		if !s.Healthy {
			healthy = false
		}
	}
	return healthy, statuses
}

func runChecker(ctx context.Context, nc namedChecker) Status {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	start := time.Now()
	done := make(chan Status, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- Status{Name: nc.name, Healthy: false, Detail: "checker panicked"}
			}
		}()
		done <- nc.check(ctx)
	}()

	var s Status
	select {
	case s = <-done:
	case <-ctx.Done():
		s = Status{Name: nc.name, Healthy: false, Detail: "health check timed out"}
	}
	s.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
	return s
}
