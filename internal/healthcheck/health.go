// Package healthcheck runs dependency checks and publishes the result over
// HTTP and the standard gRPC health protocol.
package healthcheck

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// CheckFunc reports whether one dependency is reachable.
type CheckFunc func(ctx context.Context) error

// Report is the outcome of one round of checks.
type Report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Healthy reports whether every check passed.
func (r Report) Healthy() bool { return r.Status == "healthy" }

// Checker holds named checks.
type Checker struct {
	mu      sync.RWMutex
	checks  map[string]CheckFunc
	timeout time.Duration
	logger  *slog.Logger
}

// NewChecker creates a Checker that bounds every round by timeout.
func NewChecker(timeout time.Duration, logger *slog.Logger) *Checker {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{checks: make(map[string]CheckFunc), timeout: timeout, logger: logger}
}

// Add registers a check under name, replacing any previous one.
func (c *Checker) Add(name string, p CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = p
}

// Check runs every check concurrently.
func (c *Checker) Check(ctx context.Context) Report {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	c.mu.RLock()
	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	checks := make(map[string]CheckFunc, len(c.checks))
	for k, v := range c.checks {
		checks[k] = v
	}
	c.mu.RUnlock()
	sort.Strings(names)

	results := make([]error, len(names))
	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = checks[name](ctx)
		}()
	}
	wg.Wait()

	report := Report{Status: "healthy", Checks: map[string]string{"api": "ok"}}
	for i, name := range names {
		if err := results[i]; err != nil {
			c.logger.Error("Health check failed", "check", name, "error", err)
			report.Status = "degraded"
			report.Checks[name] = "unreachable"
			continue
		}
		report.Checks[name] = "ok"
	}
	return report
}
