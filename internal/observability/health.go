package observability

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

const healthCheckTimeout = 3 * time.Second

const (
	statusOK       = "ok"
	statusDegraded = "degraded"
	statusFail     = "fail"
)

// HealthChecker answers the liveness and readiness probes. Readiness
// runs every registered dependency check (tool provider, store) in
// parallel under a shared timeout.
type HealthChecker struct {
	mu     sync.RWMutex
	checks []HealthCheck
	logger *slog.Logger
}

// HealthCheck is a named dependency check.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// HealthStatus is the body of /healthz and /readyz.
type HealthStatus struct {
	Status    string                 `json:"status"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}

// HTTPStatus is 200 when every check passed and 503 otherwise.
func (s HealthStatus) HTTPStatus() int {
	if s.Status == statusOK {
		return http.StatusOK
	}
	return http.StatusServiceUnavailable
}

// CheckResult is the outcome of one dependency check.
type CheckResult struct {
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

func NewHealthChecker(logger *slog.Logger) *HealthChecker {
	return &HealthChecker{logger: logger}
}

// AddCheck registers a named dependency check.
func (h *HealthChecker) AddCheck(name string, check func(ctx context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks = append(h.checks, HealthCheck{Name: name, Check: check})
}

// CheckHealth reports liveness, which never depends on dependencies.
func (h *HealthChecker) CheckHealth() HealthStatus {
	return HealthStatus{Status: statusOK, CheckedAt: time.Now().UTC()}
}

// CheckReady runs all checks and reports "degraded" if any failed.
func (h *HealthChecker) CheckReady(ctx context.Context) HealthStatus {
	h.mu.RLock()
	checks := append([]HealthCheck(nil), h.checks...)
	h.mu.RUnlock()

	status := HealthStatus{Status: statusOK, CheckedAt: time.Now().UTC()}
	if len(checks) == 0 {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	results := make([]CheckResult, len(checks))
	var wg sync.WaitGroup
	for i, c := range checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := c.Check(ctx)
			results[i] = CheckResult{Status: statusOK, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				results[i].Status = statusFail
				results[i].Message = err.Error()
			}
		}()
	}
	wg.Wait()

	status.Checks = make(map[string]CheckResult, len(checks))
	for i, c := range checks {
		status.Checks[c.Name] = results[i]
		if results[i].Status == statusOK {
			continue
		}
		status.Status = statusDegraded
		if h.logger != nil {
			h.logger.Warn("readiness check failed",
				slog.String("check", c.Name),
				slog.String("error", results[i].Message),
			)
		}
	}
	return status
}
