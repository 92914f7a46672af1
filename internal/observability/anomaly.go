package observability

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jkaninda/opsgate/internal/config"
)

const (
	defaultAnomalyWindow = 5 * time.Minute
	// minAnomalySamples is the number of outcomes needed before a rate is judged.
	minAnomalySamples = 5
)

// AnomalyDetector warns when the error rate of an operation (a model
// provider, a tool, the sandbox) crosses a threshold within a sliding
// window. A warning is logged at most once per window per operation.
type AnomalyDetector struct {
	mu        sync.Mutex
	ops       map[string]*outcomeWindow
	threshold float64
	window    time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// outcomeWindow holds the timestamped outcomes of one operation.
type outcomeWindow struct {
	events     []outcomeEvent
	lastWarned time.Time
}

type outcomeEvent struct {
	at     time.Time
	failed bool
}

// NewAnomalyDetector creates an anomaly detector from config.
func NewAnomalyDetector(cfg *config.AnomalyConfig, logger *slog.Logger) *AnomalyDetector {
	window := defaultAnomalyWindow
	if cfg.WindowSeconds > 0 {
		window = time.Duration(cfg.WindowSeconds) * time.Second
	}
	return &AnomalyDetector{
		ops:       make(map[string]*outcomeWindow),
		threshold: cfg.ErrorRateThreshold,
		window:    window,
		logger:    logger,
		now:       time.Now,
	}
}

// RecordError records a failed operation and checks the error rate.
func (a *AnomalyDetector) RecordError(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windowFor(operation)
	w.events = append(w.events, outcomeEvent{at: a.now(), failed: true})
	a.check(operation, w)
}

// RecordSuccess records a successful operation.
func (a *AnomalyDetector) RecordSuccess(operation string) {
	if a == nil {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w := a.windowFor(operation)
	w.events = append(w.events, outcomeEvent{at: a.now()})
}

// ErrorRate returns the error rate of operation within the window and
// the number of samples it is based on.
func (a *AnomalyDetector) ErrorRate(operation string) (rate float64, samples int) {
	if a == nil {
		return 0, 0
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	w, ok := a.ops[operation]
	if !ok {
		return 0, 0
	}
	return a.rate(w)
}

// windowFor returns the window for operation. Must be called with a.mu held.
func (a *AnomalyDetector) windowFor(operation string) *outcomeWindow {
	w, ok := a.ops[operation]
	if !ok {
		w = &outcomeWindow{}
		a.ops[operation] = w
	}
	return w
}

// rate prunes expired outcomes and computes the error rate.
// Must be called with a.mu held.
func (a *AnomalyDetector) rate(w *outcomeWindow) (float64, int) {
	cutoff := a.now().Add(-a.window)
	i := 0
	for i < len(w.events) && w.events[i].at.Before(cutoff) {
		i++
	}
	w.events = w.events[i:]

	if len(w.events) == 0 {
		return 0, 0
	}
	failed := 0
	for _, e := range w.events {
		if e.failed {
			failed++
		}
	}
	return float64(failed) / float64(len(w.events)), len(w.events)
}

// check logs a warning when the rate exceeds the threshold.
// Must be called with a.mu held.
func (a *AnomalyDetector) check(operation string, w *outcomeWindow) {
	if a.threshold <= 0 || a.logger == nil {
		return
	}
	rate, n := a.rate(w)
	if n < minAnomalySamples || rate <= a.threshold {
		return
	}
	now := a.now()
	if !w.lastWarned.IsZero() && now.Sub(w.lastWarned) < a.window {
		return
	}
	w.lastWarned = now
	a.logger.Warn("anomaly detected: high error rate",
		slog.String("operation", operation),
		slog.Float64("error_rate", rate),
		slog.Float64("threshold", a.threshold),
		slog.Int("samples", n),
		slog.String("window", a.window.String()),
	)
}
