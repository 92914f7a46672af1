package alerting

import (
	"fmt"
	"time"

	"github.com/jkaninda/opsgate/internal/config"
)

// Metric names a sampled value.
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
	MetricDisk   Metric = "disk"
)

// Sample is one reading of host utilization, in percent.
type Sample struct {
	CPU    float64
	Memory float64
	Disk   float64
	At     time.Time
}

func (s Sample) value(m Metric) float64 {
	switch m {
	case MetricCPU:
		return s.CPU
	case MetricMemory:
		return s.Memory
	case MetricDisk:
		return s.Disk
	}
	return 0
}

// Rule fires when Metric stays at or above Threshold for Hold.
type Rule struct {
	Name      string
	Metric    Metric
	Threshold float64
	Hold      time.Duration
	Severity  Severity
}

// DefaultRules builds the warning rules from the configured thresholds plus
// the fixed critical rules.
func DefaultRules(cfg config.MonitoringConfig) []Rule {
	return []Rule{
		{Name: "high_cpu", Metric: MetricCPU, Threshold: cfg.CPUThreshold, Hold: 60 * time.Second, Severity: SeverityWarning},
		{Name: "critical_cpu", Metric: MetricCPU, Threshold: 95, Hold: 30 * time.Second, Severity: SeverityCritical},
		{Name: "high_memory", Metric: MetricMemory, Threshold: cfg.MemoryThreshold, Hold: 120 * time.Second, Severity: SeverityWarning},
		{Name: "critical_memory", Metric: MetricMemory, Threshold: 95, Hold: 60 * time.Second, Severity: SeverityCritical},
		{Name: "high_disk", Metric: MetricDisk, Threshold: cfg.DiskThreshold, Hold: 300 * time.Second, Severity: SeverityWarning},
		{Name: "critical_disk", Metric: MetricDisk, Threshold: 98, Hold: 60 * time.Second, Severity: SeverityCritical},
	}
}

// ChangeKind says what happened to an alert during evaluation.
type ChangeKind string

const (
	ChangeFired    ChangeKind = "fired"
	ChangeUpdated  ChangeKind = "updated"
	ChangeResolved ChangeKind = "resolved"
)

// Change is emitted for every alert that fired, was updated or resolved.
type Change struct {
	Kind  ChangeKind  `json:"kind"`
	Alert ActiveAlert `json:"alert"`
}

// Evaluator applies rules to samples and maintains an AlertSet.
// It is not safe for concurrent use; the Monitor serializes calls.
type Evaluator struct {
	rules   []Rule
	alerts  *AlertSet
	pending map[string]time.Time // rule -> time the condition started holding
}

// NewEvaluator returns an Evaluator writing into alerts.
func NewEvaluator(rules []Rule, alerts *AlertSet) *Evaluator {
	return &Evaluator{
		rules:   rules,
		alerts:  alerts,
		pending: make(map[string]time.Time),
	}
}

// Evaluate checks every rule against s.
func (e *Evaluator) Evaluate(s Sample) []Change {
	var changes []Change
	for _, r := range e.rules {
		v := s.value(r.Metric)

		if v < r.Threshold {
			delete(e.pending, r.Name)
			if a, ok := e.alerts.Resolve(r.Name); ok {
				a.Value = v
				a.UpdatedAt = s.At
				changes = append(changes, Change{Kind: ChangeResolved, Alert: a})
			}
			continue
		}

		since, ok := e.pending[r.Name]
		if !ok {
			since = s.At
			e.pending[r.Name] = since
		}
		if s.At.Sub(since) < r.Hold {
			continue
		}

		a := ActiveAlert{
			Rule:      r.Name,
			Severity:  r.Severity,
			Value:     v,
			Threshold: r.Threshold,
			FiredAt:   s.At,
			UpdatedAt: s.At,
			Message:   fmt.Sprintf("%s usage %.1f%% >= %.1f%% for %s", r.Metric, v, r.Threshold, r.Hold),
		}
		kind := ChangeUpdated
		if e.alerts.Upsert(a) {
			kind = ChangeFired
		}
		stored, _ := e.alerts.Get(r.Name)
		changes = append(changes, Change{Kind: kind, Alert: stored})
	}
	return changes
}
