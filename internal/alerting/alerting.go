// Package alerting samples host metrics on a schedule and keeps the set of
// currently firing alerts.
package alerting

import (
	"sort"
	"sync"
	"time"
)

// Severity of an alert rule.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// ActiveAlert is a firing alert. At most one exists per rule.
type ActiveAlert struct {
	Rule      string    `json:"rule"`
	Severity  Severity  `json:"severity"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	FiredAt   time.Time `json:"fired_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Message   string    `json:"message"`
}

// AlertSet holds active alerts keyed by rule name. Writes are last-write-wins.
type AlertSet struct {
	mu     sync.RWMutex
	alerts map[string]*ActiveAlert
}

// NewAlertSet returns an empty set.
func NewAlertSet() *AlertSet {
	return &AlertSet{alerts: make(map[string]*ActiveAlert)}
}

// Upsert stores a. An existing alert for the same rule keeps its FiredAt
// and takes every other field from a. Reports whether the alert is new.
func (s *AlertSet) Upsert(a ActiveAlert) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.alerts[a.Rule]; ok {
		a.FiredAt = cur.FiredAt
		*cur = a
		return false
	}
	s.alerts[a.Rule] = &a
	return true
}

// Resolve removes the alert for rule and returns it.
func (s *AlertSet) Resolve(rule string) (ActiveAlert, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.alerts[rule]
	if !ok {
		return ActiveAlert{}, false
	}
	delete(s.alerts, rule)
	return *cur, true
}

// Get returns a copy of the alert for rule.
func (s *AlertSet) Get(rule string) (ActiveAlert, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cur, ok := s.alerts[rule]
	if !ok {
		return ActiveAlert{}, false
	}
	return *cur, true
}

// List returns copies of all active alerts, critical first, then by rule name.
func (s *AlertSet) List() []ActiveAlert {
	s.mu.RLock()
	out := make([]ActiveAlert, 0, len(s.alerts))
	for _, a := range s.alerts {
		out = append(out, *a)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Severity != out[j].Severity {
			return out[i].Severity == SeverityCritical
		}
		return out[i].Rule < out[j].Rule
	})
	return out
}

// Len returns the number of active alerts.
func (s *AlertSet) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.alerts)
}
