package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/config"
	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/observability"
	"github.com/jkaninda/opsgate/internal/tools"
	"github.com/jkaninda/opsgate/internal/tools/system"
)

var testCfg = config.MonitoringConfig{IntervalSeconds: 30, CPUThreshold: 80, MemoryThreshold: 85, DiskThreshold: 90}

func TestAlertSet_UpsertKeepsFiredAt(t *testing.T) {
	s := NewAlertSet()
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, s.Upsert(ActiveAlert{Rule: "high_cpu", Value: 81, FiredAt: t0, UpdatedAt: t0}))
	assert.False(t, s.Upsert(ActiveAlert{Rule: "high_cpu", Value: 90, FiredAt: t0.Add(time.Minute), UpdatedAt: t0.Add(time.Minute)}))

	require.Equal(t, 1, s.Len())
	a, ok := s.Get("high_cpu")
	require.True(t, ok)
	assert.Equal(t, 90.0, a.Value)
	assert.Equal(t, t0, a.FiredAt)
	assert.Equal(t, t0.Add(time.Minute), a.UpdatedAt)

	_, ok = s.Resolve("high_cpu")
	assert.True(t, ok)
	_, ok = s.Resolve("high_cpu")
	assert.False(t, ok)
	assert.Zero(t, s.Len())
}

func TestAlertSet_ListOrder(t *testing.T) {
	s := NewAlertSet()
	s.Upsert(ActiveAlert{Rule: "high_memory", Severity: SeverityWarning})
	s.Upsert(ActiveAlert{Rule: "high_cpu", Severity: SeverityWarning})
	s.Upsert(ActiveAlert{Rule: "critical_disk", Severity: SeverityCritical})

	var names []string
	for _, a := range s.List() {
		names = append(names, a.Rule)
	}
	assert.Equal(t, []string{"critical_disk", "high_cpu", "high_memory"}, names)
}

func TestEvaluator_HoldDuration(t *testing.T) {
	alerts := NewAlertSet()
	e := NewEvaluator(DefaultRules(testCfg), alerts)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Condition starts holding; high_cpu needs 60s.
	assert.Empty(t, e.Evaluate(Sample{CPU: 85, At: t0}))
	assert.Empty(t, e.Evaluate(Sample{CPU: 85, At: t0.Add(30 * time.Second)}))

	changes := e.Evaluate(Sample{CPU: 86, At: t0.Add(60 * time.Second)})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeFired, changes[0].Kind)
	assert.Equal(t, "high_cpu", changes[0].Alert.Rule)
	assert.Equal(t, SeverityWarning, changes[0].Alert.Severity)
	assert.Equal(t, 80.0, changes[0].Alert.Threshold)

	changes = e.Evaluate(Sample{CPU: 88, At: t0.Add(90 * time.Second)})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeUpdated, changes[0].Kind)
	assert.Equal(t, 88.0, changes[0].Alert.Value)
	assert.Equal(t, t0.Add(60*time.Second), changes[0].Alert.FiredAt)

	changes = e.Evaluate(Sample{CPU: 20, At: t0.Add(120 * time.Second)})
	require.Len(t, changes, 1)
	assert.Equal(t, ChangeResolved, changes[0].Kind)
	assert.Zero(t, alerts.Len())
}

func TestEvaluator_DipResetsHold(t *testing.T) {
	e := NewEvaluator(DefaultRules(testCfg), NewAlertSet())
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e.Evaluate(Sample{CPU: 85, At: t0})
	e.Evaluate(Sample{CPU: 50, At: t0.Add(40 * time.Second)})
	assert.Empty(t, e.Evaluate(Sample{CPU: 85, At: t0.Add(70 * time.Second)}))
	assert.Len(t, e.Evaluate(Sample{CPU: 85, At: t0.Add(130 * time.Second)}), 1)
}

func TestEvaluator_CriticalFiresWithWarning(t *testing.T) {
	alerts := NewAlertSet()
	e := NewEvaluator(DefaultRules(testCfg), alerts)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	e.Evaluate(Sample{Disk: 99, At: t0})
	changes := e.Evaluate(Sample{Disk: 99, At: t0.Add(60 * time.Second)})
	require.Len(t, changes, 1)
	assert.Equal(t, "critical_disk", changes[0].Alert.Rule)

	// high_disk holds 300s.
	changes = e.Evaluate(Sample{Disk: 99, At: t0.Add(300 * time.Second)})
	assert.Len(t, changes, 2)
	assert.Equal(t, 2, alerts.Len())
}

type stubExecutor struct {
	outputs []system.Snapshot
	err     error
	calls   int
}

func (s *stubExecutor) ExecuteCall(_ context.Context, call tools.Call, source domain.Source) (domain.StepResult, error) {
	if call.Name != system.ToolSystemInfo || source != domain.SourceMonitor {
		return domain.StepResult{}, errors.New("unexpected call")
	}
	if s.err != nil {
		return domain.StepResult{Outcome: domain.OutcomeFailed}, s.err
	}
	snap := s.outputs[min(s.calls, len(s.outputs)-1)]
	s.calls++
	data, _ := json.Marshal(snap)
	return domain.StepResult{Tool: call.Name, Outcome: domain.OutcomeSuccess, Output: string(data)}, nil
}

func snapshot(cpu, mem, disk float64) system.Snapshot {
	var s system.Snapshot
	s.CPU.Percent = cpu
	s.Memory.Percent = mem
	s.Disk.Percent = disk
	return s
}

func TestMonitor_TickFiresAndNotifies(t *testing.T) {
	exec := &stubExecutor{outputs: []system.Snapshot{snapshot(97, 10, 10)}}
	metrics := observability.NewMetricsCollector()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	var got []Change
	m := NewMonitor(exec, testCfg, logger).
		WithMetrics(metrics).
		WithNotify(func(c Change) { got = append(got, c) })

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.now = func() time.Time { return clock }

	ctx := context.Background()
	m.Tick(ctx)
	assert.Empty(t, got)

	clock = clock.Add(30 * time.Second)
	m.Tick(ctx)
	require.Len(t, got, 1)
	assert.Equal(t, "critical_cpu", got[0].Alert.Rule)
	assert.Equal(t, ChangeFired, got[0].Kind)
	assert.Equal(t, 1, m.Alerts().Len())
	assert.Equal(t, 2, exec.calls)
}

func TestMonitor_SampleFailureIsSkipped(t *testing.T) {
	exec := &stubExecutor{err: errors.New("boom")}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(exec, testCfg, logger).WithMetrics(observability.NewMetricsCollector())

	m.Tick(context.Background())
	assert.Zero(t, m.Alerts().Len())
}

func TestMonitor_StartStop(t *testing.T) {
	exec := &stubExecutor{outputs: []system.Snapshot{snapshot(1, 1, 1)}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewMonitor(exec, testCfg, logger)

	stop, err := m.Start(context.Background())
	require.NoError(t, err)
	stop()
}
