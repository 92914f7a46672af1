package alerting

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jkaninda/opsgate/internal/config"
	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/observability"
	"github.com/jkaninda/opsgate/internal/tools"
	"github.com/jkaninda/opsgate/internal/tools/system"
)

// CallExecutor runs a single tool call through the security gate.
// *agent.Orchestrator satisfies it.
type CallExecutor interface {
	ExecuteCall(ctx context.Context, call tools.Call, source domain.Source) (domain.StepResult, error)
}

// NotifyFunc receives every alert change. It must not block.
type NotifyFunc func(Change)

// Monitor samples get_system_info on a schedule and evaluates alert rules.
type Monitor struct {
	executor  CallExecutor
	evaluator *Evaluator
	alerts    *AlertSet
	interval  time.Duration
	collector *observability.MetricsCollector
	metrics   *Metrics
	notify    NotifyFunc
	logger    *slog.Logger
	now       func() time.Time

	mu sync.Mutex // serializes ticks
}

// NewMonitor creates a Monitor using the rules derived from cfg.
func NewMonitor(executor CallExecutor, cfg config.MonitoringConfig, logger *slog.Logger) *Monitor {
	alerts := NewAlertSet()
	interval := cfg.Interval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		executor:  executor,
		evaluator: NewEvaluator(DefaultRules(cfg), alerts),
		alerts:    alerts,
		interval:  interval,
		logger:    logger,
		now:       time.Now,
	}
}

// WithMetrics wires the observability collector. Monitor sampling metrics
// are registered on its registry.
func (m *Monitor) WithMetrics(c *observability.MetricsCollector) *Monitor {
	m.collector = c
	if c != nil {
		m.metrics = NewMetrics(c.Registry)
	}
	return m
}

// WithNotify sets the callback for alert changes.
func (m *Monitor) WithNotify(fn NotifyFunc) *Monitor {
	m.notify = fn
	return m
}

// Alerts returns the live alert set.
func (m *Monitor) Alerts() *AlertSet { return m.alerts }

// Start schedules sampling every interval. Returns a stop function that
// waits for a running tick to finish.
func (m *Monitor) Start(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithCancel(ctx)

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc("@every "+m.interval.String(), func() { m.Tick(ctx) }); err != nil {
		cancel()
		return nil, fmt.Errorf("scheduling monitor: %w", err)
	}
	c.Start()

	m.logger.InfoContext(ctx, "monitor started",
		slog.String("interval", m.interval.String()),
		slog.Int("rules", len(m.evaluator.rules)),
	)

	return func() {
		cancel()
		<-c.Stop().Done()
		m.logger.Info("monitor stopped")
	}, nil
}

// Tick takes one sample and evaluates the rules against it.
func (m *Monitor) Tick(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	start := time.Now()
	if m.metrics != nil {
		m.metrics.SamplesRun.Inc()
		defer func() { m.metrics.SampleDuration.Observe(time.Since(start).Seconds()) }()
	}

	sample, err := m.sample(ctx)
	if err != nil {
		if m.metrics != nil {
			m.metrics.SamplesFailed.Inc()
		}
		m.logger.WarnContext(ctx, "monitor sample failed", slog.String("error", err.Error()))
		return
	}

	for _, ch := range m.evaluator.Evaluate(sample) {
		m.report(ctx, ch)
	}
	m.collector.SetActiveAlerts(m.alerts.Len())
}

func (m *Monitor) report(ctx context.Context, ch Change) {
	a := ch.Alert
	switch ch.Kind {
	case ChangeFired:
		m.collector.ObserveAlertFired(a.Rule, string(a.Severity))
		m.logger.WarnContext(ctx, "alert fired",
			slog.String("rule", a.Rule),
			slog.String("severity", string(a.Severity)),
			slog.Float64("value", a.Value),
			slog.Float64("threshold", a.Threshold),
		)
	case ChangeResolved:
		m.logger.InfoContext(ctx, "alert resolved",
			slog.String("rule", a.Rule),
			slog.Float64("value", a.Value),
		)
	default:
		m.logger.DebugContext(ctx, "alert updated",
			slog.String("rule", a.Rule),
			slog.Float64("value", a.Value),
		)
	}
	if m.notify != nil {
		m.notify(ch)
	}
}

func (m *Monitor) sample(ctx context.Context) (Sample, error) {
	step, err := m.executor.ExecuteCall(ctx, tools.Call{Name: system.ToolSystemInfo}, domain.SourceMonitor)
	if err != nil {
		return Sample{}, err
	}
	var snap system.Snapshot
	if err := json.Unmarshal([]byte(step.Output), &snap); err != nil {
		return Sample{}, fmt.Errorf("parsing %s output: %w", system.ToolSystemInfo, err)
	}
	at := m.now()
	return Sample{
		CPU:    snap.CPU.Percent,
		Memory: snap.Memory.Percent,
		Disk:   snap.Disk.Percent,
		At:     at,
	}, nil
}
