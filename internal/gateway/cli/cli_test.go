package cli

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/agent"
	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/oracle"
	"github.com/jkaninda/opsgate/internal/tools"
)

type infoTool struct{}

func (infoTool) Name() string                  { return "get_system_info" }
func (infoTool) Description() string           { return "host summary" }
func (infoTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (infoTool) Validate(map[string]any) error { return nil }
func (infoTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	return &tools.Result{Output: "uptime 3 days"}, nil
}

type staticInterpreter struct{}

func (staticInterpreter) Interpret(context.Context, string) (*oracle.Intent, error) {
	return &oracle.Intent{
		Content:   "Host summary:",
		ToolCalls: []tools.Call{{Name: "get_system_info"}},
	}, nil
}

func run(t *testing.T, input string, alerts *alerting.AlertSet) (string, *agent.Orchestrator) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := tools.NewRegistry()
	reg.Register(infoTool{})
	orch := agent.NewOrchestrator(staticInterpreter{}, tools.NewExecutor(reg, time.Second, logger), logger)

	var out bytes.Buffer
	g := NewGateway(orch, bufio.NewReader(strings.NewReader(input)), &out, logger).
		WithApprovalMode(approval.ModeDeny)
	if alerts != nil {
		g.WithAlerts(alerts)
	}
	require.NoError(t, g.Start(context.Background()))
	return out.String(), orch
}

func TestREPL_RequestAndHistory(t *testing.T) {
	out, orch := run(t, "show me the host\nhistory\nquit\n", nil)

	assert.Contains(t, out, "get_system_info: uptime 3 days")
	assert.Contains(t, out, "[success]")
	assert.Contains(t, out, "show me the host")
	assert.Contains(t, out, "Goodbye.")
	assert.Equal(t, 1, orch.History().Len())
}

func TestREPL_StatusAndAlerts(t *testing.T) {
	alerts := alerting.NewAlertSet()
	alerts.Upsert(alerting.ActiveAlert{Rule: "critical_disk", Severity: alerting.SeverityCritical, Message: "disk usage 99.0%"})

	out, _ := run(t, "status\nalerts\nexit\n", alerts)
	assert.Contains(t, out, "Tools available:      1")
	assert.Contains(t, out, "Approval mode:        deny")
	assert.Contains(t, out, "Active alerts:        1")
	assert.Contains(t, out, "critical_disk")
}

func TestREPL_Rollback(t *testing.T) {
	out, orch := run(t, "check host\nrollback 1\nrollback 5\nq\n", nil)

	assert.Contains(t, out, "nothing to roll back")
	assert.Contains(t, out, "Rollback failed: ")
	assert.Zero(t, orch.History().Len())
}

func TestREPL_EOFEndsSession(t *testing.T) {
	out, _ := run(t, "help", nil)
	assert.Contains(t, out, "rollback N")
}

func TestREPL_MonitoringDisabled(t *testing.T) {
	out, _ := run(t, "alerts\n", nil)
	assert.Contains(t, out, "Monitoring is disabled.")
}
