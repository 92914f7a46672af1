package agent

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/llm"
	"github.com/jkaninda/opsgate/internal/oracle"
	"github.com/jkaninda/opsgate/internal/security"
	"github.com/jkaninda/opsgate/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeTool counts calls and delegates to fn.
type fakeTool struct {
	name  string
	calls atomic.Int32
	fn    func(params map[string]any) (*tools.Result, error)
}

func (t *fakeTool) Name() string                  { return t.name }
func (t *fakeTool) Description() string           { return "fake " + t.name }
func (t *fakeTool) InputSchema() map[string]any   { return map[string]any{"type": "object"} }
func (t *fakeTool) Validate(map[string]any) error { return nil }
func (t *fakeTool) Execute(_ context.Context, params map[string]any) (*tools.Result, error) {
	t.calls.Add(1)
	if t.fn == nil {
		return &tools.Result{Output: t.name + " ok"}, nil
	}
	return t.fn(params)
}

// scriptedInterpreter maps request text to a fixed intent.
type scriptedInterpreter struct {
	intents map[string]*oracle.Intent
	err     error
	panic   bool
}

func (s *scriptedInterpreter) Interpret(_ context.Context, text string) (*oracle.Intent, error) {
	if s.panic {
		panic("interpreter exploded")
	}
	if s.err != nil {
		return nil, s.err
	}
	intent, ok := s.intents[text]
	if !ok {
		return &oracle.Intent{Content: "no idea", Fallback: true, Confidence: 0.8}, nil
	}
	return intent, nil
}

// recordingAuditor keeps every event in memory.
type recordingAuditor struct {
	mu     sync.Mutex
	events []security.AuditEvent
}

func (a *recordingAuditor) LogAction(_ context.Context, e security.AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	return nil
}

func (a *recordingAuditor) all() []security.AuditEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]security.AuditEvent(nil), a.events...)
}

type fixture struct {
	orch     *Orchestrator
	registry *tools.Registry
	auditor  *recordingAuditor
	tools    map[string]*fakeTool
}

func newFixture(t *testing.T, interp Interpreter, approver approval.Approver) *fixture {
	t.Helper()
	logger := discardLogger()
	f := &fixture{
		registry: tools.NewRegistry(),
		auditor:  &recordingAuditor{},
		tools:    map[string]*fakeTool{},
	}
	for _, name := range []string{"get_system_info", "manage_service", "execute_command", "file_operations"} {
		ft := &fakeTool{name: name}
		f.tools[name] = ft
		f.registry.Register(ft)
	}
	f.orch = NewOrchestrator(interp, tools.NewExecutor(f.registry, time.Second, logger), logger).
		WithAuditor(f.auditor)
	if approver != nil {
		f.orch.WithApprover(approver)
	}
	return f
}

func call(name string, args map[string]any) tools.Call {
	return tools.Call{Name: name, Arguments: args}
}

func TestProcess_LowRiskSucceeds(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"check system status": {
			Content:   "Checking the system.",
			ToolCalls: []tools.Call{call("get_system_info", nil)},
		},
	}}
	f := newFixture(t, interp, nil)

	res := f.orch.Process(context.Background(), "  check system status ", domain.SourceCLI)

	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"get_system_info"}, res.ToolsUsed)
	assert.Contains(t, res.Output, "Tool Results:\nget_system_info: get_system_info ok")
	assert.True(t, strings.HasPrefix(res.ID, "op_"))

	require.Equal(t, 1, f.orch.History().Len())
	entry := f.orch.History().Entries()[0]
	assert.Equal(t, "check system status", entry.Request.Text)
	assert.Empty(t, entry.RollbackCommands)

	events := f.auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, "success", events[0].Result)
	assert.Equal(t, "allow", events[0].Decision)
	assert.Equal(t, res.ID, events[0].RequestID)
}

func TestProcess_DestructiveCommandBlocked(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"wipe the disk": {
			ToolCalls: []tools.Call{call("execute_command", map[string]any{"command": "rm -rf /"})},
		},
	}}
	f := newFixture(t, interp, approval.NewAutoApprover(nil, discardLogger()))

	res := f.orch.Process(context.Background(), "wipe the disk", domain.SourceCLI)

	assert.Equal(t, domain.OutcomeBlocked, res.Outcome)
	assert.False(t, res.Success)
	assert.Zero(t, f.tools["execute_command"].calls.Load(), "blocked tool must never run")
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "critical", res.Steps[0].RiskLevel)
	assert.Equal(t, "block", res.Steps[0].Decision)

	events := f.auditor.all()
	require.Len(t, events, 1)
	assert.Equal(t, "blocked", events[0].Result)
	assert.Equal(t, 1, f.orch.History().Len())
}

func TestProcess_DeniedServiceStopIsCancelled(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"stop nginx": {
			ToolCalls: []tools.Call{call("manage_service", map[string]any{"service_name": "nginx", "action": "stop"})},
		},
	}}
	f := newFixture(t, interp, approval.Denier{})

	res := f.orch.Process(context.Background(), "stop nginx", domain.SourceCLI)

	assert.Equal(t, domain.OutcomeCancelled, res.Outcome)
	assert.Zero(t, f.tools["manage_service"].calls.Load())
	assert.Contains(t, res.Output, "execution cancelled")
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "confirm", res.Steps[0].Decision)

	entry := f.orch.History().Entries()[0]
	assert.Empty(t, entry.RollbackCommands, "nothing ran, nothing to roll back")
	assert.Equal(t, "cancelled", f.auditor.all()[0].Result)
}

func TestProcess_ApprovedServiceStopRecordsInverse(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"stop nginx": {
			ToolCalls: []tools.Call{call("manage_service", map[string]any{"service_name": "nginx", "action": "stop"})},
		},
	}}
	f := newFixture(t, interp, approval.NewAutoApprover(nil, discardLogger()))

	res := f.orch.Process(context.Background(), "stop nginx", domain.SourceCLI)

	assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
	assert.Equal(t, int32(1), f.tools["manage_service"].calls.Load())
	assert.Equal(t, []string{"systemctl start nginx"}, f.orch.History().Entries()[0].RollbackCommands)
	assert.Equal(t, "auto-approve", f.auditor.all()[0].ApprovedBy)
}

// shellTool runs execute_command for real so rollback commands are
// interpreted by the same shell the sandbox uses.
func shellTool(p map[string]any) (*tools.Result, error) {
	out, err := exec.Command("/bin/sh", "-c", p["command"].(string)).CombinedOutput()
	return &tools.Result{Output: string(out)}, err
}

func TestProcess_FileCreateThenRollback(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "keep")
	require.NoError(t, os.WriteFile(keep, []byte("unrelated"), 0o600))

	names := []string{"keep copy", "a; touch pwned", "$(touch pwned)", "it's | here"}
	intents := map[string]*oracle.Intent{}
	for _, name := range names {
		intents["create "+name] = &oracle.Intent{
			ToolCalls: []tools.Call{call("file_operations", map[string]any{"operation": "create", "path": filepath.Join(dir, name)})},
		}
	}
	f := newFixture(t, &scriptedInterpreter{intents: intents}, approval.NewAutoApprover(nil, discardLogger()))
	f.tools["file_operations"].fn = func(p map[string]any) (*tools.Result, error) {
		path := p["path"].(string)
		return &tools.Result{Output: "created " + path}, os.WriteFile(path, []byte("x"), 0o600)
	}
	f.tools["execute_command"].fn = shellTool

	for _, name := range names {
		res := f.orch.Process(context.Background(), "create "+name, domain.SourceCLI)
		require.Equal(t, domain.OutcomeSuccess, res.Outcome, name)
		require.FileExists(t, filepath.Join(dir, name))
	}
	assert.Equal(t, []string{"rm -f -- '" + filepath.Join(dir, "keep copy") + "'"},
		f.orch.History().Entries()[0].RollbackCommands)

	// Rollback skips confirmation, so a denying approver changes nothing.
	f.orch.WithApprover(approval.Denier{})
	reports, err := f.orch.Rollback(context.Background(), len(names))
	require.NoError(t, err)
	require.Len(t, reports, len(names))
	for _, r := range reports {
		assert.Equal(t, history.StatusRolledBack, r.Status, r.Message)
	}
	for _, name := range names {
		assert.NoFileExists(t, filepath.Join(dir, name))
	}
	assert.FileExists(t, keep)
	assert.NoFileExists(t, filepath.Join(dir, "pwned"))
	assert.NoFileExists(t, "pwned")
	assert.Zero(t, f.orch.History().Len())
}

func TestRollback_InvalidCountLeavesHistory(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"status": {ToolCalls: []tools.Call{call("get_system_info", nil)}},
	}}
	f := newFixture(t, interp, nil)
	f.orch.Process(context.Background(), "status", domain.SourceCLI)

	for _, n := range []int{0, -1, 2} {
		_, err := f.orch.Rollback(context.Background(), n)
		assert.ErrorIs(t, err, history.ErrInvalidRollbackCount)
	}
	assert.Equal(t, 1, f.orch.History().Len())
}

func TestRollback_BlockedCommandRefused(t *testing.T) {
	f := newFixture(t, &scriptedInterpreter{}, nil)
	_, err := f.orch.runRollbackCommand(context.Background(), "mkfs.ext4 /dev/sda1")
	assert.ErrorIs(t, err, security.ErrBlocked)
	assert.Zero(t, f.tools["execute_command"].calls.Load())
}

func TestProcess_Fallbacks(t *testing.T) {
	t.Run("unparseable reply", func(t *testing.T) {
		f := newFixture(t, &scriptedInterpreter{}, nil)
		res := f.orch.Process(context.Background(), "do something vague", domain.SourceCLI)
		assert.Equal(t, domain.OutcomeFailed, res.Outcome)
		assert.Contains(t, res.Output, "no tools were run")
		assert.Contains(t, res.Output, "no idea")
		assert.Equal(t, 1, f.orch.History().Len())
	})

	t.Run("interpreter error", func(t *testing.T) {
		f := newFixture(t, &scriptedInterpreter{err: errors.New("quota exceeded")}, nil)
		res := f.orch.Process(context.Background(), "status", domain.SourceCLI)
		assert.Equal(t, domain.OutcomeFailed, res.Outcome)
		assert.Contains(t, res.Output, "quota exceeded")
	})

	t.Run("panic recovered", func(t *testing.T) {
		f := newFixture(t, &scriptedInterpreter{panic: true}, nil)
		res := f.orch.Process(context.Background(), "status", domain.SourceCLI)
		assert.Equal(t, domain.OutcomeFailed, res.Outcome)
		assert.Contains(t, res.Output, "interpreter exploded")
	})

	t.Run("answer without tools", func(t *testing.T) {
		interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
			"hello": {Content: "Hi, how can I help?"},
		}}
		f := newFixture(t, interp, nil)
		res := f.orch.Process(context.Background(), "hello", domain.SourceCLI)
		assert.Equal(t, domain.OutcomeSuccess, res.Outcome)
		assert.Equal(t, "Hi, how can I help?", res.Output)
	})
}

func TestProcess_FallbackErrorLogged(t *testing.T) {
	var buf bytes.Buffer
	f := newFixture(t, &scriptedInterpreter{}, nil)
	f.orch.logger = slog.New(slog.NewTextHandler(&buf, nil))

	res := f.orch.Process(context.Background(), "do something vague", domain.SourceCLI)

	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	assert.Contains(t, buf.String(), oracle.ErrParseFallback.Error())
}

func TestProcess_Validation(t *testing.T) {
	f := newFixture(t, &scriptedInterpreter{}, nil)

	for _, text := range []string{"", "   ", strings.Repeat("a", MaxRequestBytes+1)} {
		res := f.orch.Process(context.Background(), text, domain.SourceHTTP)
		assert.Equal(t, domain.OutcomeFailed, res.Outcome)
		assert.Contains(t, res.Output, "invalid text")
	}
	assert.Zero(t, f.orch.History().Len(), "rejected requests are not recorded")

	var verr *ValidationError
	assert.ErrorAs(t, ValidateRequest(""), &verr)
	assert.NoError(t, ValidateRequest("show disk usage"))
}

func TestProcess_CanceledContextNotRecorded(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"status": {ToolCalls: []tools.Call{call("get_system_info", nil)}},
	}}
	f := newFixture(t, interp, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := f.orch.Process(ctx, "status", domain.SourceCLI)

	assert.Equal(t, domain.OutcomeCancelled, res.Outcome)
	assert.Zero(t, f.tools["get_system_info"].calls.Load(), "canceled request must not start tools")
	assert.Zero(t, f.orch.History().Len())
}

func TestProcess_CanceledAfterExecutionStillRecorded(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"stop nginx": {ToolCalls: []tools.Call{
			call("manage_service", map[string]any{"service_name": "nginx", "action": "stop"}),
			call("get_system_info", nil),
		}},
	}}
	f := newFixture(t, interp, approval.NewAutoApprover(nil, discardLogger()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.tools["manage_service"].fn = func(map[string]any) (*tools.Result, error) {
		cancel()
		return &tools.Result{Output: "stopped"}, nil
	}

	res := f.orch.Process(ctx, "stop nginx", domain.SourceHTTP)

	assert.Equal(t, int32(1), f.tools["manage_service"].calls.Load())
	assert.Zero(t, f.tools["get_system_info"].calls.Load(), "no new steps after cancellation")
	require.Equal(t, domain.OutcomeSuccess, res.Outcome)
	require.Equal(t, 1, f.orch.History().Len())
	assert.Equal(t, []string{"systemctl start nginx"}, f.orch.History().Entries()[0].RollbackCommands)
	assert.Equal(t, "success", f.auditor.all()[0].Result)
}

func TestProcess_ProviderUnavailableStops(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"two steps": {ToolCalls: []tools.Call{
			call("get_system_info", nil),
			call("get_system_info", map[string]any{"detailed": true}),
		}},
	}}
	logger := discardLogger()
	orch := NewOrchestrator(interp, tools.NewExecutor(nil, time.Second, logger), logger)

	res := orch.Process(context.Background(), "two steps", domain.SourceCLI)

	assert.Equal(t, domain.OutcomeFailed, res.Outcome)
	require.Len(t, res.Steps, 1, "a missing provider ends the request")
	assert.Contains(t, res.Steps[0].Error, tools.ErrProviderUnavailable.Error())
}

func TestExecuteCall_NotRecorded(t *testing.T) {
	f := newFixture(t, &scriptedInterpreter{}, nil)

	step, err := f.orch.ExecuteCall(context.Background(), call("get_system_info", nil), domain.SourceMonitor)

	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeSuccess, step.Outcome)
	assert.Equal(t, "get_system_info ok", step.Output)
	assert.Zero(t, f.orch.History().Len())
	assert.Equal(t, "monitor", f.auditor.all()[0].Source)
}

func TestAggregate(t *testing.T) {
	steps := func(outcomes ...domain.Outcome) []domain.StepResult {
		out := make([]domain.StepResult, len(outcomes))
		for i, o := range outcomes {
			out[i].Outcome = o
		}
		return out
	}
	assert.Equal(t, domain.OutcomeSuccess, aggregate(steps(domain.OutcomeSuccess, domain.OutcomeSuccess)))
	assert.Equal(t, domain.OutcomeCancelled, aggregate(steps(domain.OutcomeSuccess, domain.OutcomeCancelled)))
	assert.Equal(t, domain.OutcomeFailed, aggregate(steps(domain.OutcomeCancelled, domain.OutcomeFailed)))
	assert.Equal(t, domain.OutcomeBlocked, aggregate(steps(domain.OutcomeFailed, domain.OutcomeBlocked, domain.OutcomeSuccess)))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, &scriptedInterpreter{}, nil)
	st := f.orch.Status(context.Background())
	assert.True(t, st.ProviderConnected)
	assert.Equal(t, 4, st.ToolCount)
	assert.True(t, st.RiskAssessment)
	assert.True(t, st.RequireConfirmation)
}

// stubCompleter answers by looking up the request text in the prompt.
type stubCompleter struct {
	replies map[string]string
}

func (s *stubCompleter) Name() string { return "stub" }
func (s *stubCompleter) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	for text, reply := range s.replies {
		if strings.Contains(req.Prompt, "User Request: "+text) {
			return &llm.Response{Text: reply}, nil
		}
	}
	return &llm.Response{Text: "I cannot help with that."}, nil
}

func TestBatch_OneUnparseableOfThree(t *testing.T) {
	logger := discardLogger()
	registry := tools.NewRegistry()
	sysinfo := &fakeTool{name: "get_system_info"}
	registry.Register(sysinfo)

	completer := &stubCompleter{replies: map[string]string{
		"check cpu":    `{"content":"cpu","tool_calls":[{"name":"get_system_info","arguments":{}}],"confidence":0.9,"risk_level":"low"}`,
		"check memory": `{"content":"mem","tool_calls":[{"name":"get_system_info","arguments":{"detailed":true}}],"confidence":0.9,"risk_level":"low"}`,
		"gibberish":    "Sorry, I am not sure what you mean.",
	}}
	orc := oracle.New(completer, registry, logger, oracle.WithContextTool(""))
	orch := NewOrchestrator(orc, tools.NewExecutor(registry, time.Second, logger), logger).
		WithBatchConcurrency(3)

	requests, err := ParseBatch(strings.NewReader("# nightly checks\ncheck cpu\n\ngibberish\ncheck memory\n"))
	require.NoError(t, err)
	require.Equal(t, []string{"check cpu", "gibberish", "check memory"}, requests)

	summary := orch.Batch(context.Background(), requests, domain.SourceBatch)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Succeeded)
	require.Len(t, summary.Results, 3)
	assert.True(t, summary.Results[0].Success)
	assert.False(t, summary.Results[1].Success)
	assert.True(t, summary.Results[2].Success)
	assert.Equal(t, int32(2), sysinfo.calls.Load())
	assert.Equal(t, 3, orch.History().Len())
}

type recordingNotifier struct {
	mu        sync.Mutex
	recorded  []domain.OperationResult
	rollbacks int
}

func (n *recordingNotifier) OperationRecorded(_ domain.OperationRequest, r domain.OperationResult) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recorded = append(n.recorded, r)
}

func (n *recordingNotifier) RolledBack([]history.Report) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.rollbacks++
}

func TestNotifier_SeesRecordsAndRollbacks(t *testing.T) {
	interp := &scriptedInterpreter{intents: map[string]*oracle.Intent{
		"info": {Content: "ok", ToolCalls: []tools.Call{call("get_system_info", nil)}},
	}}
	f := newFixture(t, interp, nil)
	n := &recordingNotifier{}
	f.orch.WithNotifier(n)
	ctx := context.Background()

	res := f.orch.Process(ctx, "info", domain.SourceCLI)
	require.True(t, res.Success)
	_, err := f.orch.Rollback(ctx, 1)
	require.NoError(t, err)

	require.Len(t, n.recorded, 1)
	assert.Equal(t, res.ID, n.recorded[0].ID)
	assert.Equal(t, 1, n.rollbacks)
}
