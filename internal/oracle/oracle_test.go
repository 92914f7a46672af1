package oracle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/llm"
	"github.com/jkaninda/opsgate/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubCompleter struct {
	reply string
	err   error
	last  *llm.Request
}

func (s *stubCompleter) Name() string { return "stub" }

func (s *stubCompleter) Complete(_ context.Context, req *llm.Request) (*llm.Response, error) {
	s.last = req
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Text: s.reply}, nil
}

type staticTool struct {
	name   string
	output string
	calls  int
}

func (t *staticTool) Name() string        { return t.name }
func (t *staticTool) Description() string { return "describes " + t.name }
func (t *staticTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"detailed": map[string]any{"type": "boolean"},
			"target":   map[string]any{"type": "string"},
		},
		"required": []string{"target"},
	}
}
func (t *staticTool) Validate(map[string]any) error { return nil }
func (t *staticTool) Execute(context.Context, map[string]any) (*tools.Result, error) {
	t.calls++
	return &tools.Result{Output: t.output}, nil
}

func TestParse(t *testing.T) {
	tests := []struct {
		name       string
		reply      string
		fallback   bool
		confidence float64
		risk       string
		calls      int
	}{
		{
			name:       "structured",
			reply:      `{"content":"restarting","tool_calls":[{"name":"manage_service","arguments":{"service_name":"nginx","action":"restart"}}],"confidence":0.9,"risk_level":"high"}`,
			confidence: 0.9,
			risk:       "high",
			calls:      1,
		},
		{
			name:       "fenced",
			reply:      "```json\n{\"content\":\"ok\",\"tool_calls\":[],\"confidence\":0.95,\"risk_level\":\"low\"}\n```",
			confidence: 0.95,
			risk:       "low",
		},
		{
			name:       "trailing comma is repaired",
			reply:      `{"content":"ok","tool_calls":[],"confidence":0.5,"risk_level":"low",}`,
			confidence: 0.5,
			risk:       "low",
		},
		{
			name:       "plain text",
			reply:      "Your disk looks fine.",
			fallback:   true,
			confidence: 0.8,
			risk:       "low",
		},
		{
			name:       "object of the wrong shape",
			reply:      `{"content":"x","tool_calls":"not a list"}`,
			fallback:   true,
			confidence: 0.7,
			risk:       "medium",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			intent := Parse(tt.reply)
			assert.Equal(t, tt.fallback, intent.Fallback)
			assert.InDelta(t, tt.confidence, intent.Confidence, 1e-9)
			assert.Equal(t, tt.risk, intent.RiskLevel)
			assert.Len(t, intent.ToolCalls, tt.calls)
			if tt.fallback {
				assert.ErrorIs(t, intent.Err(), ErrParseFallback)
				assert.Equal(t, strings.TrimSpace(tt.reply), intent.Content)
			} else {
				assert.NoError(t, intent.Err())
			}
		})
	}
}

func TestParse_NilArgumentsBecomeEmpty(t *testing.T) {
	intent := Parse(`{"content":"","tool_calls":[{"name":"get_system_info"}]}`)
	require.Len(t, intent.ToolCalls, 1)
	assert.NotNil(t, intent.ToolCalls[0].Arguments)
}

func TestBuildPrompt(t *testing.T) {
	defs := []tools.Definition{{
		Name:        "check_logs",
		Description: "read the journal",
		InputSchema: map[string]any{
			"properties": map[string]any{"service": map[string]any{}, "lines": map[string]any{}},
			"required":   []any{"service"},
		},
	}}

	system, prompt := BuildPrompt(defs, "show nginx logs", `{"cpu":1}`)
	assert.Contains(t, system, "- check_logs: read the journal")
	assert.Contains(t, system, "parameters: lines, service (required)")
	assert.Contains(t, system, `"risk_level": "low|medium|high"`)
	assert.Equal(t, "User Request: show nginx logs\nContext: {\"cpu\":1}", prompt)

	_, prompt = BuildPrompt(nil, "hi", "")
	assert.Equal(t, "User Request: hi", prompt)
}

func TestOracle_Interpret(t *testing.T) {
	reg := tools.NewRegistry()
	info := &staticTool{name: "get_system_info", output: `{"hostname":"web-1"}`}
	reg.Register(info)

	c := &stubCompleter{reply: `{"content":"checking","tool_calls":[{"name":"get_system_info","arguments":{}}],"confidence":0.9,"risk_level":"low"}`}
	o := New(c, reg, discardLogger())

	intent, err := o.Interpret(context.Background(), "how is the host?")
	require.NoError(t, err)
	assert.False(t, intent.Fallback)
	require.Len(t, intent.ToolCalls, 1)
	assert.Equal(t, "get_system_info", intent.ToolCalls[0].Name)

	require.NotNil(t, c.last)
	assert.True(t, c.last.JSONMode)
	assert.Contains(t, c.last.Prompt, `Context: {"hostname":"web-1"}`)
	assert.Contains(t, c.last.SystemPrompt, "- get_system_info:")
	assert.Equal(t, 1, info.calls)
}

func TestOracle_InterpretWithoutContextTool(t *testing.T) {
	reg := tools.NewRegistry()
	info := &staticTool{name: "get_system_info", output: "{}"}
	reg.Register(info)

	c := &stubCompleter{reply: "plain answer"}
	intent, err := New(c, reg, discardLogger(), WithContextTool("")).Interpret(context.Background(), "hello")
	require.NoError(t, err)
	assert.True(t, intent.Fallback)
	assert.Equal(t, 0, info.calls)
	assert.NotContains(t, c.last.Prompt, "Context:")
}

func TestOracle_CompleterError(t *testing.T) {
	boom := errors.New("quota exceeded")
	_, err := New(&stubCompleter{err: boom}, nil, discardLogger()).Interpret(context.Background(), "x")
	assert.ErrorIs(t, err, boom)

	_, err = New(nil, nil, discardLogger()).Interpret(context.Background(), "x")
	assert.Error(t, err)
}

// hangingProvider lists one tool and never answers a call until the
// context ends.
type hangingProvider struct{}

func (hangingProvider) ListTools(context.Context) ([]tools.Definition, error) {
	return []tools.Definition{{Name: "get_system_info", Description: "host facts"}}, nil
}

func (hangingProvider) CallTool(ctx context.Context, _ string, _ map[string]any) (*tools.Result, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestOracle_ContextToolIsBounded(t *testing.T) {
	reply := `{"content":"ok","tool_calls":[],"confidence":0.9,"risk_level":"low"}`

	t.Run("lookup timeout", func(t *testing.T) {
		c := &stubCompleter{reply: reply}
		o := New(c, hangingProvider{}, discardLogger(), WithLookupTimeout(20*time.Millisecond))

		start := time.Now()
		_, err := o.Interpret(context.Background(), "status")
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.NotContains(t, c.last.Prompt, "Context:")
	})

	t.Run("executor timeout", func(t *testing.T) {
		c := &stubCompleter{reply: reply}
		exec := tools.NewExecutor(hangingProvider{}, 20*time.Millisecond, discardLogger())
		o := New(c, hangingProvider{}, discardLogger(), WithExecutor(exec))

		start := time.Now()
		_, err := o.Interpret(context.Background(), "status")
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 2*time.Second)
		assert.NotContains(t, c.last.Prompt, "Context:")
	})
}
