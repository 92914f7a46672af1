package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkaninda/opsgate/internal/tools"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type greetTool struct{}

func (greetTool) Name() string        { return "greet" }
func (greetTool) Description() string { return "greets someone" }
func (greetTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{"type": "string"},
		},
		"required": []string{"name"},
	}
}
func (greetTool) Validate(p map[string]any) error {
	if _, ok := p["name"].(string); !ok {
		return errors.New("name is required")
	}
	return nil
}
func (greetTool) Execute(_ context.Context, p map[string]any) (*tools.Result, error) {
	name := p["name"].(string)
	switch name {
	case "fail":
		return &tools.Result{Output: "exit status 1", IsError: true}, nil
	case "slow":
		return nil, fmt.Errorf("%w: sandbox deadline", tools.ErrExecutionTimeout)
	}
	return &tools.Result{Output: "hello " + name}, nil
}

func newTestSession(t *testing.T) *Session {
	t.Helper()
	reg := tools.NewRegistry()
	reg.Register(greetTool{})

	srv, err := NewServer(reg, "test", discardLogger())
	require.NoError(t, err)
	c, err := mcpclient.NewInProcessClient(srv)
	require.NoError(t, err)

	s, err := Connect(context.Background(), c, "in-process", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSession_ListTools(t *testing.T) {
	s := newTestSession(t)

	defs, err := s.ListTools(context.Background())
	require.NoError(t, err)
	require.Len(t, defs, 1)
	assert.Equal(t, "greet", defs[0].Name)
	assert.Equal(t, "object", defs[0].InputSchema["type"])
	assert.Contains(t, defs[0].InputSchema, "properties")
}

func TestSession_CallTool(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	res, err := s.CallTool(ctx, "greet", map[string]any{"name": "ops"})
	require.NoError(t, err)
	assert.Equal(t, "hello ops", res.Output)
	assert.False(t, res.IsError)

	res, err = s.CallTool(ctx, "greet", map[string]any{"name": "fail"})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "exit status 1", res.Output)

	_, err = s.CallTool(ctx, "greet", map[string]any{})
	assert.ErrorIs(t, err, tools.ErrInvalidArguments)

	_, err = s.CallTool(ctx, "nope", nil)
	assert.ErrorIs(t, err, tools.ErrUnknownTool)
}

func TestSession_TimeoutThroughExecutor(t *testing.T) {
	s := newTestSession(t)
	exec := tools.NewExecutor(s, 0, discardLogger())

	_, err := exec.Execute(context.Background(), tools.Call{Name: "greet", Arguments: map[string]any{"name": "slow"}})
	assert.ErrorIs(t, err, tools.ErrExecutionTimeout)
}

func TestSession_ClosedIsUnavailable(t *testing.T) {
	s := newTestSession(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.CallTool(context.Background(), "greet", map[string]any{"name": "x"})
	assert.ErrorIs(t, err, tools.ErrProviderUnavailable)
	_, err = s.ListTools(context.Background())
	assert.ErrorIs(t, err, tools.ErrProviderUnavailable)
}

func TestDial_UnsupportedTransport(t *testing.T) {
	_, err := Dial(context.Background(), Config{Transport: "carrier-pigeon"}, discardLogger())
	assert.ErrorIs(t, err, tools.ErrProviderUnavailable)
}
