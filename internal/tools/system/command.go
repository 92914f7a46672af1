package system

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/opsgate/internal/sandbox"
	"github.com/jkaninda/opsgate/internal/tools"
)

// CommandTool runs an arbitrary shell command through the sandbox.
type CommandTool struct {
	runner  sandbox.Runner
	timeout time.Duration
	logger  *slog.Logger
}

func (t *CommandTool) Name() string        { return ToolExecuteCommand }
func (t *CommandTool) Description() string { return "Execute a shell command on the host" }
func (t *CommandTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command":     stringProp("The shell command to execute"),
			"working_dir": stringProp("Working directory"),
			"timeout":     intProp("Timeout in seconds", 30),
		},
		"required": []string{"command"},
	}
}

func (t *CommandTool) Validate(params map[string]any) error {
	if _, err := requireString(params, "command"); err != nil {
		return err
	}
	if _, err := optionalString(params, "working_dir", ""); err != nil {
		return err
	}
	_, err := optionalInt(params, "timeout", 0, 1, 3600)
	return err
}

func (t *CommandTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	command, _ := requireString(params, "command")
	dir, _ := optionalString(params, "working_dir", "")
	seconds, _ := optionalInt(params, "timeout", 0, 1, 3600)

	timeout := t.timeout
	if seconds > 0 {
		timeout = time.Duration(seconds) * time.Second
	}
	if dir == "" {
		// Commands run where the operator expects, not in a scratch directory.
		dir, _ = os.Getwd()
	}

	t.logger.InfoContext(ctx, "executing command",
		slog.String("command", command),
		slog.String("dir", dir),
	)
	return run(ctx, t.runner, sandbox.Request{
		Command:    []string{command},
		Shell:      true,
		WorkingDir: dir,
		Timeout:    timeout,
	})
}
