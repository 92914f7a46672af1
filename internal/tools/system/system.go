// Package system implements the local host tools: system information,
// processes, services, logs, files, network, disks and raw commands.
//
// Every subprocess runs through a sandbox.Runner, never directly.
package system

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/jkaninda/opsgate/internal/sandbox"
	"github.com/jkaninda/opsgate/internal/tools"
)

// Tool names, as exposed to the oracle and over MCP.
const (
	ToolSystemInfo         = "get_system_info"
	ToolMonitorProcesses   = "monitor_processes"
	ToolManageService      = "manage_service"
	ToolCheckLogs          = "check_logs"
	ToolFileOperations     = "file_operations"
	ToolNetworkDiagnostics = "network_diagnostics"
	ToolDiskManagement     = "disk_management"
	ToolExecuteCommand     = "execute_command"
)

// Config configures the local tool set.
type Config struct {
	// DiskPath is the filesystem reported by get_system_info. Default "/".
	DiskPath string
	// CommandTimeout bounds execute_command when the call sets no timeout.
	CommandTimeout time.Duration
}

// Register adds all local tools to reg.
func Register(reg *tools.Registry, runner sandbox.Runner, sampler Sampler, cfg Config, logger *slog.Logger) {
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 30 * time.Second
	}
	reg.Register(&InfoTool{sampler: sampler})
	reg.Register(&ProcessTool{sampler: sampler})
	reg.Register(&ServiceTool{runner: runner, logger: logger})
	reg.Register(&LogsTool{runner: runner})
	reg.Register(&FileTool{logger: logger})
	reg.Register(&NetworkTool{runner: runner, sampler: sampler})
	reg.Register(&DiskTool{runner: runner, sampler: sampler})
	reg.Register(&CommandTool{runner: runner, timeout: cfg.CommandTimeout, logger: logger})
}

// run executes req and turns the sandbox outcome into a tool result.
// A non-zero exit is a failed result, not an error.
func run(ctx context.Context, runner sandbox.Runner, req sandbox.Request) (*tools.Result, error) {
	res, err := runner.Run(ctx, req)
	if errors.Is(err, sandbox.ErrTimeout) {
		return nil, fmt.Errorf("%w: %v", tools.ErrExecutionTimeout, err)
	}
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}
	output := res.Combined()
	if output == "" && res.ExitCode == 0 {
		output = "(no output)"
	}
	meta := map[string]any{
		"exit_code": res.ExitCode,
		"duration":  res.Duration.String(),
	}
	if res.Truncated {
		output += "\n[output truncated]"
		meta["truncated"] = true
	}
	return &tools.Result{
		Output:   output,
		IsError:  res.ExitCode != 0,
		Metadata: meta,
	}, nil
}

// requireString extracts a required string parameter.
func requireString(params map[string]any, key string) (string, error) {
	v, ok := params[key]
	if !ok {
		return "", fmt.Errorf("missing required parameter: %s", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return "", fmt.Errorf("parameter %s must not be empty", key)
	}
	return s, nil
}

// optionalString returns the string parameter or def when absent.
func optionalString(params map[string]any, key, def string) (string, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("parameter %s must be a string, got %T", key, v)
	}
	if s == "" {
		return def, nil
	}
	return s, nil
}

// optionalInt accepts JSON numbers (float64) and Go ints.
func optionalInt(params map[string]any, key string, def, lo, hi int) (int, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return def, nil
	}
	var n int
	switch x := v.(type) {
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("parameter %s must be an integer", key)
		}
		n = int(x)
	case int:
		n = x
	case int64:
		n = int(x)
	default:
		return 0, fmt.Errorf("parameter %s must be a number, got %T", key, v)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("parameter %s must be between %d and %d", key, lo, hi)
	}
	return n, nil
}

func optionalBool(params map[string]any, key string) (bool, error) {
	v, ok := params[key]
	if !ok || v == nil {
		return false, nil
	}
	b, ok := v.(bool)
	if !ok {
		return false, fmt.Errorf("parameter %s must be a boolean, got %T", key, v)
	}
	return b, nil
}

func oneOf(value string, allowed ...string) bool {
	for _, a := range allowed {
		if value == a {
			return true
		}
	}
	return false
}

func enumProp(description string, values ...string) map[string]any {
	return map[string]any{"type": "string", "enum": values, "description": description}
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func intProp(description string, def int) map[string]any {
	return map[string]any{"type": "integer", "description": description, "default": def}
}
