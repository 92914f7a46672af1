package system

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/jkaninda/opsgate/internal/sandbox"
	"github.com/jkaninda/opsgate/internal/tools"
)

var serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9_.@-]+$`)

var serviceActions = []string{"start", "stop", "restart", "status", "enable", "disable"}

// ServiceTool controls systemd units.
type ServiceTool struct {
	runner sandbox.Runner
	logger *slog.Logger
}

func (t *ServiceTool) Name() string { return ToolManageService }
func (t *ServiceTool) Description() string {
	return "Start, stop, restart, enable, disable or inspect a systemd service"
}
func (t *ServiceTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"service_name": stringProp("Name of the systemd service"),
			"action":       enumProp("Action to perform", serviceActions...),
		},
		"required": []string{"service_name", "action"},
	}
}

func (t *ServiceTool) Validate(params map[string]any) error {
	name, err := requireString(params, "service_name")
	if err != nil {
		return err
	}
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("invalid service name %q", name)
	}
	action, err := requireString(params, "action")
	if err != nil {
		return err
	}
	if !oneOf(action, serviceActions...) {
		return fmt.Errorf("invalid action %q", action)
	}
	return nil
}

func (t *ServiceTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	name, _ := requireString(params, "service_name")
	action, _ := requireString(params, "action")

	t.logger.InfoContext(ctx, "managing service",
		slog.String("service", name),
		slog.String("action", action),
	)

	args := []string{"systemctl", action, name}
	if action == "status" {
		args = []string{"systemctl", "status", "--no-pager", name}
	}
	res, err := run(ctx, t.runner, sandbox.Request{Command: args})
	if err != nil {
		return nil, err
	}
	// systemctl status exits non-zero for inactive units; that is information, not failure.
	if action == "status" {
		res.IsError = false
	}
	return res, nil
}

// LogsTool reads the systemd journal.
type LogsTool struct {
	runner sandbox.Runner
}

var logPriorities = []string{"emerg", "alert", "crit", "err", "warning", "notice", "info", "debug"}

func (t *LogsTool) Name() string        { return ToolCheckLogs }
func (t *LogsTool) Description() string { return "Read recent system or service logs from the journal" }
func (t *LogsTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"service":  stringProp("Restrict to this systemd unit"),
			"lines":    intProp("Number of lines to return", 50),
			"priority": enumProp("Minimum priority", logPriorities...),
		},
	}
}

func (t *LogsTool) Validate(params map[string]any) error {
	service, err := optionalString(params, "service", "")
	if err != nil {
		return err
	}
	if service != "" && !serviceNamePattern.MatchString(service) {
		return fmt.Errorf("invalid service name %q", service)
	}
	if _, err := optionalInt(params, "lines", 50, 1, 10000); err != nil {
		return err
	}
	priority, err := optionalString(params, "priority", "")
	if err != nil {
		return err
	}
	if priority != "" && !oneOf(priority, logPriorities...) {
		return fmt.Errorf("invalid priority %q", priority)
	}
	return nil
}

func (t *LogsTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	service, _ := optionalString(params, "service", "")
	lines, _ := optionalInt(params, "lines", 50, 1, 10000)
	priority, _ := optionalString(params, "priority", "")

	args := []string{"journalctl", "--no-pager", "-n", fmt.Sprint(lines)}
	if service != "" {
		args = append(args, "-u", service)
	}
	if priority != "" {
		args = append(args, "-p", priority)
	}
	return run(ctx, t.runner, sandbox.Request{Command: args})
}
