package system

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jkaninda/opsgate/internal/sandbox"
	"github.com/jkaninda/opsgate/internal/tools"
)

var networkOperations = []string{"ping", "traceroute", "netstat", "ss", "iptables_list", "interfaces"}

// hostPattern accepts hostnames, IPv4 and IPv6 literals.
var hostPattern = regexp.MustCompile(`^[a-zA-Z0-9.:-]+$`)

// NetworkTool runs read-only network diagnostics.
type NetworkTool struct {
	runner  sandbox.Runner
	sampler Sampler
}

func (t *NetworkTool) Name() string { return ToolNetworkDiagnostics }
func (t *NetworkTool) Description() string {
	return "Network diagnostics: ping or traceroute a host, list listening sockets, firewall rules or interfaces"
}
func (t *NetworkTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": enumProp("Diagnostic to run", networkOperations...),
			"target":    stringProp("Host for ping and traceroute"),
			"count":     intProp("Ping count", 4),
		},
		"required": []string{"operation"},
	}
}

func (t *NetworkTool) Validate(params map[string]any) error {
	op, err := requireString(params, "operation")
	if err != nil {
		return err
	}
	if !oneOf(op, networkOperations...) {
		return fmt.Errorf("invalid operation %q", op)
	}
	if op == "ping" || op == "traceroute" {
		target, err := requireString(params, "target")
		if err != nil {
			return err
		}
		if !hostPattern.MatchString(target) || strings.HasPrefix(target, "-") {
			return fmt.Errorf("invalid target %q", target)
		}
	}
	_, err = optionalInt(params, "count", 4, 1, 100)
	return err
}

func (t *NetworkTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	op, _ := requireString(params, "operation")
	target, _ := optionalString(params, "target", "")
	count, _ := optionalInt(params, "count", 4, 1, 100)

	var args []string
	switch op {
	case "ping":
		args = []string{"ping", "-c", fmt.Sprint(count), target}
	case "traceroute":
		args = []string{"traceroute", target}
	case "netstat":
		args = []string{"netstat", "-tuln"}
	case "ss":
		args = []string{"ss", "-tuln"}
	case "iptables_list":
		args = []string{"iptables", "-L", "-n"}
	case "interfaces":
		return t.interfaces(ctx)
	}
	return run(ctx, t.runner, sandbox.Request{Command: args})
}

func (t *NetworkTool) interfaces(ctx context.Context) (*tools.Result, error) {
	ifaces, err := t.sampler.Interfaces(ctx)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%-16s %15s %15s\n", "INTERFACE", "RX BYTES", "TX BYTES")
	for _, i := range ifaces {
		fmt.Fprintf(&sb, "%-16s %15d %15d\n", i.Name, i.RxBytes, i.TxBytes)
	}
	return &tools.Result{Output: strings.TrimRight(sb.String(), "\n")}, nil
}
