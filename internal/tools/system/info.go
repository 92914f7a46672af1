package system

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/jkaninda/opsgate/internal/tools"
)

// InfoTool reports CPU, memory and disk utilization.
type InfoTool struct {
	sampler Sampler
}

func (t *InfoTool) Name() string { return ToolSystemInfo }
func (t *InfoTool) Description() string {
	return "Get current system information: hostname, uptime, CPU, memory and disk usage"
}
func (t *InfoTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"detailed": map[string]any{"type": "boolean", "description": "Include swap, mounts and network interfaces", "default": false},
		},
	}
}

func (t *InfoTool) Validate(params map[string]any) error {
	_, err := optionalBool(params, "detailed")
	return err
}

// Execute returns the snapshot as indented JSON.
func (t *InfoTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	detailed, _ := optionalBool(params, "detailed")
	snap, err := t.sampler.Sample(ctx, detailed)
	if err != nil {
		return nil, fmt.Errorf("sampling system: %w", err)
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	return &tools.Result{Output: string(data)}, nil
}

// ProcessTool lists running processes.
type ProcessTool struct {
	sampler Sampler
}

func (t *ProcessTool) Name() string { return ToolMonitorProcesses }
func (t *ProcessTool) Description() string {
	return "List running processes, optionally filtered by name and sorted by cpu, memory, pid or name"
}
func (t *ProcessTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"filter_name": stringProp("Only include processes whose name contains this text"),
			"sort_by":     enumProp("Sort order", "cpu", "memory", "pid", "name"),
			"limit":       intProp("Maximum number of processes to return", 10),
		},
	}
}

func (t *ProcessTool) Validate(params map[string]any) error {
	if _, err := optionalString(params, "filter_name", ""); err != nil {
		return err
	}
	sortBy, err := optionalString(params, "sort_by", "cpu")
	if err != nil {
		return err
	}
	if !oneOf(sortBy, "cpu", "memory", "pid", "name") {
		return fmt.Errorf("invalid sort_by %q", sortBy)
	}
	_, err = optionalInt(params, "limit", 10, 1, 1000)
	return err
}

func (t *ProcessTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	filter, _ := optionalString(params, "filter_name", "")
	sortBy, _ := optionalString(params, "sort_by", "cpu")
	limit, _ := optionalInt(params, "limit", 10, 1, 1000)

	procs, err := t.sampler.Processes(ctx)
	if err != nil {
		return nil, err
	}
	procs = filterProcesses(procs, filter)
	sortProcesses(procs, sortBy)
	if len(procs) > limit {
		procs = procs[:limit]
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%-8s %-20s %-5s %7s %10s\n", "PID", "NAME", "STATE", "CPU%", "RSS(MB)")
	for _, p := range procs {
		fmt.Fprintf(&sb, "%-8d %-20s %-5s %7.1f %10.1f\n", p.PID, p.Name, p.State, p.CPUPercent, float64(p.RSSBytes)/(1<<20))
	}
	fmt.Fprintf(&sb, "%d process(es)", len(procs))
	return &tools.Result{Output: sb.String(), Metadata: map[string]any{"count": len(procs)}}, nil
}

func filterProcesses(procs []ProcessInfo, filter string) []ProcessInfo {
	if filter == "" {
		return procs
	}
	filter = strings.ToLower(filter)
	out := procs[:0]
	for _, p := range procs {
		if strings.Contains(strings.ToLower(p.Name), filter) {
			out = append(out, p)
		}
	}
	return out
}

func sortProcesses(procs []ProcessInfo, by string) {
	sort.SliceStable(procs, func(i, j int) bool {
		switch by {
		case "memory":
			return procs[i].RSSBytes > procs[j].RSSBytes
		case "pid":
			return procs[i].PID < procs[j].PID
		case "name":
			return procs[i].Name < procs[j].Name
		default:
			return procs[i].CPUPercent > procs[j].CPUPercent
		}
	})
}
