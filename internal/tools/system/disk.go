package system

import (
	"context"
	"fmt"
	"strings"

	"github.com/jkaninda/opsgate/internal/sandbox"
	"github.com/jkaninda/opsgate/internal/tools"
)

var diskOperations = []string{"usage", "free", "mount", "unmount", "fsck"}

// DiskTool inspects and manages filesystems.
type DiskTool struct {
	runner  sandbox.Runner
	sampler Sampler
}

func (t *DiskTool) Name() string { return ToolDiskManagement }
func (t *DiskTool) Description() string {
	return "Disk usage for a path, memory and swap usage, list or change mounts, or a read-only fsck"
}
func (t *DiskTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"operation": enumProp("Operation to perform", diskOperations...),
			"path":      stringProp("Filesystem path or mount point"),
			"device":    stringProp("Block device, e.g. /dev/sdb1"),
		},
		"required": []string{"operation"},
	}
}

func (t *DiskTool) Validate(params map[string]any) error {
	op, err := requireString(params, "operation")
	if err != nil {
		return err
	}
	if !oneOf(op, diskOperations...) {
		return fmt.Errorf("invalid operation %q", op)
	}
	path, err := optionalString(params, "path", "")
	if err != nil {
		return err
	}
	device, err := optionalString(params, "device", "")
	if err != nil {
		return err
	}
	if strings.HasPrefix(path, "-") || strings.HasPrefix(device, "-") {
		return fmt.Errorf("path and device must not start with '-'")
	}
	switch op {
	case "unmount":
		if path == "" {
			return fmt.Errorf("unmount requires path")
		}
	case "fsck":
		if device == "" {
			return fmt.Errorf("fsck requires device")
		}
	case "mount":
		if (device == "") != (path == "") {
			return fmt.Errorf("mount requires both device and path, or neither to list mounts")
		}
	}
	return nil
}

func (t *DiskTool) Execute(ctx context.Context, params map[string]any) (*tools.Result, error) {
	op, _ := requireString(params, "operation")
	path, _ := optionalString(params, "path", "/")
	device, _ := optionalString(params, "device", "")

	switch op {
	case "usage":
		d, err := t.sampler.DiskUsage(path)
		if err != nil {
			return &tools.Result{Output: err.Error(), IsError: true}, nil
		}
		return &tools.Result{Output: fmt.Sprintf("%s: %.1f GiB total, %.1f GiB free, %.1f%% used",
			d.Path, gib(d.TotalBytes), gib(d.FreeBytes), d.Percent)}, nil
	case "free":
		return run(ctx, t.runner, sandbox.Request{Command: []string{"free", "-h"}})
	case "mount":
		if device == "" {
			return t.listMounts(ctx)
		}
		return run(ctx, t.runner, sandbox.Request{Command: []string{"mount", device, path}})
	case "unmount":
		return run(ctx, t.runner, sandbox.Request{Command: []string{"umount", path}})
	default:
		// -n answers no to every repair prompt.
		return run(ctx, t.runner, sandbox.Request{Command: []string{"fsck", "-n", device}})
	}
}

func (t *DiskTool) listMounts(ctx context.Context) (*tools.Result, error) {
	mounts, err := t.sampler.Mounts(ctx)
	if err != nil {
		return nil, err
	}
	var sb strings.Builder
	for _, m := range mounts {
		fmt.Fprintf(&sb, "%s on %s type %s\n", m.Device, m.MountPoint, m.FSType)
	}
	return &tools.Result{Output: strings.TrimRight(sb.String(), "\n")}, nil
}

func gib(b uint64) float64 { return float64(b) / (1 << 30) }
