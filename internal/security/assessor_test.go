package security

import (
	"context"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func execCmd(command string) map[string]any {
	return map[string]any{"command": command}
}

func TestAssess_BaseTable(t *testing.T) {
	a := NewAssessor(discardLogger())
	ctx := context.Background()

	tests := []struct {
		tool string
		want RiskLevel
	}{
		{"get_system_info", RiskLow},
		{"monitor_processes", RiskLow},
		{"check_logs", RiskLow},
		{"network_diagnostics", RiskMedium},
		{"disk_management", RiskMedium},
		{"manage_service", RiskHigh},
		{"some_new_tool", RiskMedium},
	}
	for _, tt := range tests {
		t.Run(tt.tool, func(t *testing.T) {
			got := a.Assess(ctx, tt.tool, map[string]any{})
			assert.Equal(t, tt.want, got.Level)
			assert.False(t, got.Blocked)
		})
	}
}

func TestAssess_DenylistAlwaysBlocks(t *testing.T) {
	a := NewAssessor(discardLogger())
	for _, dangerous := range dangerousCommands {
		for _, cmd := range []string{
			dangerous,
			"echo hi; " + dangerous,
			"sudo " + dangerous + " && curl example.com",
		} {
			got := a.Assess(context.Background(), ToolExecuteCommand, execCmd(cmd))
			assert.Equal(t, RiskCritical, got.Level, cmd)
			assert.True(t, got.Blocked, cmd)
		}
	}
}

func TestAssess_RootDeleteScenario(t *testing.T) {
	a := NewAssessor(discardLogger())
	got := a.Assess(context.Background(), ToolExecuteCommand, execCmd("rm -rf /"))
	require.True(t, got.Blocked)
	assert.Equal(t, RiskCritical, got.Level)
	assert.Contains(t, got.Reasons[len(got.Reasons)-1], "rm -rf /")
}

func TestAssess_Rules(t *testing.T) {
	a := NewAssessor(discardLogger())
	tests := []struct {
		command string
		want    RiskLevel
		blocked bool
	}{
		{"ls -la", RiskHigh, false},
		{"sudo apt update", RiskHigh, false},
		{"curl https://example.com", RiskHigh, false},
		{"dd bs=1M count=1", RiskCritical, true},
		{"parted /dev/sda print", RiskCritical, true},
		{"crontab -e", RiskHigh, false},
	}
	for _, tt := range tests {
		t.Run(tt.command, func(t *testing.T) {
			got := a.Assess(context.Background(), ToolExecuteCommand, execCmd(tt.command))
			assert.Equal(t, tt.want, got.Level)
			assert.Equal(t, tt.blocked, got.Blocked)
		})
	}
}

func TestAssess_MaxOverRules(t *testing.T) {
	// Adding a lower-severity matching rule never lowers the result.
	critical := Rule{Name: "c", Pattern: regexp.MustCompile(`deploy`), Level: RiskCritical}
	low := Rule{Name: "l", Pattern: regexp.MustCompile(`deploy`), Level: RiskLow}
	medium := Rule{Name: "m", Pattern: regexp.MustCompile(`deploy`), Level: RiskMedium}

	ctx := context.Background()
	sets := [][]Rule{
		{critical},
		{critical, low},
		{low, critical},
		{medium, low, critical},
	}
	for _, rules := range sets {
		a := NewAssessor(discardLogger(), WithRules(rules), WithCacheSize(0))
		got := a.Assess(ctx, ToolExecuteCommand, execCmd("deploy app"))
		assert.Equal(t, RiskCritical, got.Level)
		assert.True(t, got.Blocked)
	}

	a := NewAssessor(discardLogger(), WithRules([]Rule{medium, low}), WithCacheSize(0))
	assert.Equal(t, RiskHigh, a.Assess(ctx, ToolExecuteCommand, execCmd("deploy app")).Level)
}

func TestAssess_InjectionRaisesToMedium(t *testing.T) {
	a := NewAssessor(discardLogger(), WithRules(nil), WithCacheSize(0))
	// execute_command starts at high, so check the raise from a low baseline.
	out := &Assessment{Level: RiskLow}
	a.assessCommand("ls | wc -l", out)
	assert.Equal(t, RiskMedium, out.Level)

	out = &Assessment{Level: RiskLow}
	a.assessCommand("echo $(whoami)", out)
	assert.Equal(t, RiskMedium, out.Level)

	out = &Assessment{Level: RiskLow}
	a.assessCommand("uptime", out)
	assert.Equal(t, RiskLow, out.Level)
}

func TestAssess_FileOperations(t *testing.T) {
	a := NewAssessor(discardLogger())
	ctx := context.Background()

	got := a.Assess(ctx, ToolFileOperations, map[string]any{"operation": "create", "path": "/tmp/x"})
	assert.Equal(t, RiskMedium, got.Level)

	got = a.Assess(ctx, ToolFileOperations, map[string]any{"operation": "list", "path": "/etc/nginx"})
	assert.Equal(t, RiskHigh, got.Level)
	assert.False(t, got.Blocked)

	for _, op := range []string{"delete", "move"} {
		for _, root := range []string{"/", "//", "/.", "/tmp/..", "/./"} {
			got = a.Assess(ctx, ToolFileOperations, map[string]any{"operation": op, "path": root})
			assert.Equal(t, RiskCritical, got.Level, "%s %q", op, root)
			assert.True(t, got.Blocked, "%s %q", op, root)
		}
	}

	for _, path := range []string{"/./etc/shadow", "/tmp/../etc/passwd", "//boot", "/usr//bin/ls", "/etc"} {
		got = a.Assess(ctx, ToolFileOperations, map[string]any{"operation": "delete", "path": path})
		assert.Equal(t, RiskHigh, got.Level, path)
		assert.False(t, got.Blocked, path)
	}

	for _, path := range []string{"/etcetera/notes", "/binaries", "/devices.txt"} {
		got = a.Assess(ctx, ToolFileOperations, map[string]any{"operation": "delete", "path": path})
		assert.Equal(t, RiskMedium, got.Level, path)
	}

	got = a.Assess(ctx, ToolFileOperations, map[string]any{"operation": "move", "path": "/tmp/passwd", "target": "/etc/passwd"})
	assert.Equal(t, RiskHigh, got.Level)
}

func TestAssess_CriticalService(t *testing.T) {
	a := NewAssessor(discardLogger())
	ctx := context.Background()

	got := a.Assess(ctx, ToolManageService, map[string]any{"service_name": "sshd", "action": "stop"})
	assert.Equal(t, RiskHigh, got.Level)
	assert.Len(t, got.Reasons, 2)

	got = a.Assess(ctx, ToolManageService, map[string]any{"service_name": "sshd", "action": "status"})
	assert.Len(t, got.Reasons, 1)
}

func TestAssess_FailsClosed(t *testing.T) {
	a := NewAssessor(discardLogger())
	got := a.Assess(context.Background(), ToolExecuteCommand, map[string]any{"command": 42})
	assert.Equal(t, RiskHigh, got.Level)
	assert.False(t, got.Blocked)
	require.NotEmpty(t, got.Reasons)
	assert.Contains(t, got.Reasons[0], "assessment error")

	got = a.Assess(context.Background(), ToolFileOperations, map[string]any{"operation": "list", "path": []string{"/"}})
	assert.GreaterOrEqual(t, got.Level, RiskHigh)
}

func TestAssess_PanicFailsClosed(t *testing.T) {
	a := NewAssessor(discardLogger(), WithRules([]Rule{{Name: "nil-pattern"}}), WithCacheSize(0))
	got := a.Assess(context.Background(), ToolExecuteCommand, execCmd("uptime"))
	assert.Equal(t, RiskHigh, got.Level)
	assert.Contains(t, got.Reasons[0], "panic")
}

func TestAssess_CacheReturnsIndependentCopies(t *testing.T) {
	a := NewAssessor(discardLogger())
	ctx := context.Background()
	first := a.Assess(ctx, ToolExecuteCommand, execCmd("sudo ls"))
	first.Reasons = append(first.Reasons, "mutated")
	first.Level = RiskLow

	second := a.Assess(ctx, ToolExecuteCommand, execCmd("sudo ls"))
	assert.Equal(t, RiskHigh, second.Level)
	assert.NotContains(t, second.Reasons, "mutated")
}

func TestBlockedImpliesCritical(t *testing.T) {
	a := NewAssessor(discardLogger())
	inputs := []map[string]any{
		execCmd("mkfs.ext4 /dev/sdb1"),
		execCmd("fdisk -l"),
		execCmd("gparted"),
		execCmd("ls"),
	}
	for _, in := range inputs {
		got := a.Assess(context.Background(), ToolExecuteCommand, in)
		if got.Blocked {
			assert.Equal(t, RiskCritical, got.Level)
		}
	}
}

func TestParseRiskLevel(t *testing.T) {
	assert.Equal(t, RiskLow, ParseRiskLevel("LOW"))
	assert.Equal(t, RiskHigh, ParseRiskLevel(" high "))
	assert.Equal(t, RiskCritical, ParseRiskLevel("bogus"))
	assert.Equal(t, RiskHigh, MaxRisk(RiskLow, RiskHigh))
}
