package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("writing %s: %v", name, err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Gemini.Model != "gemini-1.5-pro" {
		t.Errorf("gemini model = %q", cfg.Providers.Gemini.Model)
	}
	if !cfg.Security.EnableRiskAssessment || !cfg.Security.RequireConfirmation {
		t.Error("risk assessment and confirmation should default on")
	}
	if cfg.History.Capacity != 100 {
		t.Errorf("history capacity = %d, want 100", cfg.History.Capacity)
	}
	if got := cfg.Monitoring.Interval(); got != 30*time.Second {
		t.Errorf("monitoring interval = %s", got)
	}
	if cfg.Tools.Serve.Addr() != "localhost:8080" {
		t.Errorf("serve addr = %s", cfg.Tools.Serve.Addr())
	}
	if cfg.ToolTimeout() != 60*time.Second {
		t.Errorf("tool timeout = %s", cfg.ToolTimeout())
	}
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "opsgate.yaml", `
security:
  enable_risk_assessment: true
  require_confirmation: false
  dangerous_commands_whitelist:
    - "reboot"
monitoring:
  cpu_threshold: 70
storage:
  driver: sqlite
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Security.RequireConfirmation {
		t.Error("require_confirmation should be false")
	}
	if len(cfg.Security.Whitelist) != 1 || cfg.Security.Whitelist[0] != "reboot" {
		t.Errorf("whitelist = %v", cfg.Security.Whitelist)
	}
	if cfg.Monitoring.CPUThreshold != 70 || cfg.Monitoring.MemoryThreshold != 85 {
		t.Errorf("thresholds = %v/%v", cfg.Monitoring.CPUThreshold, cfg.Monitoring.MemoryThreshold)
	}
	if cfg.Storage.StorageDriver() != "sqlite" {
		t.Errorf("driver = %s", cfg.Storage.StorageDriver())
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeFile(t, "opsgate.json", `{"providers":{"default":"openai"},"batch":{"concurrency":8}}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Default != "openai" || cfg.Batch.Concurrency != 8 {
		t.Errorf("providers.default = %s, batch = %d", cfg.Providers.Default, cfg.Batch.Concurrency)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GEMINI_API_KEY", "g-key")
	t.Setenv("REQUIRE_CONFIRMATION", "false")
	t.Setenv("DANGEROUS_COMMANDS_WHITELIST", "reboot, halt ,")
	t.Setenv("DISK_THRESHOLD", "95.5")
	t.Setenv("MCP_SERVER_PORT", "9000")
	t.Setenv("OPSGATE_APPROVAL_MODE", "queue")
	t.Setenv("OPSGATE_API_KEY", "secret")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Gemini.APIKey != "g-key" {
		t.Errorf("api key = %q", cfg.Providers.Gemini.APIKey)
	}
	if cfg.Security.RequireConfirmation {
		t.Error("REQUIRE_CONFIRMATION=false not applied")
	}
	if len(cfg.Security.Whitelist) != 2 || cfg.Security.Whitelist[1] != "halt" {
		t.Errorf("whitelist = %v", cfg.Security.Whitelist)
	}
	if cfg.Monitoring.DiskThreshold != 95.5 {
		t.Errorf("disk threshold = %v", cfg.Monitoring.DiskThreshold)
	}
	if cfg.Tools.Serve.Port != 9000 {
		t.Errorf("port = %d", cfg.Tools.Serve.Port)
	}
	if cfg.Security.ApprovalMode != "queue" {
		t.Errorf("approval mode = %q", cfg.Security.ApprovalMode)
	}
	if cfg.Gateways.HTTP == nil || len(cfg.Gateways.HTTP.APIKeys) != 1 {
		t.Errorf("api keys not applied: %+v", cfg.Gateways.HTTP)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		env     map[string]string
	}{
		{name: "threshold out of range", content: "monitoring:\n  cpu_threshold: 150\n"},
		{name: "unknown approval mode", content: "security:\n  approval_mode: maybe\n"},
		{name: "unknown provider", content: "providers:\n  default: ollama\n"},
		{name: "postgres without dsn", content: "storage:\n  driver: postgres\n"},
		{name: "unknown storage driver", content: "storage:\n  driver: mysql\n"},
		{name: "mcp without server", content: "tools:\n  provider: mcp\n"},
		{name: "stdio without command", content: "tools:\n  provider: mcp\n  mcp:\n    transport: stdio\n"},
		{name: "slack without channel", content: "notifications:\n  slack:\n    bot_token: xoxb-1\n"},
		{name: "webhook not a url", content: "notifications:\n  webhooks:\n    - not a url\n"},
		{name: "unknown min severity", content: "notifications:\n  min_severity: info\n"},
		{name: "malformed env bool", content: "{}\n", env: map[string]string{"ENABLE_RISK_ASSESSMENT": "sometimes"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			path := writeFile(t, "opsgate.yaml", tt.content)
			if _, err := Load(path); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoad_MCPURLDefault(t *testing.T) {
	path := writeFile(t, "opsgate.yaml", "tools:\n  provider: mcp\n  mcp:\n    transport: streamable_http\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Tools.MCP.URL != "http://localhost:8080/mcp" {
		t.Errorf("url = %q", cfg.Tools.MCP.URL)
	}
}

func TestPaths(t *testing.T) {
	cfg := Default()
	cfg.DataDir = t.TempDir()
	if got := cfg.AuditLogPath(); got != filepath.Join(cfg.DataDir, "audit.jsonl") {
		t.Errorf("audit path = %s", got)
	}
	if got := cfg.DatabasePath(); got != filepath.Join(cfg.DataDir, "opsgate.db") {
		t.Errorf("db path = %s", got)
	}
}
