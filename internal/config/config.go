// Package config handles loading and validating opsgate configuration.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	goutils "github.com/jkaninda/go-utils"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Config is the root configuration for opsgate.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Default: ~/.opsgate. Override: OPSGATE_DATA_DIR.
	Logging       LoggingConfig        `json:"logging" yaml:"logging"`
	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Security      SecurityConfig       `json:"security" yaml:"security"`
	Approval      ApprovalConfig       `json:"approval" yaml:"approval"`
	History       HistoryConfig        `json:"history" yaml:"history"`
	Batch         BatchConfig          `json:"batch" yaml:"batch"`
	Monitoring    MonitoringConfig     `json:"monitoring" yaml:"monitoring"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"` // nil = in-memory history only
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Notifications *NotificationsConfig `json:"notifications,omitempty" yaml:"notifications,omitempty"` // nil = alerts stay local
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"oneof=text json"`
	File   string `json:"file,omitempty" yaml:"file,omitempty"` // Empty = stderr.
}

// ProvidersConfig selects the language model behind the oracle.
type ProvidersConfig struct {
	Default  string       `json:"default" yaml:"default" validate:"oneof=gemini openai"`
	Fallback []string     `json:"fallback,omitempty" yaml:"fallback,omitempty" validate:"dive,oneof=gemini openai"`
	Gemini   GeminiConfig `json:"gemini" yaml:"gemini"`
	OpenAI   OpenAIConfig `json:"openai" yaml:"openai"`
}

type GeminiConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://generativelanguage.googleapis.com.
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Any OpenAI-compatible endpoint.
}

// ToolsConfig selects where tool calls go.
type ToolsConfig struct {
	Provider       string           `json:"provider" yaml:"provider" validate:"oneof=local mcp"`
	TimeoutSeconds int              `json:"timeout_seconds" yaml:"timeout_seconds" validate:"gte=0"` // Per-call timeout. 0 = 60s.
	Local          LocalToolsConfig `json:"local" yaml:"local"`
	MCP            *MCPServerConfig `json:"mcp,omitempty" yaml:"mcp,omitempty"` // Required when provider is mcp.
	Serve          ServeConfig      `json:"serve" yaml:"serve"`
}

// LocalToolsConfig configures the in-process system tools.
type LocalToolsConfig struct {
	DiskPath              string `json:"disk_path" yaml:"disk_path"`                                                       // Filesystem reported by get_system_info. Default: /.
	CommandTimeoutSeconds int    `json:"command_timeout_seconds" yaml:"command_timeout_seconds" validate:"gte=0,lte=3600"` // Default: 30.
	MaxMemoryMB           int    `json:"max_memory_mb" yaml:"max_memory_mb" validate:"gte=0"`
	MaxCPUSeconds         int    `json:"max_cpu_seconds" yaml:"max_cpu_seconds" validate:"gte=0"`
}

// MCPServerConfig describes a remote MCP tool server.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`
	Transport string            `json:"transport" yaml:"transport" validate:"oneof=stdio sse streamable_http"`
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// ServeConfig is the listen address of `opsgate tools serve --transport http`.
type ServeConfig struct {
	Host string `json:"host" yaml:"host"`
	Port int    `json:"port" yaml:"port" validate:"gt=0,lte=65535"`
}

// Addr returns host:port.
func (s ServeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SecurityConfig configures risk assessment and gating.
type SecurityConfig struct {
	EnableRiskAssessment bool     `json:"enable_risk_assessment" yaml:"enable_risk_assessment"`
	RequireConfirmation  bool     `json:"require_confirmation" yaml:"require_confirmation"`
	Whitelist            []string `json:"dangerous_commands_whitelist,omitempty" yaml:"dangerous_commands_whitelist,omitempty"`
	ApprovalMode         string   `json:"approval_mode,omitempty" yaml:"approval_mode,omitempty" validate:"omitempty,oneof=interactive auto-approve deny queue"` // Empty = interactive on a TTY, deny otherwise.
	AutoApproveTools     []string `json:"auto_approve_tools,omitempty" yaml:"auto_approve_tools,omitempty"`                                                      // Empty = every tool, when approval_mode is auto-approve.
	AuditLogPath         string   `json:"audit_log_path,omitempty" yaml:"audit_log_path,omitempty"`                                                              // Default: <data_dir>/audit.jsonl.
	AssessmentCacheSize  int      `json:"assessment_cache_size" yaml:"assessment_cache_size" validate:"gte=0"`
}

// ApprovalConfig configures the approval queue.
type ApprovalConfig struct {
	TTLSeconds int `json:"ttl_seconds" yaml:"ttl_seconds" validate:"gte=0"` // How long queued approvals are valid. 0 = 300s.
}

// HistoryConfig configures the operation history.
type HistoryConfig struct {
	Capacity int `json:"capacity" yaml:"capacity" validate:"gt=0,lte=10000"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	Concurrency int `json:"concurrency" yaml:"concurrency" validate:"gt=0,lte=64"`
}

// MonitoringConfig configures the alert monitor.
type MonitoringConfig struct {
	Enabled         bool    `json:"enabled" yaml:"enabled"`
	IntervalSeconds int     `json:"interval_seconds" yaml:"interval_seconds" validate:"gt=0"`
	CPUThreshold    float64 `json:"cpu_threshold" yaml:"cpu_threshold" validate:"gt=0,lte=100"`
	MemoryThreshold float64 `json:"memory_threshold" yaml:"memory_threshold" validate:"gt=0,lte=100"`
	DiskThreshold   float64 `json:"disk_threshold" yaml:"disk_threshold" validate:"gt=0,lte=100"`
}

// Interval returns the sampling interval.
func (m MonitoringConfig) Interval() time.Duration {
	return time.Duration(m.IntervalSeconds) * time.Second
}

// StorageConfig configures the persistence backend.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: <data_dir>/opsgate.db.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// NotificationsConfig forwards monitor alerts to external channels.
type NotificationsConfig struct {
	Webhooks     []string                 `json:"webhooks,omitempty" yaml:"webhooks,omitempty" validate:"dive,url"`
	Slack        *SlackNotificationConfig `json:"slack,omitempty" yaml:"slack,omitempty"`
	AllowPrivate bool                     `json:"allow_private,omitempty" yaml:"allow_private,omitempty"`                                           // Permit webhook hosts on private networks.
	MinSeverity  string                   `json:"min_severity,omitempty" yaml:"min_severity,omitempty" validate:"omitempty,oneof=warning critical"` // Default: warning.
}

// SlackNotificationConfig posts alerts to one Slack channel.
type SlackNotificationConfig struct {
	BotToken  string `json:"bot_token" yaml:"bot_token"` // Override: SLACK_BOT_TOKEN.
	ChannelID string `json:"channel_id" yaml:"channel_id"`
}

// GatewaysConfig configures the user-facing surfaces.
type GatewaysConfig struct {
	HTTP *HTTPGatewayConfig `json:"http,omitempty" yaml:"http,omitempty"`
}

// HTTPGatewayConfig configures the REST API.
type HTTPGatewayConfig struct {
	ListenAddr string          `json:"listen_addr" yaml:"listen_addr"` // Default: ":8090"
	APIKeys    []string        `json:"api_keys" yaml:"api_keys"`       // Bearer tokens. Empty = no auth.
	EnableDocs bool            `json:"enable_docs" yaml:"enable_docs"`
	RateLimit  RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig configures per-client rate limiting for a gateway.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute" validate:"gte=0"`
	BurstSize         int `json:"burst_size" yaml:"burst_size" validate:"gte=0"`
}

// ObservabilityConfig configures metrics, tracing, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`                                      // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol" validate:"omitempty,oneof=grpc http"` // Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"`                              // Default: "opsgate"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate" validate:"gte=0,lte=1"`         // 0 = 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`                                      // Skip TLS for dev
}

// AnomalyConfig configures error-rate anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold" validate:"gte=0,lte=1"` // e.g. 0.5 = 50% errors
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds" validate:"gte=0"`                   // Default: 300
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Providers: ProvidersConfig{
			Default: "gemini",
			Gemini:  GeminiConfig{Model: "gemini-1.5-pro"},
			OpenAI:  OpenAIConfig{Model: "gpt-4o-mini"},
		},
		Tools: ToolsConfig{
			Provider:       "local",
			TimeoutSeconds: 60,
			Local:          LocalToolsConfig{DiskPath: "/", CommandTimeoutSeconds: 30},
			Serve:          ServeConfig{Host: "localhost", Port: 8080},
		},
		Security: SecurityConfig{
			EnableRiskAssessment: true,
			RequireConfirmation:  true,
			AssessmentCacheSize:  512,
		},
		Approval:   ApprovalConfig{TTLSeconds: 300},
		History:    HistoryConfig{Capacity: 100},
		Batch:      BatchConfig{Concurrency: 4},
		Monitoring: MonitoringConfig{IntervalSeconds: 30, CPUThreshold: 80, MemoryThreshold: 85, DiskThreshold: 90},
	}
}

// DefaultConfigPath returns the default config file path (~/.opsgate/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/opsgate.yaml"
	}
	return filepath.Join(home, ".opsgate", "config.yaml")
}

// Load reads a JSON or YAML config file over the defaults and returns a
// validated Config. The format is detected by file extension: .yml/.yaml
// for YAML, everything else for JSON. An empty path skips the file.
// A .env file in the working directory is loaded first; environment
// variables take precedence over file values.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		resolved, err := resolvePath(path)
		if err != nil {
			return nil, fmt.Errorf("resolving config path %s: %w", path, err)
		}
		data, err := os.ReadFile(resolved)
		if err != nil {
			return nil, fmt.Errorf("reading config %s: %w", resolved, err)
		}
		switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
		case ".yml", ".yaml":
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
			}
		default:
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
			}
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// applyEnv overlays environment variables. Malformed numbers and booleans
// are errors rather than silently ignored.
func (c *Config) applyEnv() error {
	c.Providers.Gemini.APIKey = goutils.Env("GEMINI_API_KEY", c.Providers.Gemini.APIKey)
	c.Providers.Gemini.Model = goutils.Env("GEMINI_MODEL", c.Providers.Gemini.Model)
	c.Providers.OpenAI.APIKey = goutils.Env("OPENAI_API_KEY", c.Providers.OpenAI.APIKey)
	c.Tools.Serve.Host = goutils.Env("MCP_SERVER_HOST", c.Tools.Serve.Host)
	c.Logging.Level = strings.ToLower(goutils.Env("LOG_LEVEL", c.Logging.Level))
	c.Logging.File = goutils.Env("LOG_FILE", c.Logging.File)
	c.Security.ApprovalMode = goutils.Env("OPSGATE_APPROVAL_MODE", c.Security.ApprovalMode)
	c.DataDir = goutils.Env("OPSGATE_DATA_DIR", c.DataDir)

	if v := os.Getenv("DANGEROUS_COMMANDS_WHITELIST"); v != "" {
		c.Security.Whitelist = splitList(v)
	}
	if v := os.Getenv("OPSGATE_API_KEY"); v != "" {
		if c.Gateways.HTTP == nil {
			c.Gateways.HTTP = &HTTPGatewayConfig{}
		}
		c.Gateways.HTTP.APIKeys = append(c.Gateways.HTTP.APIKeys, v)
	}

	if c.Notifications != nil && c.Notifications.Slack != nil {
		c.Notifications.Slack.BotToken = goutils.Env("SLACK_BOT_TOKEN", c.Notifications.Slack.BotToken)
	}

	var errs []error
	envInt("MCP_SERVER_PORT", &c.Tools.Serve.Port, &errs)
	envInt("MONITORING_INTERVAL", &c.Monitoring.IntervalSeconds, &errs)
	envFloat("CPU_THRESHOLD", &c.Monitoring.CPUThreshold, &errs)
	envFloat("MEMORY_THRESHOLD", &c.Monitoring.MemoryThreshold, &errs)
	envFloat("DISK_THRESHOLD", &c.Monitoring.DiskThreshold, &errs)
	envBool("ENABLE_RISK_ASSESSMENT", &c.Security.EnableRiskAssessment, &errs)
	envBool("REQUIRE_CONFIRMATION", &c.Security.RequireConfirmation, &errs)
	return errors.Join(errs...)
}

func envInt(key string, dst *int, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func envFloat(key string, dst *float64, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func envBool(key string, dst *bool, errs *[]error) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".opsgate")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "opsgate.db")
}

// AuditLogPath returns the audit log path.
func (c *Config) AuditLogPath() string {
	if c.Security.AuditLogPath != "" {
		return c.Security.AuditLogPath
	}
	return filepath.Join(c.ResolvedDataDir(), "audit.jsonl")
}

// ToolTimeout returns the per-call tool timeout.
func (c *Config) ToolTimeout() time.Duration {
	if c.Tools.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.Tools.TimeoutSeconds) * time.Second
}

// ApprovalTTL returns how long queued approvals stay valid.
func (c *Config) ApprovalTTL() time.Duration {
	if c.Approval.TTLSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(c.Approval.TTLSeconds) * time.Second
}

func (c *Config) validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	if c.Storage != nil {
		switch c.Storage.StorageDriver() {
		case "sqlite":
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required for the postgres driver")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if n := c.Notifications; n != nil && n.Slack != nil && (n.Slack.BotToken == "" || n.Slack.ChannelID == "") {
		return fmt.Errorf("notifications.slack needs bot_token and channel_id")
	}
	if c.Tools.Provider == "mcp" {
		srv := c.Tools.MCP
		if srv == nil {
			return fmt.Errorf("tools.mcp is required when tools.provider is mcp")
		}
		if err := validate.Struct(srv); err != nil {
			return fmt.Errorf("tools.mcp: %w", err)
		}
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("tools.mcp: command is required for stdio transport")
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				srv.URL = fmt.Sprintf("http://%s/mcp", c.Tools.Serve.Addr())
			}
		}
	}
	return nil
}

// validateProvider checks that the selected LLM provider has the required fields.
// API keys are checked lazily when the oracle is built, so commands that never
// call the model (history, rollback, tools) work without one.
func (c *Config) validateProvider() error {
	for _, name := range append([]string{c.Providers.Default}, c.Providers.Fallback...) {
		switch name {
		case "gemini":
			if c.Providers.Gemini.Model == "" {
				return fmt.Errorf("providers.gemini.model is required")
			}
		case "openai":
			if c.Providers.OpenAI.Model == "" {
				return fmt.Errorf("providers.openai.model is required")
			}
		}
	}
	return nil
}
