package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/jkaninda/opsgate/internal/agent"
	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/config"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/llm"
	"github.com/jkaninda/opsgate/internal/llm/gemini"
	"github.com/jkaninda/opsgate/internal/llm/openai"
	"github.com/jkaninda/opsgate/internal/notification"
	"github.com/jkaninda/opsgate/internal/observability"
	"github.com/jkaninda/opsgate/internal/oracle"
	"github.com/jkaninda/opsgate/internal/sandbox"
	"github.com/jkaninda/opsgate/internal/security"
	"github.com/jkaninda/opsgate/internal/storage"
	pgstore "github.com/jkaninda/opsgate/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/opsgate/internal/storage/sqlite"
	"github.com/jkaninda/opsgate/internal/tools"
	"github.com/jkaninda/opsgate/internal/tools/mcp"
	"github.com/jkaninda/opsgate/internal/tools/system"
)

// SharedComponents holds everything the commands build on.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Obs       *observability.Observability
	Store     storage.Store   // nil = in-memory history only
	Registry  *tools.Registry // nil when tools come from an MCP server
	Provider  tools.Provider  // registry or MCP session
	Orch      *agent.Orchestrator
	Mode      approval.Mode
	Approvals *approval.Manager        // non-nil in queue mode
	Notifier  *notification.Dispatcher // nil = alerts stay local

	cleanups []func()
}

// Cleanup releases resources in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
	sc.cleanups = nil
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// sharedOptions tunes initShared for one command.
type sharedOptions struct {
	// in is the terminal reader shared with the interactive approver.
	in io.Reader
	// out receives approval prompts.
	out io.Writer
	// mode overrides the configured approval mode.
	mode approval.Mode
}

// loadConfig loads the config file and builds the process logger.
func loadConfig(path string) (*config.Config, *slog.Logger, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closeLog, err := newLogger(cfg.Logging)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Debug("config loaded", slog.String("path", path))
	return cfg, logger, closeLog, nil
}

// newLogger builds a slog logger from the logging config. A log file
// replaces stderr so REPL output stays readable.
func newLogger(cfg config.LoggingConfig) (*slog.Logger, func(), error) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o750); err != nil {
			return nil, nil, fmt.Errorf("creating log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, nil, fmt.Errorf("opening log file %s: %w", cfg.File, err)
		}
		w = f
		closeFn = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), closeFn, nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), closeFn, nil
}

// initShared wires storage, the security layer, the tool provider, the
// oracle and the orchestrator.
func initShared(cfg *config.Config, logger *slog.Logger, opts sharedOptions) (*SharedComponents, error) {
	sc := &SharedComponents{Config: cfg, Logger: logger}

	if err := os.MkdirAll(cfg.ResolvedDataDir(), 0o750); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	// Observability.
	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		if obs != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			obs.Shutdown(shutdownCtx)
		}
	})

	// Storage (optional: SQLite or PostgreSQL).
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})
		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		if obs != nil && obs.Health != nil {
			obs.Health.AddCheck("database", store.Ping)
		}
	}

	// Audit trail.
	auditor, err := security.NewAuditLogger(cfg.AuditLogPath(), logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing audit log: %w", err)
	}
	if sc.Store != nil {
		auditor = auditor.WithStore(sc.Store)
	}
	sc.addCleanup(func() { _ = auditor.Close() })

	// Alert notifications.
	if n := cfg.Notifications; n != nil {
		sc.Notifier = newDispatcher(n, logger).WithAuditor(auditor)
		sc.addCleanup(sc.Notifier.Wait)
	}

	// History.
	histOpts := []history.Option{history.WithCapacity(cfg.History.Capacity)}
	if sc.Store != nil {
		histOpts = append(histOpts, history.WithStore(sc.Store))
	}
	hist := history.New(logger, histOpts...)
	if err := hist.Restore(context.Background()); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("restoring history: %w", err)
	}

	// Tool provider.
	if err := initTools(sc); err != nil {
		sc.Cleanup()
		return nil, err
	}
	if obs != nil && obs.Health != nil {
		provider := sc.Provider
		obs.Health.AddCheck("tools", func(ctx context.Context) error {
			_, err := provider.ListTools(ctx)
			return err
		})
	}
	executor := tools.NewExecutor(sc.Provider, cfg.ToolTimeout(), logger)
	if m := obs.MetricsOrNil(); m != nil {
		executor = executor.WithObserver(m)
	}

	// Oracle. A missing API key only matters once a request is interpreted.
	var interpreter agent.Interpreter
	completer, err := newCompleter(cfg, logger)
	if err != nil {
		logger.Warn("llm provider unavailable", slog.String("error", err.Error()))
		interpreter = unavailableInterpreter{err: err}
	} else {
		if m := obs.MetricsOrNil(); m != nil {
			completer = observability.NewInstrumentedCompleter(completer, m, obs.TracerOrNil(), obs.AnomalyOrNil())
		}
		interpreter = oracle.New(completer, sc.Provider, logger, oracle.WithExecutor(executor))
		logger.Debug("llm provider initialized", slog.String("provider", completer.Name()))
	}

	// Approval.
	approver, err := newApprover(sc, opts)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}

	assessorOpts := []security.AssessorOption{}
	if cfg.Security.AssessmentCacheSize > 0 {
		assessorOpts = append(assessorOpts, security.WithCacheSize(cfg.Security.AssessmentCacheSize))
	}

	sc.Orch = agent.NewOrchestrator(interpreter, executor, logger).
		WithAssessor(security.NewAssessor(logger, assessorOpts...)).
		WithGate(security.NewGate(security.Policy{
			EnableRiskAssessment: cfg.Security.EnableRiskAssessment,
			RequireConfirmation:  cfg.Security.RequireConfirmation,
			Whitelist:            cfg.Security.Whitelist,
		}, logger)).
		WithApprover(approver).
		WithHistory(hist).
		WithAuditor(auditor).
		WithObservability(obs).
		WithBatchConcurrency(cfg.Batch.Concurrency)

	logger.Debug("orchestrator initialized",
		slog.String("approval_mode", string(sc.Mode)),
		slog.Int("history", hist.Len()),
	)
	return sc, nil
}

// newDispatcher builds one sender per configured channel.
func newDispatcher(cfg *config.NotificationsConfig, logger *slog.Logger) *notification.Dispatcher {
	var senders []notification.Sender
	for _, u := range cfg.Webhooks {
		senders = append(senders, notification.NewWebhookSender(u, cfg.AllowPrivate))
	}
	if cfg.Slack != nil {
		senders = append(senders, notification.NewSlackSender(cfg.Slack.BotToken, cfg.Slack.ChannelID))
	}
	logger.Debug("notification channels configured", slog.Int("channels", len(senders)))
	return notification.NewDispatcher(logger, senders...).
		WithMinSeverity(alerting.Severity(cfg.MinSeverity))
}

// alertNotify fans alert changes out to fns, skipping nil entries.
func alertNotify(fns ...alerting.NotifyFunc) alerting.NotifyFunc {
	return func(ch alerting.Change) {
		for _, fn := range fns {
			if fn != nil {
				fn(ch)
			}
		}
	}
}

// notifyFunc returns the dispatcher's alert hook, or nil.
func (sc *SharedComponents) notifyFunc() alerting.NotifyFunc {
	if sc.Notifier == nil {
		return nil
	}
	return sc.Notifier.AlertChanged
}

// initTools builds the local registry or dials the configured MCP server.
func initTools(sc *SharedComponents) error {
	cfg, logger := sc.Config, sc.Logger
	if cfg.Tools.Provider == "mcp" {
		srv := cfg.Tools.MCP
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		session, err := mcp.Dial(ctx, mcp.Config{
			Transport: srv.Transport,
			Command:   srv.Command,
			Args:      srv.Args,
			Env:       srv.Env,
			URL:       srv.URL,
			Headers:   srv.Headers,
		}, logger)
		if err != nil {
			return fmt.Errorf("connecting to MCP server: %w", err)
		}
		sc.Provider = session
		sc.addCleanup(func() { _ = session.Close() })
		return nil
	}

	reg, err := newLocalRegistry(cfg, sc.Obs, logger)
	if err != nil {
		return err
	}
	sc.Registry = reg
	sc.Provider = reg
	return nil
}

// newLocalRegistry registers the system tools behind the process sandbox.
func newLocalRegistry(cfg *config.Config, obs *observability.Observability, logger *slog.Logger) (*tools.Registry, error) {
	local := cfg.Tools.Local
	var runner sandbox.Runner = sandbox.NewProcessRunner(sandbox.ProcessConfig{
		DefaultTimeout: cfg.ToolTimeout(),
		DefaultLimits: sandbox.ResourceLimits{
			MaxCPUSeconds: local.MaxCPUSeconds,
			MaxMemoryMB:   local.MaxMemoryMB,
		},
	}, logger)
	if m := obs.MetricsOrNil(); m != nil {
		runner = observability.NewInstrumentedRunner(runner, m, obs.TracerOrNil(), obs.AnomalyOrNil())
	}

	sampler, err := system.NewProcSampler(local.DiskPath)
	if err != nil {
		return nil, fmt.Errorf("initializing system sampler: %w", err)
	}

	reg := tools.NewRegistry()
	system.Register(reg, runner, sampler, system.Config{
		DiskPath:       local.DiskPath,
		CommandTimeout: time.Duration(local.CommandTimeoutSeconds) * time.Second,
	}, logger)
	logger.Debug("tools registered", slog.Any("tools", reg.List()))
	return reg, nil
}

// initStore opens the configured backend.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch cfg.Storage.StorageDriver() {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres
		db, err := pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)
		if err != nil {
			return nil, err
		}
		return pgstore.NewStore(db), nil
	default:
		sqliteCfg := sqlitestore.Config{Path: cfg.DatabasePath()}
		if cfg.Storage.SQLite != nil {
			sqliteCfg.JournalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqliteCfg, logger)
	}
}

// newCompleter builds the default provider followed by its fallbacks.
func newCompleter(cfg *config.Config, logger *slog.Logger) (llm.Completer, error) {
	names := append([]string{cfg.Providers.Default}, cfg.Providers.Fallback...)
	seen := make(map[string]bool, len(names))
	var completers []llm.Completer
	var errs []string
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		c, err := buildCompleter(name, cfg, logger)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		completers = append(completers, c)
	}
	switch len(completers) {
	case 0:
		return nil, fmt.Errorf("no usable llm provider: %s", strings.Join(errs, "; "))
	case 1:
		return completers[0], nil
	default:
		return llm.NewFallbackCompleter(completers, logger), nil
	}
}

func buildCompleter(name string, cfg *config.Config, logger *slog.Logger) (llm.Completer, error) {
	switch name {
	case "gemini":
		g := cfg.Providers.Gemini
		if g.APIKey == "" {
			return nil, fmt.Errorf("gemini: GEMINI_API_KEY is not set")
		}
		var opts []gemini.Option
		if g.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(g.BaseURL))
		}
		return gemini.NewClient(g.APIKey, g.Model, logger, opts...), nil
	case "openai":
		o := cfg.Providers.OpenAI
		if o.APIKey == "" && o.BaseURL == "" {
			return nil, fmt.Errorf("openai: OPENAI_API_KEY is not set")
		}
		var opts []openai.Option
		if o.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(o.BaseURL))
		}
		return openai.NewClient(o.APIKey, o.Model, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", name)
	}
}

// newApprover resolves the approval mode. Without an explicit mode a
// terminal gets interactive prompts and anything else denies.
func newApprover(sc *SharedComponents, opts sharedOptions) (approval.Approver, error) {
	mode := opts.mode
	if mode == "" && sc.Config.Security.ApprovalMode != "" {
		m, err := approval.ParseMode(sc.Config.Security.ApprovalMode)
		if err != nil {
			return nil, err
		}
		mode = m
	}
	if mode == "" {
		mode = approval.ModeDeny
		if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
			mode = approval.ModeInteractive
		}
	}
	sc.Mode = mode

	switch mode {
	case approval.ModeInteractive:
		in, out := opts.in, opts.out
		if in == nil {
			in = os.Stdin
		}
		if out == nil {
			out = os.Stdout
		}
		return approval.NewPrompter(in, out), nil
	case approval.ModeAutoApprove:
		return approval.NewAutoApprover(sc.Config.Security.AutoApproveTools, sc.Logger), nil
	case approval.ModeQueue:
		sc.Approvals = approval.NewManager(sc.Config.ApprovalTTL(), sc.Logger)
		return approval.NewQueue(sc.Approvals), nil
	default:
		return approval.Denier{}, nil
	}
}

// unavailableInterpreter stands in for the oracle when no LLM provider
// could be built. Every request fails with the construction error.
type unavailableInterpreter struct{ err error }

func (u unavailableInterpreter) Interpret(context.Context, string) (*oracle.Intent, error) {
	return nil, fmt.Errorf("%w: %v", tools.ErrProviderUnavailable, u.err)
}
