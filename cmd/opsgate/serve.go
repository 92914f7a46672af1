package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/config"
	"github.com/jkaninda/opsgate/internal/gateway"
	"github.com/jkaninda/opsgate/internal/gateway/httpapi"
	"github.com/jkaninda/opsgate/internal/gateway/ws"
	"github.com/jkaninda/opsgate/internal/protocol"
	"github.com/jkaninda/opsgate/internal/ratelimit"
)

const defaultListenAddr = ":8090"

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API gateway and the event stream",
	Long: `Serve the HTTP API under /v1 and a WebSocket event stream at
/v1/events. Confirmations are queued for approval over the API unless
another non-interactive approval mode is configured.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "override HTTP listen address (e.g. :8090)")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := loadConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	defer closeLog()

	httpCfg := cfg.Gateways.HTTP
	if httpCfg == nil {
		httpCfg = &config.HTTPGatewayConfig{}
	}
	if serveListen != "" {
		httpCfg.ListenAddr = serveListen
	}
	if httpCfg.ListenAddr == "" {
		httpCfg.ListenAddr = defaultListenAddr
	}

	opts := sharedOptions{}
	switch cfg.Security.ApprovalMode {
	case "":
		opts.mode = approval.ModeQueue
	case string(approval.ModeInteractive):
		return fmt.Errorf("approval mode %q needs a terminal; use queue, auto-approve or deny with serve", cfg.Security.ApprovalMode)
	}

	sc, err := initShared(cfg, logger, opts)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Event stream.
	hub := ws.NewHub(httpCfg.APIKeys, logger)
	sc.Orch.WithNotifier(hub)

	if sc.Approvals != nil {
		sc.Approvals.OnChange(hub.ApprovalChanged)
		stopCleanup := sc.Approvals.StartCleanup(ctx, time.Minute)
		defer stopCleanup()
	}

	var alerts *alerting.AlertSet
	if cfg.Monitoring.Enabled {
		mon := alerting.NewMonitor(sc.Orch, cfg.Monitoring, logger).
			WithMetrics(sc.Obs.MetricsOrNil()).
			WithNotify(alertNotify(hub.AlertChanged, sc.notifyFunc()))
		stopMon, err := mon.Start(ctx)
		if err != nil {
			return err
		}
		defer stopMon()
		alerts = mon.Alerts()
	}

	hub.WithHello(func() protocol.HelloPayload {
		hello := protocol.HelloPayload{Version: version}
		if alerts != nil {
			hello.ActiveAlerts = alerts.Len()
		}
		return hello
	})

	gwCfg := httpapi.Config{
		ListenAddr: httpCfg.ListenAddr,
		EnableDocs: httpCfg.EnableDocs,
		APIKeys:    httpCfg.APIKeys,
		Version:    version,
	}
	if sc.Obs != nil {
		gwCfg.HealthChecker = sc.Obs.Health
		if sc.Obs.Metrics != nil {
			gwCfg.Metrics = sc.Obs.Metrics
			gwCfg.MetricsRegistry = sc.Obs.Metrics.Registry
		}
		if sc.Obs.Tracer != nil {
			gwCfg.Tracer = sc.Obs.Tracer.Tracer()
		}
	}

	limiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: httpCfg.RateLimit.RequestsPerMinute,
		BurstSize:         httpCfg.RateLimit.BurstSize,
	})

	gw := httpapi.NewGateway(gwCfg, sc.Orch, limiter, logger).
		WithApprovals(sc.Approvals).
		WithAlerts(alerts).
		WithHandler("/v1/events", hub.Handler())
	if httpCfg.EnableDocs {
		gw = gw.WithOpenAPIDocs()
	}

	logger.Info("starting HTTP gateway",
		slog.String("listen", httpCfg.ListenAddr),
		slog.String("approval_mode", string(sc.Mode)),
		slog.Bool("auth", len(httpCfg.APIKeys) > 0),
		slog.Bool("monitoring", cfg.Monitoring.Enabled),
	)

	if err := gateway.Run(ctx, gw, 10*time.Second, logger); err != nil {
		return fmt.Errorf("HTTP gateway: %w", err)
	}
	return nil
}
