package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/gateway"
	"github.com/jkaninda/opsgate/internal/gateway/cli"
)

var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"interactive"},
	Short:   "Start the interactive REPL (default)",
	RunE:    runInteractive,
}

// runInteractive starts the REPL, with the monitor when enabled.
func runInteractive(_ *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := loadConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	defer closeLog()

	// The REPL and the terminal approver share one buffered reader.
	in := bufio.NewReader(os.Stdin)
	sc, err := initShared(cfg, logger, sharedOptions{in: in, out: os.Stdout})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repl := cli.NewGateway(sc.Orch, in, os.Stdout, logger).WithApprovalMode(sc.Mode)

	if cfg.Monitoring.Enabled {
		mon := alerting.NewMonitor(sc.Orch, cfg.Monitoring, logger).
			WithMetrics(sc.Obs.MetricsOrNil()).
			WithNotify(alertNotify(sc.notifyFunc()))
		stopMon, err := mon.Start(ctx)
		if err != nil {
			return err
		}
		defer stopMon()
		repl = repl.WithAlerts(mon.Alerts())
	}

	return gateway.Run(ctx, repl, time.Second, logger)
}
