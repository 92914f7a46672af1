package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jkaninda/opsgate/internal/history"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded operations (requires storage)",
	RunE:  runHistory,
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [N]",
	Short: "Roll back the newest N recorded operations (default 1)",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRollback,
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 10, "number of operations to show")
}

func runHistory(_ *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := loadConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Storage == nil {
		return fmt.Errorf("history is kept in memory only; configure storage to inspect it across runs")
	}

	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	printHistory(os.Stdout, sc.Orch.History().Recent(historyLimit))
	return nil
}

func runRollback(_ *cobra.Command, args []string) error {
	n := 1
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("invalid rollback count %q", args[0])
		}
		n = v
	}

	cfg, logger, closeLog, err := loadConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	defer closeLog()
	if cfg.Storage == nil {
		return fmt.Errorf("nothing to roll back: history is kept in memory only without storage")
	}

	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	reports, err := sc.Orch.Rollback(ctx, n)
	if err != nil {
		return err
	}
	printReports(os.Stdout, reports)
	for _, r := range reports {
		if r.Status == history.StatusFailed || r.Status == history.StatusPartial {
			return &exitError{code: ExitFailure, err: fmt.Errorf("rollback of %s %s", r.RequestID, r.Status)}
		}
	}
	return nil
}

// printHistory lists entries newest first.
func printHistory(w io.Writer, entries []history.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, "No operations recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tOUTCOME\tWHEN\tDURATION\tREQUEST")
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			e.Request.ID,
			e.Result.Outcome,
			e.RecordedAt.Local().Format(time.DateTime),
			e.Result.Duration.Round(time.Millisecond),
			e.Request.Text,
		)
	}
	_ = tw.Flush()
}

func printReports(w io.Writer, reports []history.Report) {
	for _, r := range reports {
		fmt.Fprintf(w, "%s %s %s\n", rollbackTag(r.Status), r.RequestID, r.Text)
		for _, c := range r.Commands {
			line := "    " + c.Command + " -> " + c.Status
			if c.Error != "" {
				line += ": " + c.Error
			}
			fmt.Fprintln(w, line)
		}
		if r.Message != "" {
			fmt.Fprintln(w, "    "+r.Message)
		}
	}
}

func rollbackTag(status string) string {
	tag := "[" + status + "]"
	switch status {
	case history.StatusRolledBack:
		return green(tag)
	case history.StatusManual, history.StatusNothing:
		return yellow(tag)
	default:
		return red(tag)
	}
}
