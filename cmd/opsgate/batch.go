package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jkaninda/opsgate/internal/agent"
	"github.com/jkaninda/opsgate/internal/domain"
)

var batchCmd = &cobra.Command{
	Use:   "batch FILE",
	Short: "Process newline-separated requests from a file (- for stdin)",
	Long: `Process every request in FILE on a bounded worker pool. Blank lines
and lines starting with # are skipped. Exits non-zero when any request
does not succeed.`,
	Args: cobra.ExactArgs(1),
	RunE: runBatch,
}

func runBatch(_ *cobra.Command, args []string) error {
	cfg, logger, closeLog, err := loadConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	defer closeLog()

	var r io.Reader = os.Stdin
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("opening batch file: %w", err)
		}
		defer f.Close()
		r = f
	}
	requests, err := agent.ParseBatch(r)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return fmt.Errorf("batch file %s contains no requests", args[0])
	}

	sc, err := initShared(cfg, logger, sharedOptions{})
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	summary := sc.Orch.Batch(ctx, requests, domain.SourceBatch)
	printBatchSummary(os.Stdout, requests, summary)

	if summary.Succeeded < summary.Total {
		return &exitError{
			code: ExitFailure,
			err:  fmt.Errorf("%d of %d requests did not succeed", summary.Total-summary.Succeeded, summary.Total),
		}
	}
	return nil
}

func printBatchSummary(w io.Writer, requests []string, summary agent.BatchSummary) {
	for i, res := range summary.Results {
		fmt.Fprintf(w, "[%d] %s %s\n", i+1, outcomeTag(res.Outcome), requests[i])
		if res.Output != "" {
			fmt.Fprintf(w, "    %s\n", indent(res.Output, "    "))
		}
	}
	fmt.Fprintf(w, "\n%d/%d requests succeeded\n", summary.Succeeded, summary.Total)
}
