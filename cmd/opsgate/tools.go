package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/jkaninda/opsgate/internal/observability"
	"github.com/jkaninda/opsgate/internal/tools/mcp"
)

var toolsTransport string

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect or serve the local system tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools available to the oracle",
	RunE:  runToolsList,
}

var toolsServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Expose the local system tools as an MCP server",
	Long: `Serve the local system tools over MCP. The stdio transport is meant to
be launched by an MCP client; the http transport listens on
tools.serve.host and tools.serve.port (MCP_SERVER_HOST, MCP_SERVER_PORT).`,
	RunE: runToolsServe,
}

func init() {
	toolsServeCmd.Flags().StringVar(&toolsTransport, "transport", "stdio", "transport: stdio or http")
	toolsCmd.AddCommand(toolsListCmd, toolsServeCmd)
}

func runToolsList(_ *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := loadConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	defer closeLog()

	sc := &SharedComponents{Config: cfg, Logger: logger}
	defer sc.Cleanup()
	if err := initTools(sc); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ToolTimeout())
	defer cancel()
	defs, err := sc.Provider.ListTools(ctx)
	if err != nil {
		return fmt.Errorf("listing tools: %w", err)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, bold("TOOL")+"\t"+bold("DESCRIPTION"))
	for _, d := range defs {
		fmt.Fprintf(tw, "%s\t%s\n", d.Name, d.Description)
	}
	return tw.Flush()
}

func runToolsServe(_ *cobra.Command, _ []string) error {
	cfg, logger, closeLog, err := loadConfig(resolveConfigPath())
	if err != nil {
		return err
	}
	defer closeLog()

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return fmt.Errorf("initializing observability: %w", err)
	}
	reg, err := newLocalRegistry(cfg, obs, logger)
	if err != nil {
		return err
	}
	srv, err := mcp.NewServer(reg, version, logger)
	if err != nil {
		return err
	}

	switch toolsTransport {
	case "stdio":
		// stdout carries the protocol; logs must stay on stderr or in a file.
		return server.ServeStdio(srv)
	case "http":
		addr := cfg.Tools.Serve.Addr()
		httpSrv := server.NewStreamableHTTPServer(srv)

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() { errCh <- httpSrv.Start(addr) }()
		logger.Info("MCP tool server listening",
			slog.String("addr", addr),
			slog.String("endpoint", "http://"+addr+"/mcp"),
		)

		select {
		case err := <-errCh:
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("MCP server: %w", err)
			}
			return nil
		case <-ctx.Done():
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return httpSrv.Shutdown(shutdownCtx)
		}
	default:
		return fmt.Errorf("unsupported transport %q (use stdio or http)", toolsTransport)
	}
}
