// Opsgate turns natural-language operations requests into risk-gated
// system tool calls.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jkaninda/opsgate/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "opsgate",
	Short: "Opsgate: a safety-gated natural-language operations assistant.",
	Long: `Opsgate interprets plain-language operations requests, maps them to
system tool calls, and runs every call through risk assessment and a
confirmation gate before it touches the host. Completed operations are
recorded with inverse commands so they can be rolled back.`,
	RunE:          runInteractive, // Default to the REPL.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default "+config.DefaultConfigPath()+" when present)")
	rootCmd.AddCommand(runCmd, batchCmd, serveCmd, toolsCmd, historyCmd, rollbackCmd, queryCmd, versionCmd)
	_ = godotenv.Load()
}

// resolveConfigPath returns the --config flag, OPSGATE_CONFIG, or the
// default path when that file exists.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("OPSGATE_CONFIG"); p != "" {
		return p
	}
	if p := config.DefaultConfigPath(); fileExists(p) {
		return p
	}
	return ""
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(exitCode(err))
	}
}
