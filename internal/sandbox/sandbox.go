// Package sandbox runs host commands for the local tool set with a
// timeout, process-group kill, a scrubbed environment, and capped output.
package sandbox

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrTimeout is returned when a command outlives its deadline.
var ErrTimeout = errors.New("command timed out")

// Runner executes commands on the host.
type Runner interface {
	Run(ctx context.Context, req Request) (*Result, error)
}

// Request defines what to run and under what constraints.
type Request struct {
	// Command is the program and arguments (e.g. ["systemctl", "status", "nginx"]).
	// With Shell set, Command must hold a single shell script string.
	Command []string

	// Shell runs Command[0] through /bin/sh -c.
	Shell bool

	// WorkingDir overrides the working directory. Empty = isolated temp dir.
	WorkingDir string

	// Env adds variables on top of the minimal safe environment.
	Env map[string]string

	// Timeout overrides the runner default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use runner defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the child process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Virtual memory limit in MB (ulimit -v).
}

// Result captures the outcome of a command.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	// Truncated is set when either stream exceeded the output cap.
	Truncated bool
}

// Combined returns stdout followed by stderr, trimmed.
func (r *Result) Combined() string {
	out := strings.TrimRight(r.Stdout, "\n")
	if errOut := strings.TrimRight(r.Stderr, "\n"); errOut != "" {
		if out != "" {
			out += "\n"
		}
		out += errOut
	}
	return out
}
