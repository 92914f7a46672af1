// Package cli implements the interactive REPL for opsgate.
package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/jkaninda/opsgate/internal/agent"
	"github.com/jkaninda/opsgate/internal/alerting"
	"github.com/jkaninda/opsgate/internal/approval"
	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/gateway"
	"github.com/jkaninda/opsgate/internal/history"
)

const historyShown = 10

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

// Gateway is the interactive command-line interface.
type Gateway struct {
	orch   *agent.Orchestrator
	alerts *alerting.AlertSet // nil = monitoring disabled
	mode   approval.Mode
	in     *bufio.Reader
	out    io.Writer
	logger *slog.Logger
	done   chan struct{} // closed by Stop to signal shutdown
}

var _ gateway.Gateway = (*Gateway)(nil)

// NewGateway creates a REPL reading from in. Share in with the terminal
// approver so confirmation prompts and commands read the same buffer.
func NewGateway(orch *agent.Orchestrator, in *bufio.Reader, out io.Writer, logger *slog.Logger) *Gateway {
	return &Gateway{
		orch:   orch,
		in:     in,
		out:    out,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// WithAlerts shows the monitor's alerts in status and alerts.
func (g *Gateway) WithAlerts(a *alerting.AlertSet) *Gateway {
	g.alerts = a
	return g
}

// WithApprovalMode records the approval mode for status output.
func (g *Gateway) WithApprovalMode(m approval.Mode) *Gateway {
	g.mode = m
	return g
}

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends, or the user quits.
func (g *Gateway) Start(ctx context.Context) error {
	fmt.Fprintln(g.out, bold("opsgate")+" - natural-language operations behind a security gate")
	fmt.Fprintln(g.out, "Type a request, or \"help\" for commands.")
	fmt.Fprintln(g.out)

	for {
		fmt.Fprint(g.out, cyan("opsgate> "))

		select {
		case <-ctx.Done():
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		case <-g.done:
			fmt.Fprintln(g.out, "\nShutting down.")
			return nil
		default:
		}

		raw, err := g.in.ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("reading input: %w", err)
		}
		line := strings.TrimSpace(raw)
		if line != "" {
			if quit := g.dispatch(ctx, line); quit {
				fmt.Fprintln(g.out, "Goodbye.")
				return nil
			}
		}
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(g.out)
			return nil
		}
	}
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

// dispatch runs a REPL command or submits the line as a request.
// Reports whether the session should end.
func (g *Gateway) dispatch(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	switch strings.ToLower(fields[0]) {
	case "quit", "exit", "q":
		return len(fields) == 1
	case "help":
		if len(fields) == 1 {
			g.printHelp()
			return false
		}
	case "history":
		if len(fields) == 1 {
			g.printHistory()
			return false
		}
	case "status":
		if len(fields) == 1 {
			g.printStatus(ctx)
			return false
		}
	case "alerts":
		if len(fields) == 1 {
			g.printAlerts()
			return false
		}
	case "rollback":
		if len(fields) == 2 {
			if n, err := strconv.Atoi(fields[1]); err == nil {
				g.rollback(ctx, n)
				return false
			}
		}
	}

	g.submit(ctx, line)
	return false
}

func (g *Gateway) submit(ctx context.Context, line string) {
	if err := agent.ValidateRequest(line); err != nil {
		fmt.Fprintln(g.out, red("Error: ")+err.Error())
		return
	}

	result := g.orch.Process(ctx, line, domain.SourceCLI)
	g.logger.DebugContext(ctx, "cli request",
		slog.String("request_id", result.ID),
		slog.String("outcome", string(result.Outcome)),
	)

	fmt.Fprintln(g.out)
	fmt.Fprintln(g.out, result.Output)
	fmt.Fprintf(g.out, "%s %s %s\n\n", outcomeLabel(result.Outcome), gray(result.ID), gray(formatDuration(result.Duration)))
}

func (g *Gateway) printHelp() {
	fmt.Fprintln(g.out, bold("Commands:"))
	fmt.Fprintln(g.out, "  help          show this help")
	fmt.Fprintln(g.out, "  history       show the last 10 operations")
	fmt.Fprintln(g.out, "  status        show pipeline status")
	fmt.Fprintln(g.out, "  alerts        show active monitoring alerts")
	fmt.Fprintln(g.out, "  rollback N    undo the newest N operations")
	fmt.Fprintln(g.out, "  quit          leave (also exit, q)")
	fmt.Fprintln(g.out, "Anything else is sent as a request.")
}

func (g *Gateway) printHistory() {
	entries := g.orch.History().Recent(historyShown)
	if len(entries) == 0 {
		fmt.Fprintln(g.out, "No operations recorded.")
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		toolsUsed := "-"
		if len(e.Result.ToolsUsed) > 0 {
			toolsUsed = strings.Join(e.Result.ToolsUsed, ", ")
		}
		fmt.Fprintf(g.out, "%s %s %s tools: %s\n    %s\n",
			gray(e.RecordedAt.Local().Format("15:04:05")),
			outcomeLabel(e.Result.Outcome),
			formatDuration(e.Result.Duration),
			toolsUsed,
			e.Request.Text,
		)
	}
}

func (g *Gateway) printStatus(ctx context.Context) {
	st := g.orch.Status(ctx)
	provider := green("connected")
	if !st.ProviderConnected {
		provider = red("disconnected")
		if st.ProviderError != "" {
			provider += gray(" (" + st.ProviderError + ")")
		}
	}
	fmt.Fprintf(g.out, "Tool provider:        %s\n", provider)
	fmt.Fprintf(g.out, "Tools available:      %d\n", st.ToolCount)
	fmt.Fprintf(g.out, "History size:         %d\n", st.HistorySize)
	fmt.Fprintf(g.out, "Risk assessment:      %s\n", onOff(st.RiskAssessment))
	fmt.Fprintf(g.out, "Require confirmation: %s\n", onOff(st.RequireConfirmation))
	if g.mode != "" {
		fmt.Fprintf(g.out, "Approval mode:        %s\n", g.mode)
	}
	if g.alerts != nil {
		fmt.Fprintf(g.out, "Active alerts:        %d\n", g.alerts.Len())
	} else {
		fmt.Fprintf(g.out, "Active alerts:        %s\n", gray("monitoring disabled"))
	}
}

func (g *Gateway) printAlerts() {
	if g.alerts == nil {
		fmt.Fprintln(g.out, "Monitoring is disabled.")
		return
	}
	active := g.alerts.List()
	if len(active) == 0 {
		fmt.Fprintln(g.out, green("No active alerts."))
		return
	}
	for _, a := range active {
		sev := yellow(strings.ToUpper(string(a.Severity)))
		if a.Severity == alerting.SeverityCritical {
			sev = red(strings.ToUpper(string(a.Severity)))
		}
		fmt.Fprintf(g.out, "%s %s %s %s\n", sev, bold(a.Rule), a.Message, gray("since "+a.FiredAt.Local().Format("15:04:05")))
	}
}

func (g *Gateway) rollback(ctx context.Context, n int) {
	reports, err := g.orch.Rollback(ctx, n)
	if err != nil {
		fmt.Fprintln(g.out, red("Rollback failed: ")+err.Error())
		return
	}
	for _, r := range reports {
		fmt.Fprintf(g.out, "%s %s %s\n", rollbackLabel(r.Status), gray(r.RequestID), r.Text)
		for _, c := range r.Commands {
			line := "    " + c.Command + " -> " + c.Status
			if c.Error != "" {
				line += ": " + c.Error
			}
			fmt.Fprintln(g.out, line)
		}
		if r.Message != "" {
			fmt.Fprintln(g.out, "    "+r.Message)
		}
	}
}

func outcomeLabel(o domain.Outcome) string {
	label := "[" + string(o) + "]"
	switch o {
	case domain.OutcomeSuccess:
		return green(label)
	case domain.OutcomeCancelled:
		return yellow(label)
	default:
		return red(label)
	}
}

func rollbackLabel(status string) string {
	label := "[" + status + "]"
	switch status {
	case history.StatusRolledBack, history.StatusNothing:
		return green(label)
	case history.StatusFailed:
		return red(label)
	default:
		return yellow(label)
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func formatDuration(d time.Duration) string {
	return d.Round(10 * time.Millisecond).String()
}
