package approval

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
)

// Prompter asks an operator on a terminal. Answers other than y/yes deny.
type Prompter struct {
	mu  sync.Mutex
	in  *bufio.Reader
	out io.Writer
}

// NewPrompter creates a terminal approver reading answers from in.
func NewPrompter(in io.Reader, out io.Writer) *Prompter {
	return &Prompter{in: bufio.NewReader(in), out: out}
}

// Approve prints the call and its risk, then reads one line.
// Concurrent requests are serialized so prompts never interleave.
func (p *Prompter) Approve(ctx context.Context, req Request) (Verdict, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "\nConfirmation required (%s risk)\n", strings.ToUpper(req.RiskLevel))
	fmt.Fprintf(p.out, "  tool: %s\n", req.Tool)
	if len(req.Arguments) > 0 {
		keys := make([]string, 0, len(req.Arguments))
		for k := range req.Arguments {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(p.out, "  %s: %v\n", k, req.Arguments[k])
		}
	}
	for _, r := range req.Reasons {
		fmt.Fprintf(p.out, "  - %s\n", r)
	}
	fmt.Fprint(p.out, "Proceed? [y/N]: ")

	type answer struct {
		line string
		err  error
	}
	ch := make(chan answer, 1)
	go func() {
		line, err := p.in.ReadString('\n')
		ch <- answer{line, err}
	}()

	select {
	case <-ctx.Done():
		fmt.Fprintln(p.out)
		return Verdict{}, ctx.Err()
	case a := <-ch:
		if a.err != nil && !(errors.Is(a.err, io.EOF) && a.line != "") {
			return Verdict{Reason: "no answer"}, nil
		}
		switch strings.ToLower(strings.TrimSpace(a.line)) {
		case "y", "yes":
			return Verdict{Approved: true, ApprovedBy: "operator"}, nil
		default:
			return Verdict{Reason: "denied by operator"}, nil
		}
	}
}

// AutoApprover approves every request. Only used when an operator sets
// the auto-approve mode explicitly; each use is logged at WARN.
type AutoApprover struct {
	allowedTools []string
	logger       *slog.Logger
}

// NewAutoApprover creates an auto approver. A non-empty allowedTools
// restricts auto-approval to those tools; everything else is denied.
func NewAutoApprover(allowedTools []string, logger *slog.Logger) *AutoApprover {
	return &AutoApprover{allowedTools: allowedTools, logger: logger}
}

func (a *AutoApprover) Approve(ctx context.Context, req Request) (Verdict, error) {
	if len(a.allowedTools) > 0 && !slices.Contains(a.allowedTools, req.Tool) {
		a.logger.WarnContext(ctx, "auto-approve skipped, tool not allowed",
			slog.String("request_id", req.RequestID),
			slog.String("tool", req.Tool),
		)
		return Verdict{Reason: "tool not eligible for auto-approval"}, nil
	}
	a.logger.WarnContext(ctx, "auto-approving confirmation-gated call",
		slog.String("request_id", req.RequestID),
		slog.String("tool", req.Tool),
		slog.String("risk", req.RiskLevel),
	)
	return Verdict{Approved: true, ApprovedBy: "auto-approve"}, nil
}

// Denier rejects every request.
type Denier struct{}

func (Denier) Approve(context.Context, Request) (Verdict, error) {
	return Verdict{Reason: "confirmation required but no approver is available"}, nil
}

// Queue parks requests in a Manager until someone resolves them or the TTL runs out.
type Queue struct {
	manager *Manager
}

// NewQueue creates a queue approver backed by m.
func NewQueue(m *Manager) *Queue { return &Queue{manager: m} }

func (q *Queue) Approve(ctx context.Context, req Request) (Verdict, error) {
	id, err := q.manager.Create(ctx, req)
	if err != nil {
		return Verdict{}, err
	}
	pa, err := q.manager.Wait(ctx, id)
	switch {
	case errors.Is(err, ErrExpired):
		return Verdict{Reason: "approval expired"}, nil
	case err != nil:
		return Verdict{}, err
	case pa.Status == StatusApproved:
		return Verdict{Approved: true, ApprovedBy: pa.ResolvedBy}, nil
	default:
		return Verdict{ApprovedBy: pa.ResolvedBy, Reason: "denied by " + pa.ResolvedBy}, nil
	}
}
