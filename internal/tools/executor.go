package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultCallTimeout bounds a single provider call when none is configured.
const DefaultCallTimeout = 60 * time.Second

// CallObserver receives per-call telemetry. Satisfied by the metrics collector.
type CallObserver interface {
	ObserveToolCall(tool string, duration time.Duration, outcome string)
}

// Executor invokes tool calls through a Provider. Each Execute makes
// exactly one provider call; retry policy belongs to the caller.
type Executor struct {
	provider Provider
	timeout  time.Duration
	observer CallObserver
	logger   *slog.Logger
}

// NewExecutor creates an executor. A nil provider makes every call fail
// with ErrProviderUnavailable.
func NewExecutor(provider Provider, timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Executor{provider: provider, timeout: timeout, logger: logger}
}

// WithObserver attaches call telemetry.
func (e *Executor) WithObserver(o CallObserver) *Executor {
	e.observer = o
	return e
}

// Provider returns the underlying provider.
func (e *Executor) Provider() Provider { return e.provider }

// Execute runs one tool call. Errors are classified as:
// ErrProviderUnavailable (terminal for the request), ErrExecutionTimeout,
// *ExecutionError (tool ran and failed; the result is still returned),
// or the caller's context error.
func (e *Executor) Execute(ctx context.Context, call Call) (*Result, error) {
	if e.provider == nil {
		return nil, fmt.Errorf("%w: no active session", ErrProviderUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	res, err := e.provider.CallTool(callCtx, call.Name, call.Arguments)
	duration := time.Since(start)

	err = e.classify(ctx, callCtx, call, res, err)
	e.observe(call.Name, duration, err)

	if err != nil {
		e.logger.WarnContext(ctx, "tool call failed",
			slog.String("tool", call.Name),
			slog.Duration("duration", duration),
			slog.String("error", err.Error()),
		)
		return res, err
	}

	e.logger.DebugContext(ctx, "tool call succeeded",
		slog.String("tool", call.Name),
		slog.Duration("duration", duration),
	)
	return res, nil
}

func (e *Executor) classify(ctx, callCtx context.Context, call Call, res *Result, err error) error {
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return fmt.Errorf("tool %s: %w", call.Name, ctx.Err())
		case errors.Is(err, ErrProviderUnavailable):
			return err
		case errors.Is(err, ErrExecutionTimeout),
			errors.Is(err, context.DeadlineExceeded),
			errors.Is(callCtx.Err(), context.DeadlineExceeded):
			return fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, call.Name, e.timeout)
		default:
			return &ExecutionError{Tool: call.Name, Err: err}
		}
	}
	if res == nil {
		return &ExecutionError{Tool: call.Name, Err: errors.New("provider returned no result")}
	}
	if res.IsError {
		if strings.HasPrefix(res.Output, TimeoutMarker) {
			return fmt.Errorf("%w: %s: %s", ErrExecutionTimeout, call.Name, strings.TrimPrefix(res.Output, TimeoutMarker))
		}
		return &ExecutionError{Tool: call.Name, Output: res.Output}
	}
	return nil
}

func (e *Executor) observe(tool string, d time.Duration, err error) {
	if e.observer == nil {
		return
	}
	outcome := "success"
	var execErr *ExecutionError
	switch {
	case err == nil:
	case errors.Is(err, ErrProviderUnavailable):
		outcome = "unavailable"
	case errors.Is(err, ErrExecutionTimeout):
		outcome = "timeout"
	case errors.As(err, &execErr):
		outcome = "error"
	default:
		outcome = "canceled"
	}
	e.observer.ObserveToolCall(tool, d, outcome)
}
