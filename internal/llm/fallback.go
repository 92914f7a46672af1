package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// FallbackCompleter wraps multiple completers and tries them in order.
// If the primary fails, subsequent completers are tried until one
// succeeds or all have failed.
type FallbackCompleter struct {
	completers []Completer
	logger     *slog.Logger
}

// NewFallbackCompleter creates a completer that tries each in order.
// At least one completer is required.
func NewFallbackCompleter(completers []Completer, logger *slog.Logger) *FallbackCompleter {
	if len(completers) == 0 {
		panic("FallbackCompleter requires at least one completer")
	}
	return &FallbackCompleter{
		completers: completers,
		logger:     logger,
	}
}

// Complete tries each completer in order, returning the first successful response.
// A canceled context stops the chain immediately.
func (f *FallbackCompleter) Complete(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error
	for i, c := range f.completers {
		resp, err := c.Complete(ctx, req)
		if err == nil {
			if i > 0 {
				f.logger.InfoContext(ctx, "provider fallback succeeded",
					slog.String("provider", c.Name()),
					slog.Int("attempt", i+1),
				)
			}
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%s: %w", c.Name(), ctx.Err())
		}
		lastErr = err
		f.logger.WarnContext(ctx, "provider failed, trying next",
			slog.String("provider", c.Name()),
			slog.String("error", err.Error()),
			slog.Int("attempt", i+1),
			slog.Int("remaining", len(f.completers)-i-1),
		)
	}
	return nil, fmt.Errorf("all %d providers failed, last error: %w", len(f.completers), lastErr)
}

// Name returns a composite name indicating fallback configuration.
func (f *FallbackCompleter) Name() string {
	return f.completers[0].Name() + "+fallback"
}
