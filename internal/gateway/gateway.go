// Package gateway holds what the operator-facing surfaces (the REPL and
// the HTTP API) have in common.
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"
)

// Gateway is a surface that submits requests to the orchestrator.
type Gateway interface {
	// Start serves until ctx ends, the surface exits on its own, or Stop
	// is called.
	Start(ctx context.Context) error

	// Stop shuts the surface down within the deadline carried by ctx.
	Stop(ctx context.Context) error
}

// Run starts gw and waits for it to exit or for ctx to end. On
// cancellation gw is stopped with the given grace period. A server
// closed by Stop is a clean exit.
func Run(ctx context.Context, gw Gateway, grace time.Duration, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() { errCh <- gw.Start(ctx) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		logger.Info("shutting down", slog.String("reason", context.Cause(ctx).Error()))
		stopCtx, cancel := context.WithTimeout(context.Background(), grace)
		defer cancel()
		return gw.Stop(stopCtx)
	}
}
