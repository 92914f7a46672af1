package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/opsgate/internal/domain"
)

// ParseBatch reads newline-separated requests. Blank lines and lines
// starting with # are skipped.
func ParseBatch(r io.Reader) ([]string, error) {
	var requests []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		requests = append(requests, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading batch: %w", err)
	}
	return requests, nil
}

// Batch processes requests on a bounded worker pool. One request's
// failure does not affect the others.
func (o *Orchestrator) Batch(ctx context.Context, requests []string, source domain.Source) BatchSummary {
	results := make([]domain.OperationResult, len(requests))

	var g errgroup.Group
	g.SetLimit(o.batchConcurrency)
	for i, text := range requests {
		g.Go(func() error {
			results[i] = o.Process(ctx, text, source)
			return nil
		})
	}
	_ = g.Wait()

	summary := BatchSummary{Total: len(requests), Results: results}
	for _, r := range results {
		if r.Success {
			summary.Succeeded++
		}
	}
	o.logger.InfoContext(ctx, "batch completed",
		slog.Int("total", summary.Total),
		slog.Int("succeeded", summary.Succeeded),
	)
	return summary
}
