package httpapi

import (
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/opsgate/internal/agent"
	"github.com/jkaninda/opsgate/internal/domain"
	"github.com/jkaninda/opsgate/internal/history"
	"github.com/jkaninda/opsgate/internal/tools"
)

const (
	defaultHistoryLimit = 10
	maxHistoryLimit     = 100
	maxBatchRequests    = 100
)

// OperationRequest is the JSON body for POST /v1/operations.
type OperationRequest struct {
	Text string `json:"text"`
}

// OperationResponse is the JSON response for a completed operation.
type OperationResponse struct {
	ID          string              `json:"id"`
	Outcome     domain.Outcome      `json:"outcome"`
	Success     bool                `json:"success"`
	Output      string              `json:"output"`
	ToolsUsed   []string            `json:"tools_used"`
	DurationMS  int64               `json:"duration_ms"`
	CompletedAt time.Time           `json:"completed_at"`
	Steps       []domain.StepResult `json:"steps,omitempty"`
}

func toOperationResponse(r domain.OperationResult) OperationResponse {
	return OperationResponse{
		ID:          r.ID,
		Outcome:     r.Outcome,
		Success:     r.Success,
		Output:      r.Output,
		ToolsUsed:   r.ToolsUsed,
		DurationMS:  r.Duration.Milliseconds(),
		CompletedAt: r.CompletedAt,
		Steps:       r.Steps,
	}
}

func (g *Gateway) handleOperation(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req OperationRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if err := agent.ValidateRequest(req.Text); err != nil {
		return c.AbortBadRequest(err.Error())
	}

	g.logger.Info("http operation", slog.String("client_id", c.GetString("clientID")))

	result := g.orch.Process(c.Context(), req.Text, domain.SourceHTTP)
	return c.OK(toOperationResponse(result))
}

// BatchRequest is the JSON body for POST /v1/batch.
type BatchRequest struct {
	Requests []string `json:"requests"`
}

// BatchResponse summarizes a batch run.
type BatchResponse struct {
	Total     int                 `json:"total"`
	Succeeded int                 `json:"succeeded"`
	Results   []OperationResponse `json:"results"`
}

func (g *Gateway) handleBatch(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req BatchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if len(req.Requests) == 0 {
		return c.AbortBadRequest("requests is required")
	}
	if len(req.Requests) > maxBatchRequests {
		return c.AbortBadRequest("too many requests in batch (max " + strconv.Itoa(maxBatchRequests) + ")")
	}
	for i, text := range req.Requests {
		if err := agent.ValidateRequest(text); err != nil {
			return c.AbortBadRequest("request " + strconv.Itoa(i+1) + ": " + err.Error())
		}
	}

	summary := g.orch.Batch(c.Context(), req.Requests, domain.SourceBatch)
	resp := BatchResponse{Total: summary.Total, Succeeded: summary.Succeeded}
	for _, r := range summary.Results {
		resp.Results = append(resp.Results, toOperationResponse(r))
	}
	return c.OK(resp)
}

// HistoryItem is one entry of GET /v1/history.
type HistoryItem struct {
	ID               string         `json:"id"`
	Text             string         `json:"text"`
	Source           domain.Source  `json:"source"`
	Outcome          domain.Outcome `json:"outcome"`
	ToolsUsed        []string       `json:"tools_used"`
	DurationMS       int64          `json:"duration_ms"`
	RecordedAt       time.Time      `json:"recorded_at"`
	RollbackCommands []string       `json:"rollback_commands,omitempty"`
}

func (g *Gateway) handleHistory(c *okapi.Context) error {
	limit := defaultHistoryLimit
	if v := c.Request().URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxHistoryLimit)
	}

	entries := g.orch.History().Recent(limit)
	items := make([]HistoryItem, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		e := entries[i]
		items = append(items, HistoryItem{
			ID:               e.Request.ID,
			Text:             e.Request.Text,
			Source:           e.Request.Source,
			Outcome:          e.Result.Outcome,
			ToolsUsed:        e.Result.ToolsUsed,
			DurationMS:       e.Result.Duration.Milliseconds(),
			RecordedAt:       e.RecordedAt,
			RollbackCommands: e.RollbackCommands,
		})
	}
	return c.OK(items)
}

// RollbackRequest is the JSON body for POST /v1/rollback.
type RollbackRequest struct {
	Count int `json:"count"`
}

// RollbackResponse lists one report per rolled back entry, newest first.
type RollbackResponse struct {
	Reports []history.Report `json:"reports"`
}

func (g *Gateway) handleRollback(c *okapi.Context) error {
	if !g.allow(c) {
		return c.AbortTooManyRequests("rate limit exceeded")
	}

	var req RollbackRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	reports, err := g.orch.Rollback(c.Context(), req.Count)
	if err != nil {
		if errors.Is(err, history.ErrInvalidRollbackCount) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("rollback failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("rollback failed")
	}
	return c.OK(RollbackResponse{Reports: reports})
}

// ToolResponse describes one available tool.
type ToolResponse struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (g *Gateway) handleTools(c *okapi.Context) error {
	defs, err := g.orch.Tools(c.Context())
	if err != nil {
		if errors.Is(err, tools.ErrProviderUnavailable) {
			return c.AbortServiceUnavailable("tool provider unavailable")
		}
		return c.AbortInternalServerError("listing tools failed")
	}
	resp := make([]ToolResponse, 0, len(defs))
	for _, d := range defs {
		resp = append(resp, ToolResponse{Name: d.Name, Description: d.Description})
	}
	return c.OK(resp)
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return c.OK(g.orch.Status(c.Context()))
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	return c.JSON(status.HTTPStatus(), status)
}
