package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jkaninda/opsgate/internal/tools"
)

// NewServer exposes every tool in registry over MCP.
func NewServer(registry *tools.Registry, version string, logger *slog.Logger) (*server.MCPServer, error) {
	s := server.NewMCPServer("opsgate", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	for _, name := range registry.List() {
		t := registry.Get(name)
		schema, err := json.Marshal(t.InputSchema())
		if err != nil {
			return nil, fmt.Errorf("encoding schema for %s: %w", name, err)
		}
		s.AddTool(mcp.NewToolWithRawSchema(name, t.Description(), schema), toolHandler(registry, name, logger))
	}

	logger.Info("MCP server prepared", slog.Int("tools", len(registry.List())))
	return s, nil
}

// toolHandler runs a registry tool and encodes the outcome as an MCP
// result. Timeouts carry tools.TimeoutMarker so clients can tell them apart.
func toolHandler(registry *tools.Registry, name string, logger *slog.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := registry.CallTool(ctx, name, req.GetArguments())
		switch {
		case errors.Is(err, tools.ErrExecutionTimeout):
			return mcp.NewToolResultError(tools.TimeoutMarker + err.Error()), nil
		case err != nil:
			logger.WarnContext(ctx, "MCP tool call failed",
				slog.String("tool", name),
				slog.String("error", err.Error()),
			)
			return mcp.NewToolResultError(err.Error()), nil
		case res.IsError:
			return mcp.NewToolResultError(res.Output), nil
		default:
			return mcp.NewToolResultText(res.Output), nil
		}
	}
}
