// Package mcp connects the tool layer to the Model Context Protocol.
//
// Session is a tools.Provider backed by a remote MCP server, reached over
// stdio, SSE or streamable HTTP. NewServer exposes a local tools.Registry
// as an MCP server so other processes can use the same tool set.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/opsgate/internal/tools"
)

// Transport names accepted by Config.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable_http"
)

// Config describes how to reach an MCP server.
type Config struct {
	Transport string
	// Command, Args and Env start a stdio server.
	Command string
	Args    []string
	Env     map[string]string
	// URL and Headers reach an sse or streamable_http server.
	URL     string
	Headers map[string]string
}

// Session is a live connection to one MCP server. Safe for concurrent use.
// A closed session fails every call with tools.ErrProviderUnavailable.
type Session struct {
	mu     sync.RWMutex
	client *mcpclient.Client
	name   string
	closed bool
	logger *slog.Logger
}

var _ tools.Provider = (*Session)(nil)

// Dial connects to the server described by cfg and performs the
// initialization handshake. The caller owns the session and must Close it.
func Dial(ctx context.Context, cfg Config, logger *slog.Logger) (*Session, error) {
	c, err := createClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tools.ErrProviderUnavailable, err)
	}
	name := cfg.URL
	if cfg.Transport == TransportStdio {
		name = cfg.Command
	}
	return Connect(ctx, c, name, logger)
}

// Connect starts and initializes an already constructed client.
func Connect(ctx context.Context, c *mcpclient.Client, name string, logger *slog.Logger) (*Session, error) {
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: starting MCP transport for %q: %v", tools.ErrProviderUnavailable, name, err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{
		Name:    "opsgate",
		Version: "0.1.0",
	}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("%w: MCP initialize for %q: %v", tools.ErrProviderUnavailable, name, err)
	}

	logger.Info("MCP session established", slog.String("server", name))
	return &Session{client: c, name: name, logger: logger}, nil
}

// Name identifies the server this session talks to.
func (s *Session) Name() string { return s.name }

// ListTools discovers the server's tools.
func (s *Session) ListTools(ctx context.Context) ([]tools.Definition, error) {
	c, err := s.acquire()
	if err != nil {
		return nil, err
	}
	resp, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, s.mapError(ctx, "list tools", err)
	}
	defs := make([]tools.Definition, 0, len(resp.Tools))
	for _, t := range resp.Tools {
		defs = append(defs, tools.Definition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: convertInputSchema(t.InputSchema),
		})
	}
	return defs, nil
}

// CallTool invokes one tool on the server.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*tools.Result, error) {
	c, err := s.acquire()
	if err != nil {
		return nil, err
	}

	callReq := mcp.CallToolRequest{}
	callReq.Params.Name = name
	callReq.Params.Arguments = args

	callResult, err := c.CallTool(ctx, callReq)
	if err != nil {
		return nil, s.mapError(ctx, "call "+name, err)
	}

	output := formatContent(callResult.Content)
	if callResult.IsError && strings.HasPrefix(output, tools.ErrInvalidArguments.Error()) {
		return nil, fmt.Errorf("%w%s", tools.ErrInvalidArguments, strings.TrimPrefix(output, tools.ErrInvalidArguments.Error()))
	}
	return &tools.Result{
		Output:  tools.TruncateOutput(output, tools.MaxOutputBytes),
		IsError: callResult.IsError,
		Metadata: map[string]any{
			"mcp_server":    s.name,
			"content_items": len(callResult.Content),
		},
	}, nil
}

// Ping checks that the server still answers.
func (s *Session) Ping(ctx context.Context) error {
	c, err := s.acquire()
	if err != nil {
		return err
	}
	if err := c.Ping(ctx); err != nil {
		return s.mapError(ctx, "ping", err)
	}
	return nil
}

// Close releases the connection. Calling Close twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Info("MCP session closed", slog.String("server", s.name))
	return s.client.Close()
}

func (s *Session) acquire() (*mcpclient.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.client == nil {
		return nil, fmt.Errorf("%w: session %q is closed", tools.ErrProviderUnavailable, s.name)
	}
	return s.client, nil
}

// mapError translates client errors into the tools error vocabulary.
// Protocol-level rejections keep their meaning; anything else means the
// transport is gone.
func (s *Session) mapError(ctx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("MCP %s: %w", op, ctx.Err())
	case errors.Is(err, mcp.ErrInvalidParams) && strings.Contains(err.Error(), "not found"):
		return fmt.Errorf("%w: %v", tools.ErrUnknownTool, err)
	case errors.Is(err, mcp.ErrInvalidParams):
		return fmt.Errorf("%w: %v", tools.ErrInvalidArguments, err)
	case errors.Is(err, mcp.ErrMethodNotFound):
		return fmt.Errorf("%w: %v", tools.ErrUnknownTool, err)
	case errors.Is(err, mcp.ErrRequestInterrupted):
		return fmt.Errorf("%w: %v", tools.ErrExecutionTimeout, err)
	case errors.Is(err, mcp.ErrInternalError):
		return fmt.Errorf("MCP %s: %w", op, err)
	default:
		s.logger.Warn("MCP transport error",
			slog.String("server", s.name),
			slog.String("op", op),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("%w: MCP %s: %v", tools.ErrProviderUnavailable, op, err)
	}
}

// formatContent converts MCP content items to a single string.
func formatContent(content []mcp.Content) string {
	var sb strings.Builder
	for i, c := range content {
		if i > 0 {
			sb.WriteString("\n")
		}
		if tc, ok := mcp.AsTextContent(c); ok {
			sb.WriteString(tc.Text)
		} else {
			// For non-text content (image, audio, resource), serialize as JSON.
			data, _ := json.Marshal(c)
			sb.Write(data)
		}
	}
	return sb.String()
}

// createClient creates the appropriate MCP client based on transport type.
func createClient(cfg Config) (*mcpclient.Client, error) {
	switch cfg.Transport {
	case TransportStdio:
		if cfg.Command == "" {
			return nil, errors.New("stdio transport requires a command")
		}
		return mcpclient.NewStdioMCPClient(cfg.Command, expandEnvMap(cfg.Env), cfg.Args...)

	case TransportSSE:
		var opts []transport.ClientOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewSSEMCPClient(cfg.URL, opts...)

	case TransportStreamableHTTP, "":
		var opts []transport.StreamableHTTPCOption
		if len(cfg.Headers) > 0 {
			opts = append(opts, transport.WithHTTPHeaders(expandEnvToMap(cfg.Headers)))
		}
		return mcpclient.NewStreamableHttpClient(cfg.URL, opts...)

	default:
		return nil, fmt.Errorf("unsupported transport: %s", cfg.Transport)
	}
}

// convertInputSchema converts the MCP ToolInputSchema to the map[string]any
// format the tool layer uses.
func convertInputSchema(schema mcp.ToolInputSchema) map[string]any {
	result := map[string]any{
		"type": schema.Type,
	}
	if schema.Properties != nil {
		result["properties"] = schema.Properties
	}
	if len(schema.Required) > 0 {
		result["required"] = schema.Required
	}
	return result
}

// expandEnvMap converts a map of key→value to a []string of "KEY=expanded_value".
func expandEnvMap(m map[string]string) []string {
	env := make([]string, 0, len(m))
	for k, v := range m {
		env = append(env, k+"="+os.ExpandEnv(v))
	}
	return env
}

// expandEnvToMap returns a new map with values expanded via os.ExpandEnv.
func expandEnvToMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = os.ExpandEnv(v)
	}
	return out
}
