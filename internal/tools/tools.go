// Package tools defines the tool call model, the tool registry, and the
// executor that invokes tools through a provider.
//
// A Provider is the opaque boundary to whatever actually touches the
// host: the in-process Registry, or a remote MCP session. The core only
// ever lists tools and calls them by name.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Call is a named, parameterized action requested against a provider.
// Arguments must not be mutated after construction.
type Call struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Definition describes a tool to the oracle and to remote clients.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Result is the outcome of a tool call.
type Result struct {
	Output   string         `json:"output"`
	IsError  bool           `json:"is_error"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider lists and invokes tools. Argument validation is the provider's job.
type Provider interface {
	ListTools(ctx context.Context) ([]Definition, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*Result, error)
}

// Tool is the interface all local tools implement.
type Tool interface {
	// Name returns the tool's unique identifier (e.g. "manage_service").
	Name() string

	// Description returns a human-readable description.
	Description() string

	// InputSchema returns a JSON Schema object describing the tool's parameters.
	InputSchema() map[string]any

	// Validate checks that params are well-formed before execution.
	Validate(params map[string]any) error

	// Execute runs the tool with the given parameters.
	Execute(ctx context.Context, params map[string]any) (*Result, error)
}

var (
	ErrUnknownTool         = errors.New("unknown tool")
	ErrInvalidArguments    = errors.New("invalid tool arguments")
	ErrProviderUnavailable = errors.New("tool provider unavailable")
	ErrExecutionTimeout    = errors.New("tool execution timed out")
)

// ExecutionError reports a tool that ran and failed.
type ExecutionError struct {
	Tool   string
	Output string
	Err    error
}

func (e *ExecutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("tool %s failed: %v", e.Tool, e.Err)
	}
	return fmt.Sprintf("tool %s reported failure", e.Tool)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// MaxOutputBytes is the default cap for tool output to prevent OOM.
const MaxOutputBytes = 1 << 20 // 1 MB

// TimeoutMarker prefixes error output of a call that hit its timeout,
// so the condition survives a text-only transport.
const TimeoutMarker = "execution timeout: "

// TruncateOutput caps a string at maxBytes, appending a truncation notice if cut.
func TruncateOutput(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	const suffix = "\n... [output truncated]"
	if maxBytes <= len(suffix) {
		return s[:maxBytes]
	}
	return s[:maxBytes-len(suffix)] + suffix
}

// Registry holds available tools keyed by name and serves them as an
// in-process Provider.
// Thread-safe for concurrent reads; writes should only happen at startup.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Panics on duplicate names (startup config error, not runtime).
func (r *Registry) Register(t Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		panic("duplicate tool registration: " + t.Name())
	}
	r.tools[t.Name()] = t
}

// Get returns the tool by name, or nil if not found.
func (r *Registry) Get(name string) Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.tools[name]
}

// List returns all registered tool names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListTools returns the definitions of all registered tools, sorted by name.
func (r *Registry) ListTools(_ context.Context) ([]Definition, error) {
	names := r.List()
	defs := make([]Definition, 0, len(names))
	for _, name := range names {
		t := r.Get(name)
		defs = append(defs, Definition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.InputSchema(),
		})
	}
	return defs, nil
}

// CallTool validates and runs a registered tool.
func (r *Registry) CallTool(ctx context.Context, name string, args map[string]any) (*Result, error) {
	t := r.Get(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}
	if args == nil {
		args = map[string]any{}
	}
	if err := t.Validate(args); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidArguments, name, err)
	}
	res, err := t.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	res.Output = TruncateOutput(res.Output, MaxOutputBytes)
	return res, nil
}
