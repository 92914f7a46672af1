// Package oracle turns a natural-language request into a structured intent
// by prompting a language model with the tool catalog.
//
// The model is treated as a black box. A reply that cannot be decoded is
// not an error: it becomes a fallback intent carrying the raw text.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/jkaninda/opsgate/internal/llm"
	"github.com/jkaninda/opsgate/internal/tools"
	"github.com/kaptinlin/jsonrepair"
)

// ErrParseFallback classifies an intent whose reply was not structured.
var ErrParseFallback = errors.New("oracle reply could not be parsed as structured intent")

const (
	defaultMaxTokens     = 2048
	defaultContextTool   = "get_system_info"
	defaultLookupTimeout = 10 * time.Second

	plainTextConfidence  = 0.8
	brokenJSONConfidence = 0.7
)

// Intent is the structured reading of a request.
type Intent struct {
	Content    string       `json:"content"`
	ToolCalls  []tools.Call `json:"tool_calls"`
	Confidence float64      `json:"confidence"`
	RiskLevel  string       `json:"risk_level"`
	// Fallback is set when the reply was plain text or undecodable JSON.
	Fallback bool `json:"fallback,omitempty"`
}

// Err returns ErrParseFallback for a fallback intent, nil otherwise.
func (i *Intent) Err() error {
	if i.Fallback {
		return ErrParseFallback
	}
	return nil
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithMaxTokens caps the model reply.
func WithMaxTokens(n int) Option {
	return func(o *Oracle) {
		if n > 0 {
			o.maxTokens = n
		}
	}
}

// WithContextTool names the tool whose output is embedded as system
// context. An empty name disables the context lookup.
func WithContextTool(name string) Option {
	return func(o *Oracle) { o.contextTool = name }
}

// WithExecutor runs the context tool through exec, which applies its own
// per-call timeout and records tool metrics.
func WithExecutor(exec *tools.Executor) Option {
	return func(o *Oracle) { o.executor = exec }
}

// WithLookupTimeout bounds listing the catalog and, without an executor,
// the context tool call. The default is ten seconds.
func WithLookupTimeout(d time.Duration) Option {
	return func(o *Oracle) {
		if d > 0 {
			o.lookupTimeout = d
		}
	}
}

// Oracle interprets requests through a Completer.
type Oracle struct {
	completer     llm.Completer
	provider      tools.Provider
	executor      *tools.Executor
	maxTokens     int
	contextTool   string
	lookupTimeout time.Duration
	logger        *slog.Logger
}

// New creates an oracle. The provider supplies the tool catalog and the
// system context; it may be nil, in which case the prompt lists no tools.
func New(completer llm.Completer, provider tools.Provider, logger *slog.Logger, opts ...Option) *Oracle {
	o := &Oracle{
		completer:     completer,
		provider:      provider,
		maxTokens:     defaultMaxTokens,
		contextTool:   defaultContextTool,
		lookupTimeout: defaultLookupTimeout,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Interpret asks the model for an intent. Only a completer failure is an
// error; an unparseable reply comes back as a fallback intent.
func (o *Oracle) Interpret(ctx context.Context, text string) (*Intent, error) {
	if o.completer == nil {
		return nil, errors.New("no language model configured")
	}

	var defs []tools.Definition
	if o.provider != nil {
		listCtx, cancel := context.WithTimeout(ctx, o.lookupTimeout)
		var err error
		defs, err = o.provider.ListTools(listCtx)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("listing tools: %w", err)
		}
	}

	system, prompt := BuildPrompt(defs, text, o.systemContext(ctx, defs))

	resp, err := o.completer.Complete(ctx, &llm.Request{
		SystemPrompt: system,
		Prompt:       prompt,
		MaxTokens:    o.maxTokens,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("%s completion: %w", o.completer.Name(), err)
	}

	intent := Parse(resp.Text)
	if intent.Fallback {
		o.logger.WarnContext(ctx, "oracle reply was not structured",
			slog.String("provider", o.completer.Name()),
			slog.Float64("confidence", intent.Confidence),
		)
	} else {
		o.logger.DebugContext(ctx, "oracle intent parsed",
			slog.String("provider", o.completer.Name()),
			slog.Int("tool_calls", len(intent.ToolCalls)),
			slog.Float64("confidence", intent.Confidence),
		)
	}
	return intent, nil
}

// systemContext runs the context tool when the catalog has it. Failures
// only cost the prompt some detail.
func (o *Oracle) systemContext(ctx context.Context, defs []tools.Definition) string {
	if o.contextTool == "" || o.provider == nil {
		return ""
	}
	found := false
	for _, d := range defs {
		if d.Name == o.contextTool {
			found = true
			break
		}
	}
	if !found {
		return ""
	}
	var (
		res *tools.Result
		err error
	)
	if o.executor != nil {
		res, err = o.executor.Execute(ctx, tools.Call{Name: o.contextTool, Arguments: map[string]any{}})
	} else {
		callCtx, cancel := context.WithTimeout(ctx, o.lookupTimeout)
		res, err = o.provider.CallTool(callCtx, o.contextTool, map[string]any{})
		cancel()
	}
	if err != nil || res == nil || res.IsError {
		o.logger.DebugContext(ctx, "system context unavailable",
			slog.String("tool", o.contextTool),
			slog.Any("error", err),
		)
		return ""
	}
	return res.Output
}

// BuildPrompt renders the system prompt (tool catalog and reply format)
// and the user prompt (request plus optional context).
func BuildPrompt(defs []tools.Definition, text, systemContext string) (system, prompt string) {
	var b strings.Builder
	b.WriteString("You are an intelligent system administration assistant with access to MCP tools.\n")
	b.WriteString("Available tools:\n")
	for _, d := range defs {
		fmt.Fprintf(&b, "- %s: %s\n", d.Name, d.Description)
		if params := describeParams(d.InputSchema); params != "" {
			fmt.Fprintf(&b, "  parameters: %s\n", params)
		}
	}
	b.WriteString(`
You can execute system operations safely and efficiently. Always:
1. Assess the risk level of operations (low/medium/high)
2. Provide clear explanations of what you're doing
3. Use appropriate tools for the task
4. Include confidence scores in your responses

Respond in JSON format with:
{
    "content": "Your response explanation",
    "tool_calls": [
        {
            "name": "tool_name",
            "arguments": {...}
        }
    ],
    "confidence": 0.95,
    "risk_level": "low|medium|high"
}
`)
	system = b.String()

	prompt = "User Request: " + text
	if systemContext != "" {
		prompt += "\nContext: " + systemContext
	}
	return system, prompt
}

// describeParams lists the schema's property names, marking required ones.
func describeParams(schema map[string]any) string {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return ""
	}
	required := map[string]bool{}
	switch req := schema["required"].(type) {
	case []string:
		for _, r := range req {
			required[r] = true
		}
	case []any:
		for _, r := range req {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)
	for i, name := range names {
		if required[name] {
			names[i] = name + " (required)"
		}
	}
	return strings.Join(names, ", ")
}

// Parse decodes a model reply. Replies that do not start with an object
// are plain text (confidence 0.8, risk low). Objects that cannot be
// decoded, even after repair, fall back with confidence 0.7, risk medium.
func Parse(text string) *Intent {
	candidate := stripFence(strings.TrimSpace(text))
	if !strings.HasPrefix(candidate, "{") {
		return &Intent{
			Content:    strings.TrimSpace(text),
			Confidence: plainTextConfidence,
			RiskLevel:  "low",
			Fallback:   true,
		}
	}

	intent, err := decode(candidate)
	if err != nil {
		repaired, repairErr := jsonrepair.JSONRepair(candidate)
		if repairErr == nil {
			intent, err = decode(repaired)
		}
	}
	if err != nil {
		return &Intent{
			Content:    strings.TrimSpace(text),
			Confidence: brokenJSONConfidence,
			RiskLevel:  "medium",
			Fallback:   true,
		}
	}
	return intent
}

func decode(s string) (*Intent, error) {
	var intent Intent
	if err := json.Unmarshal([]byte(s), &intent); err != nil {
		return nil, err
	}
	intent.Fallback = false
	for i := range intent.ToolCalls {
		if intent.ToolCalls[i].Arguments == nil {
			intent.ToolCalls[i].Arguments = map[string]any{}
		}
	}
	return &intent, nil
}

// stripFence removes a surrounding markdown code fence (```json ... ```).
func stripFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
