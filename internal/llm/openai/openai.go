// Package openai implements llm.Completer for the OpenAI Chat Completions
// API. It also serves Ollama and other OpenAI-compatible endpoints.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/jkaninda/opsgate/internal/llm"
)

const (
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 4096
)

// Client implements llm.Completer using go-openai.
type Client struct {
	client *goopenai.Client
	model  string
	name   string
	logger *slog.Logger
}

type options struct {
	baseURL    string
	httpClient *http.Client
	name       string
}

// Option configures the OpenAI client.
type Option func(*options)

// WithBaseURL overrides the API base URL (must include the /v1 suffix).
func WithBaseURL(url string) Option {
	return func(o *options) { o.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(o *options) { o.httpClient = hc }
}

// WithName overrides the provider name (e.g. "ollama").
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// NewClient creates an OpenAI-compatible completer.
// For Ollama, use WithBaseURL("http://localhost:11434/v1") and WithName("ollama").
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	o := options{name: "openai"}
	for _, opt := range opts {
		opt(&o)
	}
	cfg := goopenai.DefaultConfig(apiKey)
	if o.baseURL != "" {
		cfg.BaseURL = o.baseURL
	}
	if o.httpClient != nil {
		cfg.HTTPClient = o.httpClient
	}
	if model == "" {
		model = defaultModel
	}
	return &Client{
		client: goopenai.NewClientWithConfig(cfg),
		model:  model,
		name:   o.name,
		logger: logger,
	}
}

func (c *Client) Name() string { return c.name }

// Complete sends the prompt as a system + user chat completion.
func (c *Client) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	var messages []goopenai.ChatCompletionMessage
	if req.SystemPrompt != "" {
		messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleSystem, Content: req.SystemPrompt})
	}
	messages = append(messages, goopenai.ChatCompletionMessage{Role: goopenai.ChatMessageRoleUser, Content: req.Prompt})

	chatReq := goopenai.ChatCompletionRequest{
		Model:               c.model,
		Messages:            messages,
		MaxCompletionTokens: maxTokens,
		Temperature:         req.Temperature,
	}
	if req.JSONMode {
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("%s API call failed: %w", c.name, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return nil, llm.ErrEmptyResponse
	}

	out := &llm.Response{
		Text:       resp.Choices[0].Message.Content,
		StopReason: normalizeFinishReason(resp.Choices[0].FinishReason),
		Usage: llm.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}

	c.logger.DebugContext(ctx, "llm request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.Int("input_tokens", out.Usage.InputTokens),
		slog.Int("output_tokens", out.Usage.OutputTokens),
		slog.String("stop_reason", out.StopReason),
	)
	return out, nil
}

func normalizeFinishReason(reason goopenai.FinishReason) string {
	switch reason {
	case goopenai.FinishReasonStop:
		return "end_turn"
	case goopenai.FinishReasonLength:
		return "max_tokens"
	default:
		return string(reason)
	}
}
