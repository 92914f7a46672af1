// Package llm defines the provider-agnostic interface for language model
// completions used by the oracle.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyResponse is returned when a provider answers without any text.
var ErrEmptyResponse = errors.New("llm returned an empty response")

// Completer is the abstraction over any LLM backend (Gemini, OpenAI, etc.).
type Completer interface {
	// Complete sends a single-turn prompt and returns the model's text.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "gemini").
	Name() string
}

// Request is a single-turn completion request.
type Request struct {
	SystemPrompt string
	Prompt       string
	MaxTokens    int
	Temperature  float32
	// JSONMode asks the provider to constrain output to a JSON object
	// where the API supports it.
	JSONMode bool
}

// Response is what the LLM returns.
type Response struct {
	Text       string
	Usage      Usage
	StopReason string // "end_turn", "max_tokens", or the provider's raw reason
}

// Usage tracks token consumption.
type Usage struct {
	InputTokens  int
	OutputTokens int
}
