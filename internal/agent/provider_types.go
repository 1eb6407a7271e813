package agent

import (
	"context"
	"encoding/json"

	"github.com/dispatchcore/core/pkg/models"
)

// FailureCategory classifies why a provider adapter call failed, so the
// router can decide whether to retry, fail over, or give up.
type FailureCategory string

const (
	FailureUnavailable    FailureCategory = "unavailable"
	FailureRateLimited    FailureCategory = "rate_limited"
	FailureContextTooLong FailureCategory = "context_too_long"
	FailureBadRequest     FailureCategory = "bad_request"
	FailureProviderError  FailureCategory = "provider_error"
)

// ProviderError wraps an adapter failure with its category so callers can
// branch without string matching.
type ProviderError struct {
	Category FailureCategory
	Provider string
	Cause    error
}

func (e *ProviderError) Error() string {
	if e.Cause != nil {
		return string(e.Category) + ": " + e.Provider + ": " + e.Cause.Error()
	}
	return string(e.Category) + ": " + e.Provider
}

func (e *ProviderError) Unwrap() error { return e.Cause }

// Retryable reports whether the router should attempt another provider
// (or retry the same one) after this failure. Bad requests and
// context-too-long are not retryable against the same input.
func (e *ProviderError) Retryable() bool {
	switch e.Category {
	case FailureUnavailable, FailureRateLimited, FailureProviderError:
		return true
	default:
		return false
	}
}

// LLMProvider is the uniform interface every LM backend adapter
// implements: completion (buffered or streamed) plus a liveness probe.
// Implementations must be safe for concurrent use.
type LLMProvider interface {
	// Complete sends a request and returns a channel of streamed chunks.
	// The channel is closed after a terminal chunk (Done or Error).
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider's id, used for routing and usage rollups.
	Name() string

	// Models lists the models this provider can serve.
	Models() []Model

	// SupportsTools reports whether this provider can accept tool
	// definitions and emit tool-call chunks.
	SupportsTools() bool

	// Healthy reports whether the provider is currently able to serve
	// requests, independent of any single call's outcome.
	Healthy(ctx context.Context) bool
}

// CompletionRequest is a single LM completion request built by the
// dispatch loop from the conversation context and the classifier's
// suggested model tier.
type CompletionRequest struct {
	Model     string               `json:"model"`
	System    string               `json:"system,omitempty"`
	Messages  []CompletionMessage  `json:"messages"`
	Tools     []Tool               `json:"tools,omitempty"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
}

// CompletionMessage is the provider-facing shape of a conversation
// message; CompletionRequest.Messages is built from models.Message by
// the dispatch loop.
type CompletionMessage struct {
	Role        string               `json:"role"`
	Content     string               `json:"content,omitempty"`
	ToolCalls   []models.ToolCall    `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult  `json:"tool_results,omitempty"`
	Attachments []models.Attachment  `json:"attachments,omitempty"`
}

// CompletionChunk is a single streamed unit of an LM response: partial
// text, a fully-formed tool call, or a terminal Done/Error signal.
// Per-call token counts are only populated on the terminal chunk.
type CompletionChunk struct {
	Text         string           `json:"text,omitempty"`
	ToolCall     *models.ToolCall `json:"tool_call,omitempty"`
	Done         bool             `json:"done,omitempty"`
	Error        error            `json:"-"`
	InputTokens  int              `json:"input_tokens,omitempty"`
	OutputTokens int              `json:"output_tokens,omitempty"`
}

// Model describes an LM model an adapter can serve.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool is the LM-facing shape a tool registration is converted into:
// name, description, and JSON Schema, with no execution or security
// metadata (that lives on models.ToolDescriptor in the registry).
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult is the in-process provider's return shape; the registry
// converts it into a models.ToolResult keyed by the originating call.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}

// ResponseChunk is what the dispatch loop streams to its caller via
// on_stream_chunk: partial text, a completed tool result, or a terminal
// error. Bounded to backpressure.DefaultChunkBuffer capacity.
type ResponseChunk struct {
	Text       string             `json:"text,omitempty"`
	ToolResult *models.ToolResult `json:"tool_result,omitempty"`
	Error      error              `json:"-"`
}
