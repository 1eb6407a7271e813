package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/dispatchcore/core/internal/agent/classify"
	convctx "github.com/dispatchcore/core/internal/agent/context"
	"github.com/dispatchcore/core/pkg/models"
)

// CompletionProvider is the subset of LLMProvider the dispatch loop
// depends on: the ability to run one completion request and stream its
// chunks back. *routing.Router satisfies this directly.
type CompletionProvider interface {
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)
}

// DispatchConfig tunes the turn loop. Zero values fall back to spec
// defaults.
type DispatchConfig struct {
	// MaxTurns caps the number of build-request/call-router/dispatch-
	// tools iterations before the loop gives up and returns an
	// error-toned assistant message. Default 10.
	MaxTurns int

	// LLMTimeout bounds a single completion request. Default 60s.
	LLMTimeout time.Duration

	// ChunkBufferSize is the capacity of the channel returned by Run.
	// Backpressure blocks the loop rather than dropping chunks once
	// full. Default 64.
	ChunkBufferSize int

	// DefaultModel is used when the classifier's suggested model tier
	// has no entry in ModelForTier.
	DefaultModel string

	// ModelForTier maps a classifier-suggested model tier to the
	// concrete model string placed on CompletionRequest.Model. The
	// router's own rules ultimately pick the provider; this just picks
	// which model name to ask for.
	ModelForTier map[classify.ModelTier]string

	// Executor configures how tool calls dispatched from one turn are
	// run: concurrency cap, per-call timeout, retries.
	Executor ToolExecConfig
}

func (c DispatchConfig) withDefaults() DispatchConfig {
	if c.MaxTurns <= 0 {
		c.MaxTurns = 10
	}
	if c.LLMTimeout <= 0 {
		c.LLMTimeout = 60 * time.Second
	}
	if c.ChunkBufferSize <= 0 {
		c.ChunkBufferSize = 64
	}
	return c
}

// ErrMaxTurns is the sentinel cause surfaced when a dispatch run hits
// DispatchConfig.MaxTurns without the LM producing a final, tool-call-free
// response.
var ErrMaxTurns = fmt.Errorf("dispatch loop reached max turns")

// DispatchLoop is the core's conversation turn loop (C10): it resolves
// anaphoric references in the incoming text, classifies it to pick a
// model tier, and repeatedly asks the router for a completion, dispatching
// any tool calls it returns, until the router produces a tool-call-free
// response or the turn cap is reached.
type DispatchLoop struct {
	provider CompletionProvider
	registry *ToolRegistry
	executor *ToolExecutor
	config   DispatchConfig
}

// NewDispatchLoop builds a DispatchLoop over provider and registry.
func NewDispatchLoop(provider CompletionProvider, registry *ToolRegistry, config DispatchConfig) *DispatchLoop {
	config = config.withDefaults()
	return &DispatchLoop{
		provider: provider,
		registry: registry,
		executor: NewToolExecutor(registry, config.Executor),
		config:   config,
	}
}

// Run executes one user turn against conv: resolve references, append
// the user message, classify, then loop building/sending completion
// requests and dispatching any tool calls until the LM returns a final
// answer, the turn cap is hit, or ctx is canceled. The returned channel
// is closed when the turn ends; a terminal ResponseChunk with a non-nil
// Error reports why.
func (d *DispatchLoop) Run(ctx context.Context, conv *convctx.Conversation, userText string) <-chan *ResponseChunk {
	out := make(chan *ResponseChunk, d.config.ChunkBufferSize)

	go func() {
		defer close(out)

		resolved := conv.ResolveReferences(userText)
		conv.Append(&models.Message{Role: models.RoleUser, Content: resolved})

		classification := classify.Classify(resolved)
		model := d.modelForTier(classification.SuggestedModelTier)

		for turn := 0; turn < d.config.MaxTurns; turn++ {
			if ctx.Err() != nil {
				sendChunk(ctx, out, &ResponseChunk{Error: ctx.Err()})
				return
			}

			req := &CompletionRequest{
				Model:    model,
				System:   conv.SystemPrompt(),
				Messages: toCompletionMessages(conv.History()),
				Tools:    d.registry.AsLLMTools(),
			}

			assistantText, toolCalls, err := d.streamTurn(ctx, out, req)
			if err != nil {
				sendChunk(ctx, out, &ResponseChunk{Error: err})
				return
			}

			assistantMsg := &models.Message{
				Role:      models.RoleAssistant,
				Content:   assistantText,
				ToolCalls: toolCalls,
			}
			conv.Append(assistantMsg)

			if len(toolCalls) == 0 {
				return
			}

			results := d.dispatchTools(ctx, toolCalls)
			if ctx.Err() != nil {
				sendChunk(ctx, out, &ResponseChunk{Error: ctx.Err()})
				return
			}
			for _, r := range results {
				sendChunk(ctx, out, &ResponseChunk{ToolResult: &r.Result})
			}
			conv.Append(&models.Message{Role: models.RoleTool, ToolResults: resultsInOrder(results)})
		}

		conv.Append(&models.Message{
			Role:    models.RoleAssistant,
			Content: "I wasn't able to finish this within the allotted turns. Please rephrase or break the request down.",
		})
		sendChunk(ctx, out, &ResponseChunk{Error: ErrMaxTurns})
	}()

	return out
}

// streamTurn sends one completion request, forwarding streamed text to
// out as it arrives and buffering any tool calls (the router delivers
// each tool call as a complete unit on its own chunk, not as deltas)
// until the stream's terminal Done or Error chunk.
func (d *DispatchLoop) streamTurn(ctx context.Context, out chan<- *ResponseChunk, req *CompletionRequest) (string, []models.ToolCall, error) {
	turnCtx, cancel := context.WithTimeout(ctx, d.config.LLMTimeout)
	defer cancel()

	stream, err := d.provider.Complete(turnCtx, req)
	if err != nil {
		return "", nil, err
	}

	var text string
	var toolCalls []models.ToolCall

	for {
		select {
		case <-ctx.Done():
			return "", nil, ctx.Err()
		case chunk, ok := <-stream:
			if !ok {
				return text, toolCalls, nil
			}
			if chunk.Error != nil {
				return "", nil, chunk.Error
			}
			if chunk.Text != "" {
				text += chunk.Text
				sendChunk(ctx, out, &ResponseChunk{Text: chunk.Text})
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
			}
			if chunk.Done {
				return text, toolCalls, nil
			}
		}
	}
}

// dispatchTools runs every tool call concurrently (bounded by
// DispatchConfig.Executor.Concurrency) and returns results positionally
// ordered to match toolCalls, regardless of completion order.
func (d *DispatchLoop) dispatchTools(ctx context.Context, toolCalls []models.ToolCall) []ToolExecResult {
	return d.executor.ExecuteConcurrently(ctx, toolCalls, nil)
}

func (d *DispatchLoop) modelForTier(tier classify.ModelTier) string {
	if model, ok := d.config.ModelForTier[tier]; ok && model != "" {
		return model
	}
	return d.config.DefaultModel
}

// sendChunk writes chunk to out. The channel is bounded
// (DispatchConfig.ChunkBufferSize); per the core's backpressure contract
// a full channel blocks the loop rather than dropping chunks, so the
// caller must keep draining Run's channel until it closes, even after
// cancellation, to observe the terminal error chunk.
func sendChunk(ctx context.Context, out chan<- *ResponseChunk, chunk *ResponseChunk) {
	out <- chunk
}

func toCompletionMessages(messages []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, CompletionMessage{
			Role:        string(m.Role),
			Content:     m.Content,
			ToolCalls:   m.ToolCalls,
			ToolResults: m.ToolResults,
			Attachments: m.Attachments,
		})
	}
	return out
}

func resultsInOrder(results []ToolExecResult) []models.ToolResult {
	out := make([]models.ToolResult, len(results))
	for _, r := range results {
		out[r.Index] = r.Result
	}
	return out
}
