package routing

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/dispatchcore/core/internal/agent"
)

type stubProvider struct {
	name          string
	supportsTools bool
	calls         int
	lastModel     string
	failWith      error
}

type dummyTool struct{}

func (dummyTool) Name() string            { return "dummy" }
func (dummyTool) Description() string     { return "dummy tool" }
func (dummyTool) Schema() json.RawMessage { return nil }
func (dummyTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{}, nil
}

func (p *stubProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	p.calls++
	p.lastModel = req.Model
	if p.failWith != nil {
		return nil, p.failWith
	}
	ch := make(chan *agent.CompletionChunk, 1)
	ch <- &agent.CompletionChunk{Done: true, InputTokens: 10, OutputTokens: 5}
	close(ch)
	return ch, nil
}

func (p *stubProvider) Name() string {
	return p.name
}

func (p *stubProvider) Models() []agent.Model {
	return nil
}

func (p *stubProvider) SupportsTools() bool {
	return p.supportsTools
}

func TestRouterRuleMatch(t *testing.T) {
	fast := &stubProvider{name: "fast"}
	code := &stubProvider{name: "code"}
	providers := map[string]agent.LLMProvider{
		"fast": fast,
		"code": code,
	}

	router := NewRouter(Config{
		DefaultProvider: "fast",
		Rules: []Rule{{
			Name:  "code",
			Match: Match{Tags: []string{"code"}},
			Target: Target{
				Provider: "code",
				Model:    "gpt-4o",
			},
		}},
		Classifier: &HeuristicClassifier{},
	}, providers)

	req := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "Write a Go function: func main() {}"}},
	}
	_, err := router.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if code.calls != 1 {
		t.Fatalf("expected code provider to be called")
	}
	if code.lastModel != "gpt-4o" {
		t.Fatalf("expected model override, got %q", code.lastModel)
	}
}

func TestRouterPreferLocal(t *testing.T) {
	local := &stubProvider{name: "ollama"}
	defaultP := &stubProvider{name: "anthropic"}
	providers := map[string]agent.LLMProvider{
		"ollama":    local,
		"anthropic": defaultP,
	}

	router := NewRouter(Config{
		DefaultProvider: "anthropic",
		PreferLocal:     true,
		LocalProviders:  []string{"ollama"},
	}, providers)

	req := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}},
	}
	_, err := router.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if local.calls != 1 {
		t.Fatalf("expected local provider to be called")
	}
}

func TestRouterToolFallback(t *testing.T) {
	noTools := &stubProvider{name: "ollama", supportsTools: false}
	withTools := &stubProvider{name: "openai", supportsTools: true}
	providers := map[string]agent.LLMProvider{
		"ollama": noTools,
		"openai": withTools,
	}

	router := NewRouter(Config{
		DefaultProvider: "ollama",
	}, providers)

	req := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "use tool"}},
		Tools:    []agent.Tool{dummyTool{}},
	}
	_, err := router.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if withTools.calls != 1 {
		t.Fatalf("expected tool-capable provider to be called")
	}
}

func TestRouterFallsBackOnRetryableFailure(t *testing.T) {
	primary := &stubProvider{name: "anthropic", failWith: &agent.ProviderError{Category: agent.FailureUnavailable, Provider: "anthropic"}}
	secondary := &stubProvider{name: "bedrock"}
	providers := map[string]agent.LLMProvider{
		"anthropic": primary,
		"bedrock":   secondary,
	}

	router := NewRouter(Config{
		DefaultProvider: "anthropic",
		Fallback:        Target{Provider: "bedrock"},
	}, providers)

	req := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}},
	}
	_, err := router.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if primary.calls != 1 || secondary.calls != 1 {
		t.Fatalf("expected one attempt against each provider, got primary=%d secondary=%d", primary.calls, secondary.calls)
	}
	metrics := router.Metrics()
	if metrics.TotalFailovers != 1 {
		t.Fatalf("expected one recorded failover, got %d", metrics.TotalFailovers)
	}
	if metrics.ProviderFailures["anthropic"] != 1 {
		t.Fatalf("expected one recorded provider failure, got %d", metrics.ProviderFailures["anthropic"])
	}
}

func TestRouterDoesNotFallBackOnBadRequest(t *testing.T) {
	primary := &stubProvider{name: "anthropic", failWith: &agent.ProviderError{Category: agent.FailureBadRequest, Provider: "anthropic"}}
	secondary := &stubProvider{name: "bedrock"}
	providers := map[string]agent.LLMProvider{
		"anthropic": primary,
		"bedrock":   secondary,
	}

	router := NewRouter(Config{
		DefaultProvider: "anthropic",
		Fallback:        Target{Provider: "bedrock"},
	}, providers)

	req := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}},
	}
	_, err := router.Complete(context.Background(), req)
	if err == nil {
		t.Fatal("expected bad-request failure to surface, not fall back")
	}
	if secondary.calls != 0 {
		t.Fatalf("expected fallback provider not to be tried, got %d calls", secondary.calls)
	}
}

func TestRouterTracksUsage(t *testing.T) {
	primary := &stubProvider{name: "anthropic"}
	providers := map[string]agent.LLMProvider{"anthropic": primary}

	router := NewRouter(Config{DefaultProvider: "anthropic"}, providers)

	req := &agent.CompletionRequest{
		Model:    "claude",
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}},
	}
	stream, err := router.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	for range stream {
	}

	totals := router.UsageTotals()
	u, ok := totals["anthropic:claude"]
	if !ok {
		t.Fatal("expected usage to be recorded under provider:model key")
	}
	if u.InputTokens != 10 || u.OutputTokens != 5 {
		t.Fatalf("unexpected usage totals: %+v", u)
	}
}

func TestRouterMarkUnavailableSkipsProviderUntilMarkedAvailable(t *testing.T) {
	primary := &stubProvider{name: "anthropic"}
	secondary := &stubProvider{name: "bedrock"}
	providers := map[string]agent.LLMProvider{
		"anthropic": primary,
		"bedrock":   secondary,
	}

	router := NewRouter(Config{
		DefaultProvider: "anthropic",
		Fallback:        Target{Provider: "bedrock"},
	}, providers)

	router.MarkUnavailable("anthropic")

	req := &agent.CompletionRequest{
		Messages: []agent.CompletionMessage{{Role: "user", Content: "hello"}},
	}
	_, err := router.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error: %v", err)
	}
	if primary.calls != 0 {
		t.Fatalf("expected suspended provider to never be called, got %d calls", primary.calls)
	}
	if secondary.calls != 1 {
		t.Fatalf("expected fallback provider to be called once, got %d", secondary.calls)
	}

	router.MarkAvailable("anthropic")
	_, err = router.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error after MarkAvailable: %v", err)
	}
	if primary.calls != 1 {
		t.Fatalf("expected provider to be reachable again after MarkAvailable, got %d calls", primary.calls)
	}
}
