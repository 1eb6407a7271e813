package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dispatchcore/core/pkg/models"
)

// testExecTool implements Tool for testing tool execution.
type testExecTool struct {
	name     string
	execFunc func(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

func (m *testExecTool) Name() string            { return m.name }
func (m *testExecTool) Description() string     { return "test exec tool" }
func (m *testExecTool) Schema() json.RawMessage { return json.RawMessage(`{}`) }
func (m *testExecTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return m.execFunc(ctx, params)
}

func mustRegister(t *testing.T, reg *ToolRegistry, tool Tool) {
	t.Helper()
	if err := reg.Register(tool, models.PermissionRead, false); err != nil {
		t.Fatalf("register %s: %v", tool.Name(), err)
	}
}

func TestExecuteConcurrently_RespectsConcurrencyLimit(t *testing.T) {
	const maxConcurrency = 2
	const numTools = 6

	var concurrent int32
	var maxConcurrent int32
	var mu sync.Mutex

	registry := NewToolRegistry()
	mustRegister(t, registry, &testExecTool{
		name: "blocking",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			current := atomic.AddInt32(&concurrent, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()
			time.Sleep(50 * time.Millisecond)
			atomic.AddInt32(&concurrent, -1)
			return &ToolResult{Content: "done"}, nil
		},
	})

	executor := NewToolExecutor(registry, ToolExecConfig{Concurrency: maxConcurrency, PerToolTimeout: 5 * time.Second})

	toolCalls := make([]models.ToolCall, numTools)
	for i := 0; i < numTools; i++ {
		toolCalls[i] = models.ToolCall{ID: fmt.Sprintf("call-%d", i), Name: "blocking", Input: json.RawMessage(`{}`)}
	}

	results := executor.ExecuteConcurrently(context.Background(), toolCalls, nil)

	if len(results) != numTools {
		t.Fatalf("expected %d results, got %d", numTools, len(results))
	}
	if maxConcurrent > maxConcurrency {
		t.Errorf("concurrency limit violated: observed %d concurrent executions, want <= %d", maxConcurrent, maxConcurrency)
	}
}

func TestExecuteConcurrently_PositionalOrdering(t *testing.T) {
	registry := NewToolRegistry()
	mustRegister(t, registry, &testExecTool{
		name: "slow",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			time.Sleep(80 * time.Millisecond)
			return &ToolResult{Content: "slow-done"}, nil
		},
	})
	mustRegister(t, registry, &testExecTool{
		name: "fast",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "fast-done"}, nil
		},
	})

	executor := NewToolExecutor(registry, ToolExecConfig{Concurrency: 4, PerToolTimeout: time.Second})

	calls := []models.ToolCall{
		{ID: "1", Name: "slow", Input: json.RawMessage(`{}`)},
		{ID: "2", Name: "fast", Input: json.RawMessage(`{}`)},
	}

	results := executor.ExecuteConcurrently(context.Background(), calls, nil)

	// fast finishes first in wall-clock time, but results must be
	// positionally ordered to match the input call order, not completion order.
	if results[0].ToolCall.ID != "1" || results[1].ToolCall.ID != "2" {
		t.Fatalf("results out of positional order: %+v", results)
	}
	if results[0].Result.Content != "" && results[0].Result.IsError {
		t.Errorf("unexpected error on slow call: %+v", results[0].Result)
	}
}

func TestExecuteConcurrently_Timeout(t *testing.T) {
	registry := NewToolRegistry()
	mustRegister(t, registry, &testExecTool{
		name: "hangs",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			select {
			case <-ctx.Done():
				return &ToolResult{Content: "canceled", IsError: true}, nil
			case <-time.After(time.Second):
				return &ToolResult{Content: "too slow"}, nil
			}
		},
	})

	executor := NewToolExecutor(registry, ToolExecConfig{Concurrency: 1, PerToolTimeout: 20 * time.Millisecond})
	calls := []models.ToolCall{{ID: "1", Name: "hangs", Input: json.RawMessage(`{}`)}}

	results := executor.ExecuteConcurrently(context.Background(), calls, nil)
	if !results[0].TimedOut {
		t.Error("expected timeout to be flagged")
	}
	if !results[0].Result.IsError {
		t.Error("expected error result on timeout")
	}
}

func TestExecuteConcurrently_RetriesOnError(t *testing.T) {
	var attempts int32
	registry := NewToolRegistry()
	mustRegister(t, registry, &testExecTool{
		name: "flaky",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			if atomic.AddInt32(&attempts, 1) < 3 {
				return &ToolResult{Content: "try again", IsError: true}, nil
			}
			return &ToolResult{Content: "recovered"}, nil
		},
	})

	executor := NewToolExecutor(registry, ToolExecConfig{Concurrency: 1, PerToolTimeout: time.Second, MaxAttempts: 3})
	calls := []models.ToolCall{{ID: "1", Name: "flaky", Input: json.RawMessage(`{}`)}}

	results := executor.ExecuteConcurrently(context.Background(), calls, nil)
	if results[0].Result.IsError {
		t.Errorf("expected eventual success after retries, got %+v", results[0].Result)
	}
	if atomic.LoadInt32(&attempts) != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestExecuteConcurrently_EmitsLifecycleEvents(t *testing.T) {
	registry := NewToolRegistry()
	mustRegister(t, registry, &testExecTool{
		name: "ok",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "done"}, nil
		},
	})
	executor := NewToolExecutor(registry, ToolExecConfig{Concurrency: 1, PerToolTimeout: time.Second})

	var mu sync.Mutex
	var stages []ToolLifecycleStage
	emit := func(e ToolLifecycleEvent) {
		mu.Lock()
		stages = append(stages, e.Stage)
		mu.Unlock()
	}

	executor.ExecuteConcurrently(context.Background(), []models.ToolCall{{ID: "1", Name: "ok", Input: json.RawMessage(`{}`)}}, emit)

	if len(stages) != 2 || stages[0] != ToolLifecycleStarted || stages[1] != ToolLifecycleSucceeded {
		t.Errorf("expected [started succeeded], got %v", stages)
	}
}
