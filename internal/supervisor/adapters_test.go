package supervisor

import (
	"context"
	"testing"

	"github.com/dispatchcore/core/internal/agent"
	"github.com/dispatchcore/core/internal/mcp"
)

type fakeLLMProvider struct {
	name    string
	healthy bool
}

func (p *fakeLLMProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	return nil, nil
}
func (p *fakeLLMProvider) Name() string           { return p.name }
func (p *fakeLLMProvider) Models() []agent.Model  { return nil }
func (p *fakeLLMProvider) SupportsTools() bool    { return true }
func (p *fakeLLMProvider) Healthy(ctx context.Context) bool { return p.healthy }

func TestLLMProviderAdapter_InitializeAndHealthCheckTrackProviderHealthy(t *testing.T) {
	p := &fakeLLMProvider{name: "anthropic", healthy: true}
	a := NewLLMProviderAdapter(p)

	if a.ID() != "anthropic" {
		t.Errorf("expected ID anthropic, got %q", a.ID())
	}
	if a.Kind() != KindInProcess {
		t.Errorf("expected KindInProcess, got %s", a.Kind())
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Errorf("expected Initialize to succeed while healthy, got %v", err)
	}
	if err := a.HealthCheck(context.Background()); err != nil {
		t.Errorf("expected HealthCheck to succeed while healthy, got %v", err)
	}
	if a.AutoRestart() {
		t.Error("expected AutoRestart to be false for an in-process LM provider")
	}

	p.healthy = false
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("expected HealthCheck to fail once the provider reports unhealthy")
	}
}

func TestMCPServerAdapter_HealthCheckFailsWhenNotConnected(t *testing.T) {
	mgr := mcp.NewManager(&mcp.Config{Enabled: true, Servers: []*mcp.ServerConfig{
		{ID: "files", Transport: mcp.TransportStdio, Command: "true"},
	}}, nil)
	a := NewMCPServerAdapter(mgr, "files")

	if a.ID() != "mcp:files" {
		t.Errorf("expected ID mcp:files, got %q", a.ID())
	}
	if a.Kind() != KindExternal {
		t.Errorf("expected KindExternal, got %s", a.Kind())
	}
	if !a.AutoRestart() {
		t.Error("expected AutoRestart to be true for an external MCP server")
	}
	if err := a.HealthCheck(context.Background()); err == nil {
		t.Error("expected HealthCheck to fail before Initialize ever connects")
	}
}

func TestMCPServerAdapter_InitializeUnknownServerFails(t *testing.T) {
	mgr := mcp.NewManager(&mcp.Config{Enabled: true}, nil)
	a := NewMCPServerAdapter(mgr, "missing")

	if err := a.Initialize(context.Background()); err == nil {
		t.Error("expected Initialize to fail for a server id absent from config")
	}
}
