package supervisor

import (
	"context"
	"fmt"

	"github.com/dispatchcore/core/internal/agent"
	"github.com/dispatchcore/core/internal/mcp"
)

// LLMProviderAdapter wraps an in-process agent.LLMProvider as a
// ManagedProvider: its "initialize" and "health check" are both just a
// call to Healthy, since an LLM provider has no connection to establish
// up front, only an API key/base URL to verify reachability for.
type LLMProviderAdapter struct {
	provider agent.LLMProvider
}

// NewLLMProviderAdapter wraps provider for supervision.
func NewLLMProviderAdapter(provider agent.LLMProvider) *LLMProviderAdapter {
	return &LLMProviderAdapter{provider: provider}
}

func (a *LLMProviderAdapter) ID() string         { return a.provider.Name() }
func (a *LLMProviderAdapter) Kind() ProviderKind { return KindInProcess }

func (a *LLMProviderAdapter) Initialize(ctx context.Context) error {
	if !a.provider.Healthy(ctx) {
		return fmt.Errorf("provider %q not healthy at startup", a.provider.Name())
	}
	return nil
}

func (a *LLMProviderAdapter) HealthCheck(ctx context.Context) error {
	if !a.provider.Healthy(ctx) {
		return fmt.Errorf("provider %q health check failed", a.provider.Name())
	}
	return nil
}

// AutoRestart is always false: an in-process provider that has gone
// unhealthy (bad credentials, API outage) has nothing a restart would
// fix — it just waits for the next health check to clear on its own.
func (a *LLMProviderAdapter) AutoRestart() bool       { return false }
func (a *LLMProviderAdapter) Stop(ctx context.Context) error { return nil }

// MCPServerAdapter wraps one configured MCP server connection as a
// ManagedProvider: Initialize connects, HealthCheck confirms the
// connection is still live, and AutoRestart is true since a crashed
// subprocess or dropped connection is exactly what restart backoff exists
// to recover from.
type MCPServerAdapter struct {
	mgr      *mcp.Manager
	serverID string
}

// NewMCPServerAdapter wraps serverID's connection, managed through mgr.
func NewMCPServerAdapter(mgr *mcp.Manager, serverID string) *MCPServerAdapter {
	return &MCPServerAdapter{mgr: mgr, serverID: serverID}
}

func (a *MCPServerAdapter) ID() string         { return "mcp:" + a.serverID }
func (a *MCPServerAdapter) Kind() ProviderKind { return KindExternal }

func (a *MCPServerAdapter) Initialize(ctx context.Context) error {
	return a.mgr.Connect(ctx, a.serverID)
}

func (a *MCPServerAdapter) HealthCheck(ctx context.Context) error {
	client, ok := a.mgr.Client(a.serverID)
	if !ok {
		return fmt.Errorf("mcp server %q is not connected", a.serverID)
	}
	if !client.Connected() {
		return fmt.Errorf("mcp server %q connection dropped", a.serverID)
	}
	return nil
}

func (a *MCPServerAdapter) AutoRestart() bool { return true }

func (a *MCPServerAdapter) Stop(ctx context.Context) error {
	return a.mgr.Disconnect(a.serverID)
}
