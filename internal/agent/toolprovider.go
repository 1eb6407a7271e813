package agent

import (
	"context"
	"errors"
	"fmt"

	"github.com/dispatchcore/core/pkg/models"
)

// ToolProvider groups a related set of tools under a single origin, so the
// registry can record provenance (models.ToolDescriptor.ProviderID) and a
// supervisor can take an entire provider's tools offline as one unit when
// the thing backing them (a subprocess, a remote server) stops answering.
//
// InProcessProvider implements the in-process case: one Go process, tools
// that are ordinary function calls. The mcp package implements the external
// case: tools whose execution crosses a subprocess/JSON-RPC boundary.
type ToolProvider interface {
	// ID identifies the provider. It becomes the ProviderID stamped on
	// every tool descriptor registered through it.
	ID() string

	// ProvideTools returns the tools this provider currently exposes.
	// Called once at registration time; a provider whose tool set can
	// change at runtime (an MCP server after reconnect) is re-registered
	// rather than polled.
	ProvideTools(ctx context.Context) ([]Tool, error)
}

// InProcessProvider is a ToolProvider over a fixed set of in-process Tool
// implementations: no subprocess, no network hop, just a direct function
// call into the same binary.
type InProcessProvider struct {
	id    string
	tools []Tool
}

// NewInProcessProvider wraps a fixed set of in-process tools under id.
func NewInProcessProvider(id string, tools ...Tool) *InProcessProvider {
	return &InProcessProvider{id: id, tools: tools}
}

// ID returns the provider identifier.
func (p *InProcessProvider) ID() string { return p.id }

// ProvideTools returns the wrapped tools.
func (p *InProcessProvider) ProvideTools(ctx context.Context) ([]Tool, error) {
	return p.tools, nil
}

// RegisterProvider registers every tool a ToolProvider exposes and stamps
// each tool's descriptor with the provider's ID, so policy decisions and
// supervisor eviction can be scoped to "everything this provider owns"
// rather than one tool at a time. A tool name collision with an
// already-registered tool is skipped rather than treated as fatal, since a
// provider re-registering after reconnect should not be blocked by its own
// previous registration.
func (r *ToolRegistry) RegisterProvider(ctx context.Context, provider ToolProvider, permission models.PermissionLevel, requiresConfirmation bool) ([]string, error) {
	if provider == nil {
		return nil, fmt.Errorf("cannot register nil tool provider")
	}
	tools, err := provider.ProvideTools(ctx)
	if err != nil {
		return nil, fmt.Errorf("provide tools from %q: %w", provider.ID(), err)
	}

	registered := make([]string, 0, len(tools))
	for _, tool := range tools {
		if err := r.Register(tool, permission, requiresConfirmation); err != nil {
			if errors.Is(err, ErrToolAlreadyRegistered) {
				continue
			}
			return registered, fmt.Errorf("register tool %q from provider %q: %w", tool.Name(), provider.ID(), err)
		}
		r.setProviderID(tool.Name(), provider.ID())
		registered = append(registered, tool.Name())
	}
	return registered, nil
}

// UnregisterProvider removes every tool currently attributed to providerID.
// A supervisor calls this when a provider is marked failed, so the LM stops
// seeing tools it can no longer dispatch to.
func (r *ToolRegistry) UnregisterProvider(providerID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for name, rt := range r.tools {
		if rt.descriptor.ProviderID == providerID {
			delete(r.tools, name)
			removed = append(removed, name)
		}
	}
	return removed
}

func (r *ToolRegistry) setProviderID(name, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.tools[name]; ok {
		rt.descriptor.ProviderID = providerID
	}
}
