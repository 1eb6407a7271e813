package supervisor

import (
	"github.com/dispatchcore/core/internal/agent"
	"github.com/dispatchcore/core/internal/agent/routing"
)

// RouterAvailability is the subset of *routing.Router the supervisor needs
// to enforce "the router never calls an unhealthy provider" — satisfied
// by *routing.Router itself.
type RouterAvailability interface {
	MarkUnavailable(name string)
	MarkAvailable(name string)
}

// RegistryEviction is the subset of *agent.ToolRegistry the supervisor
// needs to take a failed provider's tools out of the LM-facing catalog.
type RegistryEviction interface {
	UnregisterProvider(providerID string) []string
}

// NewRouterEventHandler builds an EventHandler that keeps router and
// registry in sync with the supervisor's state machine: a provider
// crossing to degraded or failed is suspended in the router (and, on
// failed, has its tools evicted from the registry); a provider crossing
// back to ready is un-suspended. registry may be nil if this provider
// never registered tools (a pure LM provider, say).
func NewRouterEventHandler(router RouterAvailability, registry RegistryEviction) EventHandler {
	return func(ev Event) {
		switch ev.To {
		case StateDegraded, StateFailed:
			if router != nil {
				router.MarkUnavailable(ev.ProviderID)
			}
			if ev.To == StateFailed && registry != nil {
				registry.UnregisterProvider(ev.ProviderID)
			}
		case StateReady:
			if router != nil {
				router.MarkAvailable(ev.ProviderID)
			}
		}
	}
}

var (
	_ RouterAvailability = (*routing.Router)(nil)
	_ RegistryEviction   = (*agent.ToolRegistry)(nil)
)
