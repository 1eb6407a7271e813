package routing

import (
	"sync"
	"time"
)

const (
	defaultCircuitThreshold = 3
	defaultCircuitTimeout   = 30 * time.Second
)

// providerHealth is the circuit-breaker state for one provider in the
// router's candidate chain.
type providerHealth struct {
	failures      int
	circuitOpen   bool
	circuitOpenAt time.Time
}

// ProviderHealth is the exported, read-only view of a provider's breaker
// state, returned by Router.Health for observability export.
type ProviderHealth struct {
	Failures    int
	CircuitOpen bool
}

// circuitBreaker trips a provider out of the candidate chain after
// threshold consecutive failures and holds it out until timeout elapses.
// It is a narrower concern than the fallback/retry logic in Router.Complete:
// the breaker only tracks per-provider health, it never dispatches.
type circuitBreaker struct {
	mu        sync.Mutex
	threshold int
	timeout   time.Duration
	states    map[string]*providerHealth
}

func newCircuitBreaker(threshold int, timeout time.Duration) *circuitBreaker {
	if threshold <= 0 {
		threshold = defaultCircuitThreshold
	}
	if timeout <= 0 {
		timeout = defaultCircuitTimeout
	}
	return &circuitBreaker{
		threshold: threshold,
		timeout:   timeout,
		states:    make(map[string]*providerHealth),
	}
}

// available reports whether name's circuit is closed, or has been open long
// enough that it should be given another chance.
func (b *circuitBreaker) available(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.states[name]
	if state == nil || !state.circuitOpen {
		return true
	}
	return time.Since(state.circuitOpenAt) > b.timeout
}

func (b *circuitBreaker) recordSuccess(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if state := b.states[name]; state != nil {
		state.failures = 0
		state.circuitOpen = false
	}
}

// recordFailure increments name's failure count and trips the circuit once
// threshold is reached. It reports whether this call is the one that
// tripped the circuit, so the caller can count it once in its metrics.
func (b *circuitBreaker) recordFailure(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	state := b.states[name]
	if state == nil {
		state = &providerHealth{}
		b.states[name] = state
	}
	state.failures++
	if state.failures >= b.threshold && !state.circuitOpen {
		state.circuitOpen = true
		state.circuitOpenAt = time.Now()
		return true
	}
	return false
}

func (b *circuitBreaker) snapshot() map[string]providerHealth {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]providerHealth, len(b.states))
	for k, v := range b.states {
		out[k] = *v
	}
	return out
}
