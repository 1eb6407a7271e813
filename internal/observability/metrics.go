package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides a centralized interface for collecting dispatch core
// metrics.
//
// The metrics system is built on Prometheus and tracks:
//   - LM router request performance, token usage, and estimated cost
//   - Tool execution patterns and latencies
//   - Supervisor-observed provider health transitions and restarts
//   - Error rates categorized by component and type
//   - Dispatch turn counts and context window utilization
//
// Usage:
//
//	metrics := observability.NewMetrics()
//	start := time.Now()
//	// ... dispatch a completion request ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 100, 500)
type Metrics struct {
	// LLMRequestDuration measures router-dispatched completion request
	// latency in seconds.
	// Labels: provider, model
	// Buckets: 0.1s, 0.5s, 1s, 2s, 5s, 10s, 30s, 60s
	LLMRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts completion requests by provider, model,
	// and outcome.
	// Labels: provider, model, status (success|error)
	LLMRequestCounter *prometheus.CounterVec

	// LLMTokensUsed tracks token consumption by provider, model, and
	// direction.
	// Labels: provider, model, type (prompt|completion)
	LLMTokensUsed *prometheus.CounterVec

	// LLMCostUSD tracks estimated completion cost in USD.
	// Labels: provider, model
	LLMCostUSD *prometheus.CounterVec

	// ToolExecutionCounter counts tool invocations by tool name and
	// outcome.
	// Labels: tool_name, status (success|error|denied|timeout)
	ToolExecutionCounter *prometheus.CounterVec

	// ToolExecutionDuration measures tool execution time in seconds.
	// Labels: tool_name
	// Buckets: 0.01s, 0.05s, 0.1s, 0.5s, 1s, 5s, 10s, 30s, 60s
	ToolExecutionDuration *prometheus.HistogramVec

	// ErrorCounter tracks errors by originating component and
	// classified error type.
	// Labels: component (router|registry|supervisor|mcp|dispatch), error_type
	ErrorCounter *prometheus.CounterVec

	// ProviderState is a gauge of 1 for the currently held state of each
	// supervised provider and 0 otherwise, letting a single query expose
	// the whole fleet's current distribution across states.
	// Labels: provider_id, kind (llm|mcp), state (healthy|degraded|failed|restarting)
	ProviderState *prometheus.GaugeVec

	// ProviderRestarts counts supervisor-initiated restart attempts.
	// Labels: provider_id, kind (llm|mcp)
	ProviderRestarts *prometheus.CounterVec

	// RouterFailover counts router fallback/circuit-breaker trips away
	// from a provider's preferred target.
	// Labels: from_provider, to_provider, reason (unhealthy|circuit_open|no_match)
	RouterFailover *prometheus.CounterVec

	// DispatchTurns measures how many turns a dispatch loop run took
	// before returning a final, tool-call-free response.
	// Buckets: 1, 2, 3, 5, 8, 10
	DispatchTurns prometheus.Histogram

	// DispatchOutcome counts completed dispatch runs by outcome.
	// Labels: outcome (completed|max_turns|error|canceled)
	DispatchOutcome *prometheus.CounterVec

	// ContextWindowUsed tracks context window utilization per turn.
	// Labels: provider, model
	// Buckets: 1000, 4000, 8000, 16000, 32000, 64000, 128000
	ContextWindowUsed *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
// This should be called once at application startup.
//
// All metrics are automatically registered with Prometheus's default registry
// and will be available at the /metrics endpoint when using a prometheus
// HTTP handler.
func NewMetrics() *Metrics {
	return &Metrics{
		LLMRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchcore_llm_request_duration_seconds",
				Help:    "Duration of LM completion requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),

		LLMRequestCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_llm_requests_total",
				Help: "Total number of LM completion requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),

		LLMTokensUsed: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_llm_tokens_total",
				Help: "Total number of tokens used by provider, model, and type",
			},
			[]string{"provider", "model", "type"},
		),

		LLMCostUSD: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_llm_cost_usd_total",
				Help: "Estimated LM API cost in USD",
			},
			[]string{"provider", "model"},
		),

		ToolExecutionCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_tool_executions_total",
				Help: "Total number of tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),

		ToolExecutionDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchcore_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),

		ErrorCounter: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_errors_total",
				Help: "Total number of errors by component and error type",
			},
			[]string{"component", "error_type"},
		),

		ProviderState: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dispatchcore_provider_state",
				Help: "1 for the current state of a supervised provider, 0 for every other state",
			},
			[]string{"provider_id", "kind", "state"},
		),

		ProviderRestarts: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_provider_restarts_total",
				Help: "Total number of supervisor-initiated provider restarts",
			},
			[]string{"provider_id", "kind"},
		),

		RouterFailover: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_router_failover_total",
				Help: "Total number of router failovers away from a preferred provider",
			},
			[]string{"from_provider", "to_provider", "reason"},
		),

		DispatchTurns: promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dispatchcore_dispatch_turns",
				Help:    "Number of turns a dispatch run took before finishing",
				Buckets: []float64{1, 2, 3, 5, 8, 10},
			},
		),

		DispatchOutcome: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatchcore_dispatch_outcomes_total",
				Help: "Total number of dispatch runs by outcome",
			},
			[]string{"outcome"},
		),

		ContextWindowUsed: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatchcore_context_window_tokens",
				Help:    "Context window tokens used per turn",
				Buckets: []float64{1000, 4000, 8000, 16000, 32000, 64000, 128000},
			},
			[]string{"provider", "model"},
		),
	}
}

// RecordLLMRequest records metrics for a completion request the router
// dispatched.
//
// Example:
//
//	start := time.Now()
//	// ... dispatch completion request ...
//	metrics.RecordLLMRequest("anthropic", "claude-3-opus", "success", time.Since(start).Seconds(), 100, 500)
func (m *Metrics) RecordLLMRequest(provider, model, status string, durationSeconds float64, promptTokens, completionTokens int) {
	m.LLMRequestCounter.WithLabelValues(provider, model, status).Inc()
	m.LLMRequestDuration.WithLabelValues(provider, model).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(completionTokens))
	}
}

// RecordLLMCost records estimated completion cost.
//
// Example:
//
//	metrics.RecordLLMCost("anthropic", "claude-3-opus", 0.015)
func (m *Metrics) RecordLLMCost(provider, model string, costUSD float64) {
	m.LLMCostUSD.WithLabelValues(provider, model).Add(costUSD)
}

// RecordToolExecution records metrics for a tool execution dispatched
// through the registry.
//
// Example:
//
//	start := time.Now()
//	// ... execute tool ...
//	metrics.RecordToolExecution("files.read", "success", time.Since(start).Seconds())
func (m *Metrics) RecordToolExecution(toolName, status string, durationSeconds float64) {
	m.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	m.ToolExecutionDuration.WithLabelValues(toolName).Observe(durationSeconds)
}

// RecordError increments the error counter for a given component and error
// type.
//
// Example:
//
//	metrics.RecordError("router", "provider_unavailable")
//	metrics.RecordError("mcp", "connection_dropped")
func (m *Metrics) RecordError(component, errorType string) {
	m.ErrorCounter.WithLabelValues(component, errorType).Inc()
}

// SetProviderState records a supervised provider entering state, clearing
// the gauge for every other state it previously occupied.
//
// Example:
//
//	metrics.SetProviderState("anthropic", "llm", "healthy", []string{"degraded", "failed", "restarting"})
func (m *Metrics) SetProviderState(providerID, kind, state string, otherStates []string) {
	for _, s := range otherStates {
		m.ProviderState.WithLabelValues(providerID, kind, s).Set(0)
	}
	m.ProviderState.WithLabelValues(providerID, kind, state).Set(1)
}

// RecordProviderRestart records a supervisor-initiated restart attempt.
//
// Example:
//
//	metrics.RecordProviderRestart("mcp:files", "mcp")
func (m *Metrics) RecordProviderRestart(providerID, kind string) {
	m.ProviderRestarts.WithLabelValues(providerID, kind).Inc()
}

// RecordRouterFailover records the router falling back away from its
// first-choice provider.
//
// Example:
//
//	metrics.RecordRouterFailover("anthropic", "openai", "circuit_open")
func (m *Metrics) RecordRouterFailover(fromProvider, toProvider, reason string) {
	m.RouterFailover.WithLabelValues(fromProvider, toProvider, reason).Inc()
}

// RecordDispatchRun records a completed dispatch loop run: how many turns
// it took and how it ended.
//
// Example:
//
//	metrics.RecordDispatchRun(3, "completed")
func (m *Metrics) RecordDispatchRun(turns int, outcome string) {
	m.DispatchTurns.Observe(float64(turns))
	m.DispatchOutcome.WithLabelValues(outcome).Inc()
}

// RecordContextWindow records context window utilization for one turn.
//
// Example:
//
//	metrics.RecordContextWindow("anthropic", "claude-3-opus", 45000)
func (m *Metrics) RecordContextWindow(provider, model string, tokensUsed int) {
	m.ContextWindowUsed.WithLabelValues(provider, model).Observe(float64(tokensUsed))
}
