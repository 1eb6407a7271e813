// Package routing implements the dispatch core's LM router: multi-step
// provider selection (rule match, local-first preference, default), fallback
// across providers on retryable failure, per-provider circuit breaking, and
// usage tracking for every completed request.
package routing

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dispatchcore/core/internal/agent"
	"github.com/dispatchcore/core/internal/usage"
)

// defaultMaxRetries caps total attempts across the whole fallback chain for
// a single request, per the router's retry/fallback contract: on
// ProviderUnavailable, RateLimited, or ToolProviderError the router moves to
// the next candidate and retries, up to this many total attempts.
// ContextTooLong and BadRequest are never retried here — those are the
// dispatch loop's problem (trim-and-reissue or surface to the caller).
const defaultMaxRetries = 3

// Router selects an LLM provider for each request based on rules and
// heuristics, retries across the fallback chain on retryable failure, and
// tracks per-provider health and token usage.
type Router struct {
	defaultProvider string
	providers       map[string]agent.LLMProvider
	rules           []Rule
	preferLocal     bool
	localProviders  map[string]struct{}
	classifier      Classifier
	fallback        Target
	failureCooldown time.Duration
	healthMu        sync.Mutex
	unhealthy       map[string]time.Time

	// suspended holds providers a supervisor has explicitly marked
	// unavailable (provider state crossed to degraded/failed). Unlike
	// unhealthy, suspension never expires on its own: only a matching
	// MarkAvailable call clears it.
	suspended map[string]struct{}

	maxRetries int
	breaker    *circuitBreaker
	usage      *usage.Tracker

	metricsMu sync.Mutex
	metrics   Metrics
}

// Rule defines a routing rule.
type Rule struct {
	Name   string
	Match  Match
	Target Target
}

// Match defines rule matching conditions.
type Match struct {
	Patterns []string
	Tags     []string
}

// Target defines the destination provider and model.
type Target struct {
	Provider string
	Model    string
}

// Classifier assigns tags to a request, feeding rule matching.
type Classifier interface {
	Classify(req *agent.CompletionRequest) []string
}

// Config configures a Router.
type Config struct {
	DefaultProvider string
	PreferLocal     bool
	LocalProviders  []string
	Rules           []Rule
	Classifier      Classifier
	Fallback        Target
	FailureCooldown time.Duration

	// MaxRetries caps total attempts across the fallback chain for one
	// request. Zero means defaultMaxRetries (3).
	MaxRetries int

	// CircuitBreakerThreshold is the number of consecutive failures
	// before a provider's circuit opens and it is skipped until
	// CircuitBreakerTimeout elapses. Zero means 3.
	CircuitBreakerThreshold int

	// CircuitBreakerTimeout is how long an open circuit stays open
	// before the provider is eligible to be tried again. Zero means 30s.
	CircuitBreakerTimeout time.Duration

	// UsageTracker records per-provider, per-model token usage after
	// each terminal completion chunk. Nil means a fresh tracker is
	// created with usage.DefaultTrackerConfig.
	UsageTracker *usage.Tracker
}

// Metrics is a point-in-time snapshot of router activity.
type Metrics struct {
	TotalRequests    int64
	TotalFailovers   int64
	CircuitBreaks    int64
	ProviderFailures map[string]int64
}

// NewRouter creates a new Router.
func NewRouter(cfg Config, providers map[string]agent.LLMProvider) *Router {
	lp := make(map[string]struct{})
	for _, name := range cfg.LocalProviders {
		if n := normalizeID(name); n != "" {
			lp[n] = struct{}{}
		}
	}

	classifier := cfg.Classifier
	if classifier == nil {
		classifier = &HeuristicClassifier{}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}

	tracker := cfg.UsageTracker
	if tracker == nil {
		tracker = usage.NewTracker(usage.DefaultTrackerConfig())
	}

	return &Router{
		defaultProvider: normalizeID(cfg.DefaultProvider),
		providers:       providers,
		rules:           cfg.Rules,
		preferLocal:     cfg.PreferLocal,
		localProviders:  lp,
		classifier:      classifier,
		fallback:        cfg.Fallback,
		failureCooldown: cfg.FailureCooldown,
		unhealthy:       make(map[string]time.Time),
		suspended:       make(map[string]struct{}),
		maxRetries:      maxRetries,
		breaker:         newCircuitBreaker(cfg.CircuitBreakerThreshold, cfg.CircuitBreakerTimeout),
		usage:           tracker,
		metrics:         Metrics{ProviderFailures: make(map[string]int64)},
	}
}

// Complete routes the request to the selected provider, falling back across
// the candidate chain on retryable failure until either one succeeds or
// maxRetries total attempts have been made.
func (r *Router) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	if req == nil {
		return nil, errInvalidRequest("request is nil")
	}
	candidates, err := r.candidates(req)
	if err != nil {
		return nil, err
	}

	r.metricsMu.Lock()
	r.metrics.TotalRequests++
	r.metricsMu.Unlock()

	var lastErr error
	attempts := 0
	for i, c := range candidates {
		if attempts >= r.maxRetries {
			break
		}
		if !r.breaker.available(c.name) {
			continue
		}
		attempts++

		copyReq := *req
		if copyReq.Model == "" && c.model != "" {
			copyReq.Model = c.model
		}

		stream, err := c.provider.Complete(ctx, &copyReq)
		if err == nil {
			r.breaker.recordSuccess(c.name)
			return r.trackUsage(c.name, copyReq.Model, stream), nil
		}

		lastErr = err
		r.recordFailure(c.name, err)

		if !agent.Categorize(err).Retryable() {
			return nil, err
		}
		if i < len(candidates)-1 {
			r.metricsMu.Lock()
			r.metrics.TotalFailovers++
			r.metricsMu.Unlock()
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}
	return nil, errInvalidRequest("no providers configured")
}

// trackUsage wraps stream so the terminal chunk's token counts are recorded
// against provider/model before being forwarded unchanged to the caller.
func (r *Router) trackUsage(providerName, model string, stream <-chan *agent.CompletionChunk) <-chan *agent.CompletionChunk {
	if r.usage == nil {
		return stream
	}
	out := make(chan *agent.CompletionChunk, cap(stream))
	go func() {
		defer close(out)
		for chunk := range stream {
			if chunk.Done && (chunk.InputTokens > 0 || chunk.OutputTokens > 0) {
				r.usage.Record(usage.Record{
					Provider: providerName,
					Model:    model,
					Usage: usage.Usage{
						InputTokens:  int64(chunk.InputTokens),
						OutputTokens: int64(chunk.OutputTokens),
					},
				})
			}
			out <- chunk
		}
	}()
	return out
}

func (r *Router) recordFailure(name string, err error) {
	r.markUnhealthy(name)
	r.metricsMu.Lock()
	r.metrics.ProviderFailures[name]++
	r.metricsMu.Unlock()
	if r.breaker.recordFailure(name) {
		r.metricsMu.Lock()
		r.metrics.CircuitBreaks++
		r.metricsMu.Unlock()
	}
	_ = err // classification already applied by the caller via agent.Categorize
}

// Metrics returns a snapshot of router activity for observability export.
func (r *Router) Metrics() Metrics {
	r.metricsMu.Lock()
	defer r.metricsMu.Unlock()
	failures := make(map[string]int64, len(r.metrics.ProviderFailures))
	for k, v := range r.metrics.ProviderFailures {
		failures[k] = v
	}
	return Metrics{
		TotalRequests:    r.metrics.TotalRequests,
		TotalFailovers:   r.metrics.TotalFailovers,
		CircuitBreaks:    r.metrics.CircuitBreaks,
		ProviderFailures: failures,
	}
}

// Health reports, per provider name, whether its circuit is currently
// closed (available) and its consecutive-failure count.
func (r *Router) Health() map[string]ProviderHealth {
	out := make(map[string]ProviderHealth)
	for name, state := range r.breaker.snapshot() {
		out[name] = ProviderHealth{
			Failures:    state.failures,
			CircuitOpen: state.circuitOpen,
		}
	}
	return out
}

// UsageTotals returns the router's aggregate token usage summary.
func (r *Router) UsageTotals() map[string]*usage.Usage {
	if r.usage == nil {
		return nil
	}
	return r.usage.GetSummary()
}

// Name returns the router name.
func (r *Router) Name() string {
	if r.defaultProvider == "" {
		return "router"
	}
	return "router:" + r.defaultProvider
}

// Models returns a union of available models across providers.
func (r *Router) Models() []agent.Model {
	var models []agent.Model
	seen := make(map[string]struct{})
	for _, provider := range r.providers {
		for _, model := range provider.Models() {
			if _, ok := seen[model.ID]; ok {
				continue
			}
			seen[model.ID] = struct{}{}
			models = append(models, model)
		}
	}
	return models
}

// SupportsTools returns true if any provider supports tools.
func (r *Router) SupportsTools() bool {
	for _, provider := range r.providers {
		if provider.SupportsTools() {
			return true
		}
	}
	return false
}

type candidate struct {
	provider agent.LLMProvider
	model    string
	name     string
}

func (r *Router) candidates(req *agent.CompletionRequest) ([]candidate, error) {
	if r == nil {
		return nil, errInvalidRequest("no providers configured")
	}
	providerName, model := r.selectProvider(req)
	seen := make(map[string]struct{})
	var candidates []candidate
	r.appendCandidate(&candidates, seen, providerName, model)
	r.appendCandidate(&candidates, seen, r.fallback.Provider, r.fallback.Model)
	r.appendCandidate(&candidates, seen, r.defaultProvider, "")

	if len(req.Tools) > 0 {
		filtered := make([]candidate, 0, len(candidates))
		for _, candidate := range candidates {
			if candidate.provider != nil && candidate.provider.SupportsTools() {
				filtered = append(filtered, candidate)
			}
		}
		if len(filtered) == 0 {
			toolProvider := r.findToolProvider()
			if toolProvider != nil {
				filtered = append(filtered, candidate{provider: toolProvider, name: toolProvider.Name()})
			}
		}
		candidates = filtered
	}

	if len(candidates) == 0 {
		if len(req.Tools) > 0 {
			return nil, errInvalidRequest("no tool-capable providers available")
		}
		return nil, errInvalidRequest("no providers configured")
	}
	return candidates, nil
}

func (r *Router) appendCandidate(list *[]candidate, seen map[string]struct{}, name string, model string) {
	if r == nil {
		return
	}
	normalized := normalizeID(name)
	if normalized == "" {
		return
	}
	if _, ok := seen[normalized]; ok {
		return
	}
	if !r.isHealthy(normalized) {
		return
	}
	provider := r.lookupProvider(normalized)
	if provider == nil {
		return
	}
	seen[normalized] = struct{}{}
	*list = append(*list, candidate{provider: provider, model: model, name: normalized})
}

func (r *Router) isHealthy(name string) bool {
	if r == nil {
		return true
	}
	name = normalizeID(name)
	if name == "" {
		return true
	}

	r.healthMu.Lock()
	_, suspended := r.suspended[name]
	r.healthMu.Unlock()
	if suspended {
		return false
	}

	if r.failureCooldown <= 0 {
		return true
	}
	cutoff := time.Now()
	r.healthMu.Lock()
	defer r.healthMu.Unlock()
	until, ok := r.unhealthy[name]
	if !ok {
		return true
	}
	if cutoff.After(until) {
		delete(r.unhealthy, name)
		return true
	}
	return false
}

// MarkUnavailable marks provider as unavailable until a matching
// MarkAvailable call, regardless of the failure-cooldown timer. A
// supervisor calls this when a provider's health state crosses to
// degraded or failed, so the router never dispatches to it in the
// meantime: "state transitions emit events the router subscribes to".
func (r *Router) MarkUnavailable(name string) {
	name = normalizeID(name)
	if r == nil || name == "" {
		return
	}
	r.healthMu.Lock()
	r.suspended[name] = struct{}{}
	r.healthMu.Unlock()
}

// MarkAvailable clears a prior MarkUnavailable call for provider. A
// supervisor calls this when a provider's health check succeeds again
// (state crosses back to ready).
func (r *Router) MarkAvailable(name string) {
	name = normalizeID(name)
	if r == nil || name == "" {
		return
	}
	r.healthMu.Lock()
	delete(r.suspended, name)
	r.healthMu.Unlock()
}

func (r *Router) markUnhealthy(name string) {
	if r == nil || r.failureCooldown <= 0 {
		return
	}
	name = normalizeID(name)
	if name == "" {
		return
	}
	r.healthMu.Lock()
	r.unhealthy[name] = time.Now().Add(r.failureCooldown)
	r.healthMu.Unlock()
}

func (r *Router) selectProvider(req *agent.CompletionRequest) (string, string) {
	tags := r.classifier.Classify(req)

	// Rule matching (first match wins).
	for _, rule := range r.rules {
		if ruleMatches(rule.Match, tags, req) {
			return normalizeID(rule.Target.Provider), rule.Target.Model
		}
	}

	// Prefer local provider if configured and available.
	if r.preferLocal && len(r.localProviders) > 0 && len(req.Tools) == 0 {
		for name := range r.localProviders {
			if r.lookupProvider(name) != nil {
				return name, ""
			}
		}
	}

	return r.defaultProvider, ""
}

func (r *Router) lookupProvider(name string) agent.LLMProvider {
	if name == "" {
		return nil
	}
	if provider, ok := r.providers[normalizeID(name)]; ok {
		return provider
	}
	return nil
}

func (r *Router) findToolProvider() agent.LLMProvider {
	if defaultProvider := r.lookupProvider(r.defaultProvider); defaultProvider != nil && defaultProvider.SupportsTools() {
		return defaultProvider
	}
	for _, provider := range r.providers {
		if provider.SupportsTools() {
			return provider
		}
	}
	return nil
}

func ruleMatches(match Match, tags []string, req *agent.CompletionRequest) bool {
	if len(match.Patterns) == 0 && len(match.Tags) == 0 {
		return false
	}
	content := lastUserContent(req)
	contentLower := strings.ToLower(content)

	if len(match.Patterns) > 0 {
		patternMatch := false
		for _, pattern := range match.Patterns {
			p := strings.ToLower(strings.TrimSpace(pattern))
			if p == "" {
				continue
			}
			if strings.Contains(contentLower, p) {
				patternMatch = true
				break
			}
		}
		if !patternMatch {
			return false
		}
	}

	if len(match.Tags) > 0 {
		for _, tag := range match.Tags {
			if containsTag(tags, tag) {
				return true
			}
		}
		return false
	}

	return true
}

func containsTag(tags []string, tag string) bool {
	needle := strings.ToLower(strings.TrimSpace(tag))
	if needle == "" {
		return false
	}
	for _, t := range tags {
		if strings.EqualFold(t, needle) {
			return true
		}
	}
	return false
}

func lastUserContent(req *agent.CompletionRequest) string {
	if req == nil {
		return ""
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		msg := req.Messages[i]
		if msg.Role == "user" {
			return msg.Content
		}
	}
	if len(req.Messages) == 0 {
		return ""
	}
	return req.Messages[len(req.Messages)-1].Content
}

func normalizeID(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func errInvalidRequest(msg string) error {
	return fmt.Errorf("routing: %s", msg)
}
