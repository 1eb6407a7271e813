package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dispatchcore/core/internal/agent"
	convctx "github.com/dispatchcore/core/internal/agent/context"
	"github.com/dispatchcore/core/internal/agent/providers"
	"github.com/dispatchcore/core/internal/agent/routing"
	"github.com/dispatchcore/core/internal/backoff"
	"github.com/dispatchcore/core/internal/config"
	"github.com/dispatchcore/core/internal/mcp"
	"github.com/dispatchcore/core/internal/ratelimit"
	"github.com/dispatchcore/core/internal/supervisor"
	"github.com/dispatchcore/core/internal/tools/files"
	"github.com/dispatchcore/core/internal/tools/policy"
	"github.com/dispatchcore/core/pkg/models"
)

const defaultSystemPrompt = `You are dispatchd, a command dispatch core. Use the tools available to ` +
	`you to carry out what the user asks. When a request refers back to something ` +
	`from earlier in the conversation ("it", "that file", "there"), resolve it from ` +
	`context rather than asking the user to repeat themselves, unless it is genuinely ambiguous.`

// core holds every long-lived component one dispatchd process wires
// together: the LM router, the tool registry and its MCP-bridged
// providers, the supervisor keeping both healthy, and the dispatch loop
// that ties them to a conversation.
type core struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *agent.ToolRegistry
	router   *routing.Router
	conv     *convctx.Conversation
	loop     *agent.DispatchLoop
	mcpMgr   *mcp.Manager
	sup      *supervisor.Supervisor
}

// Close stops the supervisor (which stops every managed provider) and
// disconnects any remaining MCP servers.
func (c *core) Close(ctx context.Context) {
	if c.sup != nil {
		c.sup.Stop(ctx)
	}
	if c.mcpMgr != nil {
		c.mcpMgr.Stop()
	}
}

// buildCore loads configPath and constructs every component a run, chat,
// or status invocation needs: LM providers wrapped in a router, an
// in-process-plus-MCP tool registry under a security policy, a
// supervisor watching both, and the conversation/dispatch loop tying
// them together.
func buildCore(ctx context.Context, configPath string) (*core, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	llmProviders := buildProviders(cfg.LLM, logger)
	router := routing.NewRouter(buildRouterConfig(cfg.LLM), llmProviders)

	registry, err := buildToolRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	mcpMgr := mcp.NewManager(&cfg.MCP, logger)
	if err := mcpMgr.Start(ctx); err != nil {
		logger.Warn("mcp manager start reported an error", "err", err)
	}
	mcp.RegisterTools(ctx, registry, mcpMgr, models.PermissionExecute, true)

	sup := supervisor.New(
		buildSupervisorConfig(cfg.Supervisor, cfg.Context.PersistencePath),
		supervisor.NewRouterEventHandler(router, registry),
	)
	for _, p := range llmProviders {
		sup.Register(supervisor.NewLLMProviderAdapter(p))
	}
	for _, sc := range cfg.MCP.Servers {
		if sc.AutoStart {
			sup.Register(supervisor.NewMCPServerAdapter(mcpMgr, sc.ID))
		}
	}
	if err := sup.Start(ctx); err != nil {
		logger.Warn("supervisor start reported an error", "err", err)
	}

	conv := convctx.NewConversation(defaultSystemPrompt, convctx.ConversationOptions{
		MaxTokens:   cfg.Context.MaxTokens - cfg.Context.ReserveTokens,
		PersistPath: cfg.Context.PersistencePath,
		Logger:      logger,
	})

	defaultModel := ""
	if pc, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; ok {
		defaultModel = pc.DefaultModel
	}

	loop := agent.NewDispatchLoop(router, registry, agent.DispatchConfig{
		MaxTurns:     cfg.Tools.MaxIterations,
		DefaultModel: defaultModel,
		Executor: agent.ToolExecConfig{
			Concurrency:    cfg.Tools.Concurrency,
			PerToolTimeout: cfg.Tools.Timeout,
		},
	})

	return &core{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		router:   router,
		conv:     conv,
		loop:     loop,
		mcpMgr:   mcpMgr,
		sup:      sup,
	}, nil
}

// buildProviders constructs one agent.LLMProvider per entry in
// cfg.Providers. A provider that fails to construct (missing
// credentials, say) is logged and skipped rather than aborting startup —
// the router simply has one fewer candidate, and the supervisor will
// never see it since it was never registered.
func buildProviders(cfg config.LLMConfig, logger *slog.Logger) map[string]agent.LLMProvider {
	out := make(map[string]agent.LLMProvider, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		provider, err := buildProvider(name, pc, cfg)
		if err != nil {
			logger.Warn("skipping llm provider", "provider", name, "err", err)
			continue
		}
		out[name] = provider
	}
	return out
}

func buildProvider(name string, pc config.LLMProviderConfig, llm config.LLMConfig) (agent.LLMProvider, error) {
	switch name {
	case "anthropic":
		return providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  pc.APIKey,
			BaseURL: pc.BaseURL,
		})
	case "openai":
		return providers.NewOpenAIProvider(pc.APIKey), nil
	case "google":
		return providers.NewGoogleProvider(providers.GoogleConfig{APIKey: pc.APIKey})
	case "azure":
		return providers.NewAzureOpenAIProvider(providers.AzureOpenAIConfig{
			Endpoint:     pc.BaseURL,
			APIKey:       pc.APIKey,
			APIVersion:   pc.APIVersion,
			DefaultModel: pc.DefaultModel,
		})
	case "bedrock":
		return providers.NewBedrockProvider(providers.BedrockConfig{
			Region:               llm.Bedrock.Region,
			DefaultContextWindow: llm.Bedrock.DefaultContextWindow,
			DefaultMaxTokens:     llm.Bedrock.DefaultMaxTokens,
		})
	case "ollama":
		return providers.NewOllamaProvider(providers.OllamaConfig{
			BaseURL:      pc.BaseURL,
			DefaultModel: pc.DefaultModel,
		}), nil
	case "openrouter":
		return providers.NewOpenRouterProvider(providers.OpenRouterConfig{
			APIKey:       pc.APIKey,
			DefaultModel: pc.DefaultModel,
		})
	case "copilot", "copilot_proxy":
		return providers.NewCopilotProxyProvider(providers.CopilotProxyConfig{BaseURL: pc.BaseURL})
	default:
		return nil, fmt.Errorf("unrecognized provider kind %q", name)
	}
}

func buildRouterConfig(cfg config.LLMConfig) routing.Config {
	rules := make([]routing.Rule, 0, len(cfg.Routing.Rules))
	for _, r := range cfg.Routing.Rules {
		rules = append(rules, routing.Rule{
			Name:   r.Name,
			Match:  routing.Match{Patterns: r.Match.Patterns, Tags: r.Match.Tags},
			Target: routing.Target{Provider: r.Target.Provider, Model: r.Target.Model},
		})
	}

	var localProviders []string
	if cfg.AutoDiscover.Ollama.Enabled {
		localProviders = append(localProviders, "ollama")
	}

	return routing.Config{
		DefaultProvider: cfg.DefaultProvider,
		PreferLocal:     cfg.Routing.PreferLocal,
		LocalProviders:  localProviders,
		Rules:           rules,
		Fallback:        routing.Target{Provider: cfg.Routing.Fallback.Provider, Model: cfg.Routing.Fallback.Model},
		FailureCooldown: cfg.Routing.UnhealthyCooldown,
	}
}

func buildSupervisorConfig(cfg config.SupervisorConfig, stateDir string) supervisor.Config {
	return supervisor.Config{
		HealthCheckInterval: cfg.HealthCheckInterval,
		DegradeAfterMisses:  cfg.DegradeAfterMisses,
		FailAfterMisses:     cfg.FailAfterMisses,
		RestartPolicy: backoff.BackoffPolicy{
			InitialMs: float64(cfg.RestartBackoff.InitialDelay / time.Millisecond),
			MaxMs:     float64(cfg.RestartBackoff.MaxDelay / time.Millisecond),
			Factor:    cfg.RestartBackoff.Multiplier,
			Jitter:    cfg.RestartBackoff.Jitter,
		},
		SentinelDir: stateDir,
	}
}

// buildToolRegistry registers the in-process filesystem tools and installs
// the security policy derived from cfg.Tools. MCP-bridged tools are
// registered separately, once the MCP manager has connected, since that
// requires a context and a live manager buildToolRegistry does not have.
func buildToolRegistry(cfg *config.Config) (*agent.ToolRegistry, error) {
	registry := agent.NewToolRegistry()

	workspace, err := os.Getwd()
	if err != nil {
		workspace = "."
	}

	fileCfg := files.Config{Workspace: workspace}
	inProc := agent.NewInProcessProvider("files",
		files.NewReadTool(fileCfg),
		files.NewWriteTool(fileCfg),
		files.NewEditTool(fileCfg),
		files.NewApplyPatchTool(fileCfg),
	)
	if _, err := registry.RegisterProvider(context.Background(), inProc, models.PermissionWrite, true); err != nil {
		return nil, fmt.Errorf("register file tools: %w", err)
	}

	maxPerm, ok := models.ParsePermissionLevel(cfg.Tools.MaxPermission)
	if !ok {
		maxPerm = models.PermissionExecute
	}

	var limiter *ratelimit.Limiter
	if cfg.Tools.RateLimit.Enabled {
		limiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerSecond: float64(cfg.Tools.RateLimit.RequestsPerMin) / 60,
			BurstSize:         cfg.Tools.RateLimit.Burst,
			Enabled:           true,
		})
	}

	resolver := files.Resolver{
		Root:    workspace,
		Allowed: cfg.Tools.AllowedPaths,
		Blocked: cfg.Tools.BlockedPaths,
	}

	secPolicy, err := policy.NewSecurityPolicy(policy.SecurityConfig{
		MaxPermission:   maxPerm,
		PathResolver:    resolver,
		BlockedPatterns: cfg.Tools.BlockedPatterns,
		RateLimiter:     limiter,
	})
	if err != nil {
		return nil, fmt.Errorf("build security policy: %w", err)
	}
	registry.SetPolicy(secPolicy)

	return registry, nil
}
