// Package config loads and validates the dispatch core's configuration:
// LM providers, tool policy, context budget, MCP servers, and the ambient
// server/logging/observability settings.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dispatchcore/core/internal/mcp"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for the dispatch core.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	LLM           LLMConfig           `yaml:"llm"`
	Context       ContextConfig       `yaml:"context"`
	Tools         ToolsConfig         `yaml:"tools"`
	MCP           mcp.Config          `yaml:"mcp"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Logging       LoggingConfig       `yaml:"logging"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// ServerConfig configures the dispatch daemon's listeners.
type ServerConfig struct {
	Host        string `yaml:"host"`
	HTTPPort    int    `yaml:"http_port"`
	MetricsPort int    `yaml:"metrics_port"`
}

// ContextConfig configures the conversation context store's token budget
// and persistence.
type ContextConfig struct {
	// MaxTokens is the token budget enforced by the context store before
	// truncation kicks in. Default: 128000.
	MaxTokens int `yaml:"max_tokens"`

	// ReserveTokens is held back for the model's own response. Default: 4000.
	ReserveTokens int `yaml:"reserve_tokens"`

	// PersistencePath optionally persists conversation state to disk between
	// process restarts. Empty disables persistence (in-memory only).
	PersistencePath string `yaml:"persistence_path"`
}

// ToolsConfig configures the tool registry's security policy.
type ToolsConfig struct {
	// MaxPermission is the highest permission level dispatched without an
	// explicit confirmation, e.g. "execute". Tools above this threshold
	// always require confirmation regardless of their own flag.
	MaxPermission string `yaml:"max_permission"`

	// AllowedPaths restricts filesystem-touching tools to these prefixes.
	// Empty means no restriction.
	AllowedPaths []string `yaml:"allowed_paths"`

	// BlockedPaths always denies access, evaluated after symlink resolution
	// and takes priority over AllowedPaths.
	BlockedPaths []string `yaml:"blocked_paths"`

	// BlockedPatterns are regexes matched against a tool call's serialized
	// arguments; any match denies the call.
	BlockedPatterns []string `yaml:"blocked_patterns"`

	// RateLimit bounds how often a single tool name may be invoked.
	RateLimit ToolRateLimitConfig `yaml:"rate_limit"`

	// MaxIterations caps dispatch-loop turns per conversation submission.
	MaxIterations int `yaml:"max_iterations"`

	// Concurrency is the maximum number of tool calls dispatched in
	// parallel within one turn.
	Concurrency int `yaml:"concurrency"`

	// Timeout is the per-tool-call execution timeout.
	Timeout time.Duration `yaml:"timeout"`
}

// ToolRateLimitConfig configures the token-bucket rate limiter applied per
// tool name.
type ToolRateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	RequestsPerMin  int           `yaml:"requests_per_min"`
	Burst           int           `yaml:"burst"`
	CooldownOnDeny  time.Duration `yaml:"cooldown_on_deny"`
}

// SupervisorConfig configures the external tool provider's lifecycle
// supervision: health checks and restart backoff.
type SupervisorConfig struct {
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	DegradeAfterMisses  int           `yaml:"degrade_after_misses"`
	FailAfterMisses     int           `yaml:"fail_after_misses"`
	RestartBackoff      BackoffConfig `yaml:"restart_backoff"`
}

// BackoffConfig configures exponential backoff with jitter.
type BackoffConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
}

// Load reads, expands, decodes, defaults, and validates a config file.
// Unknown fields are rejected to catch typos early.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	decoder := yaml.NewDecoder(strings.NewReader(expanded))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	applyServerDefaults(&cfg.Server)
	applyLLMDefaults(&cfg.LLM)
	applyContextDefaults(&cfg.Context)
	applyToolsDefaults(&cfg.Tools)
	applySupervisorDefaults(&cfg.Supervisor)
	applyLoggingDefaults(&cfg.Logging)
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Host == "" {
		cfg.Host = "0.0.0.0"
	}
	if cfg.HTTPPort == 0 {
		cfg.HTTPPort = 8080
	}
	if cfg.MetricsPort == 0 {
		cfg.MetricsPort = 9090
	}
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.Providers == nil {
		cfg.Providers = map[string]LLMProviderConfig{}
	}
	if cfg.Routing.UnhealthyCooldown == 0 {
		cfg.Routing.UnhealthyCooldown = 30 * time.Second
	}
	if cfg.Bedrock.Region == "" {
		cfg.Bedrock.Region = "us-east-1"
	}
	if cfg.Bedrock.DefaultContextWindow == 0 {
		cfg.Bedrock.DefaultContextWindow = 32000
	}
	if cfg.Bedrock.DefaultMaxTokens == 0 {
		cfg.Bedrock.DefaultMaxTokens = 4096
	}
}

func applyContextDefaults(cfg *ContextConfig) {
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 128000
	}
	if cfg.ReserveTokens == 0 {
		cfg.ReserveTokens = 4000
	}
}

func applyToolsDefaults(cfg *ToolsConfig) {
	if cfg.MaxPermission == "" {
		cfg.MaxPermission = "execute"
	}
	if cfg.MaxIterations == 0 {
		cfg.MaxIterations = 10
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 4
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerMin == 0 {
		cfg.RateLimit.RequestsPerMin = 60
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = 10
	}
}

func applySupervisorDefaults(cfg *SupervisorConfig) {
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = 30 * time.Second
	}
	if cfg.DegradeAfterMisses == 0 {
		cfg.DegradeAfterMisses = 1
	}
	if cfg.FailAfterMisses == 0 {
		cfg.FailAfterMisses = 3
	}
	if cfg.RestartBackoff.InitialDelay == 0 {
		cfg.RestartBackoff.InitialDelay = time.Second
	}
	if cfg.RestartBackoff.MaxDelay == 0 {
		cfg.RestartBackoff.MaxDelay = 60 * time.Second
	}
	if cfg.RestartBackoff.Multiplier == 0 {
		cfg.RestartBackoff.Multiplier = 2.0
	}
	if cfg.RestartBackoff.Jitter == 0 {
		cfg.RestartBackoff.Jitter = 0.2
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "info"
	}
	if cfg.Format == "" {
		cfg.Format = "json"
	}
}

// applyEnvOverrides lets deploy tooling override the most commonly
// environment-scoped fields without templating the whole config file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DISPATCHCORE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("DISPATCHCORE_HTTP_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = port
		}
	}
	if v := os.Getenv("DISPATCHCORE_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Context.MaxTokens = n
		}
	}
}

// ConfigValidationError wraps a validation failure with the offending field path.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func validateConfig(cfg *Config) error {
	if cfg.LLM.DefaultProvider != "" {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			return &ConfigValidationError{Field: "llm.default_provider", Reason: "references a provider not present in llm.providers"}
		}
	}
	if _, ok := ParsePermissionLevelName(cfg.Tools.MaxPermission); !ok {
		return &ConfigValidationError{Field: "tools.max_permission", Reason: "must be one of read, write, execute, system, dangerous"}
	}
	if cfg.Context.ReserveTokens >= cfg.Context.MaxTokens {
		return &ConfigValidationError{Field: "context.reserve_tokens", Reason: "must be smaller than context.max_tokens"}
	}
	if cfg.Supervisor.DegradeAfterMisses > cfg.Supervisor.FailAfterMisses {
		return &ConfigValidationError{Field: "supervisor.degrade_after_misses", Reason: "must not exceed supervisor.fail_after_misses"}
	}
	return nil
}

// ParsePermissionLevelName validates a permission level name without
// importing pkg/models, to keep config free of a dependency on the
// runtime value types it merely names.
func ParsePermissionLevelName(s string) (string, bool) {
	switch s {
	case "read", "write", "execute", "system", "dangerous":
		return s, true
	default:
		return "", false
	}
}
