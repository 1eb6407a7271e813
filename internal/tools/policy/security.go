package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/dispatchcore/core/internal/ratelimit"
	"github.com/dispatchcore/core/pkg/models"
)

// PathResolver validates a workspace-relative path argument, returning its
// resolved absolute form or an error if it escapes the sandbox. Satisfied
// structurally by *files.Resolver; declared here instead of imported to
// keep the policy package independent of the filesystem tool package.
type PathResolver interface {
	Resolve(path string) (string, error)
}

// DenialReason classifies why SecurityPolicy.Check rejected a tool call, so
// the dispatch loop can map it to the right error category.
type DenialReason string

const (
	DenialPermissionTooHigh DenialReason = "permission_too_high"
	DenialPathBlocked       DenialReason = "path_blocked"
	DenialPatternBlocked    DenialReason = "pattern_blocked"
	DenialConfirmRejected   DenialReason = "confirm_rejected"
	DenialRateLimited       DenialReason = "rate_limited"
)

// DenialError reports why a tool call was denied by the security policy.
type DenialError struct {
	Tool   string
	Reason DenialReason
	Detail string
}

func (e *DenialError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("tool %q denied (%s): %s", e.Tool, e.Reason, e.Detail)
	}
	return fmt.Sprintf("tool %q denied (%s)", e.Tool, e.Reason)
}

// ConfirmFunc asks the caller (human operator, UI, or automation policy) to
// approve a tool call before dispatch. It returns synchronously; the
// dispatch loop blocks the single tool call awaiting the answer, not the
// whole turn.
type ConfirmFunc func(ctx context.Context, call models.ToolCall, descriptor models.ToolDescriptor) (bool, error)

// SecurityConfig configures SecurityPolicy.
type SecurityConfig struct {
	// MaxPermission is the highest PermissionLevel dispatched without
	// confirmation, regardless of the tool's own RequiresConfirmation flag.
	MaxPermission models.PermissionLevel

	// PathResolver sandboxes filesystem-touching tool arguments carrying a
	// "path" field. Nil disables path sandboxing.
	PathResolver PathResolver

	// BlockedPatterns are regexes matched against a call's serialized
	// arguments; any match denies the call outright.
	BlockedPatterns []string

	// RateLimiter bounds how often a given tool name may be invoked. Nil
	// disables rate limiting.
	RateLimiter *ratelimit.Limiter

	// Confirm is invoked for calls that exceed MaxPermission or set
	// RequiresConfirmation. Nil means such calls are always denied.
	Confirm ConfirmFunc
}

// SecurityPolicy enforces the registry's security metadata against an
// incoming tool call: permission threshold, schema validation (delegated to
// the caller, which owns the compiled schema), path sandboxing, blocked
// argument patterns, confirmation, and rate limiting, in that order. The
// first failing step determines the denial.
type SecurityPolicy struct {
	cfg     SecurityConfig
	blocked []*regexp.Regexp
}

// NewSecurityPolicy compiles the configured blocked patterns once so Check
// never pays regex compilation cost per call.
func NewSecurityPolicy(cfg SecurityConfig) (*SecurityPolicy, error) {
	compiled := make([]*regexp.Regexp, 0, len(cfg.BlockedPatterns))
	for _, pattern := range cfg.BlockedPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("compile blocked pattern %q: %w", pattern, err)
		}
		compiled = append(compiled, re)
	}
	return &SecurityPolicy{cfg: cfg, blocked: compiled}, nil
}

// Check runs a tool call through the security policy. A nil error means the
// call may proceed to dispatch.
func (p *SecurityPolicy) Check(ctx context.Context, call models.ToolCall, descriptor models.ToolDescriptor) error {
	requiresConfirm := descriptor.RequiresConfirmation || descriptor.PermissionLevel > p.cfg.MaxPermission

	if p.cfg.PathResolver != nil {
		if path, ok := extractPathArg(call.Input); ok {
			if _, err := p.cfg.PathResolver.Resolve(path); err != nil {
				return &DenialError{Tool: call.Name, Reason: DenialPathBlocked, Detail: err.Error()}
			}
		}
	}

	for _, re := range p.blocked {
		if re.Match(call.Input) {
			return &DenialError{Tool: call.Name, Reason: DenialPatternBlocked, Detail: re.String()}
		}
	}

	if requiresConfirm {
		if p.cfg.Confirm == nil {
			return &DenialError{Tool: call.Name, Reason: DenialPermissionTooHigh}
		}
		ok, err := p.cfg.Confirm(ctx, call, descriptor)
		if err != nil {
			return fmt.Errorf("confirm tool %q: %w", call.Name, err)
		}
		if !ok {
			return &DenialError{Tool: call.Name, Reason: DenialConfirmRejected}
		}
	}

	if p.cfg.RateLimiter != nil && !p.cfg.RateLimiter.Allow(call.Name) {
		return &DenialError{Tool: call.Name, Reason: DenialRateLimited}
	}

	return nil
}

func extractPathArg(input []byte) (string, bool) {
	var partial struct {
		Path string `json:"path"`
	}
	if err := json.Unmarshal(input, &partial); err != nil || partial.Path == "" {
		return "", false
	}
	return partial.Path, true
}
