// Package classify implements the dispatch core's task classifier: a pure,
// deterministic, network-free heuristic that looks at a user's raw text and
// suggests which model tier should answer it. It never talks to an LM and
// never returns an error — an unrecognizable request just classifies as
// moderate/default with low confidence.
package classify

import (
	"regexp"
	"strings"
)

// Tier buckets the apparent difficulty of a request. It is surfaced to
// telemetry; routing decisions are driven by SuggestedModelTier instead.
type Tier string

const (
	TierSimple    Tier = "simple"
	TierModerate  Tier = "moderate"
	TierComplex   Tier = "complex"
	TierReasoning Tier = "reasoning"
	TierCreative  Tier = "creative"
)

// ModelTier is the router-facing hint the dispatch loop attaches to its LM
// request. The router maps it to a concrete provider/model pair.
type ModelTier string

const (
	ModelFast      ModelTier = "fast"
	ModelDefault   ModelTier = "default"
	ModelBest      ModelTier = "best"
	ModelReasoning ModelTier = "reasoning"
)

// Classification is the result of classifying one piece of user text.
type Classification struct {
	Tier               Tier
	Confidence         float64
	SuggestedModelTier ModelTier
}

var (
	codeRegex       = regexp.MustCompile("(?i)\\b(func|class|def|package|import|SELECT|INSERT|UPDATE|DELETE|compile|stack trace|traceback|exception)\\b")
	markdownFence   = regexp.MustCompile("```")
	reasoningRegex  = regexp.MustCompile("(?i)\\b(analyze|reason|think through|derive|prove|why|tradeoff|compare|evaluate|design|architecture)\\b")
	creativeRegex   = regexp.MustCompile("(?i)\\b(write a (story|poem|song|script)|brainstorm|imagine|creative|draft a)\\b")
	simpleRegex     = regexp.MustCompile("(?i)\\b(what is|define|quick|brief|tl;?dr|in one (word|sentence))\\b")
	multiStepRegex  = regexp.MustCompile("(?i)\\b(step by step|first.+then|multi[- ]step|plan and)\\b")
)

// Classify inspects text and returns its tier, a confidence score in
// [0, 1], and the model tier the dispatch loop should request. Purely a
// function of text: no I/O, no randomness, fully deterministic.
func Classify(text string) Classification {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return Classification{Tier: TierModerate, Confidence: 0, SuggestedModelTier: ModelDefault}
	}

	words := len(strings.Fields(trimmed))

	switch {
	case reasoningRegex.MatchString(trimmed) || multiStepRegex.MatchString(trimmed):
		return Classification{Tier: TierReasoning, Confidence: 0.75, SuggestedModelTier: ModelReasoning}

	case creativeRegex.MatchString(trimmed):
		return Classification{Tier: TierCreative, Confidence: 0.7, SuggestedModelTier: ModelBest}

	case markdownFence.MatchString(trimmed) || codeRegex.MatchString(trimmed):
		confidence := 0.65
		if words > 120 {
			confidence = 0.8
		}
		return Classification{Tier: TierComplex, Confidence: confidence, SuggestedModelTier: ModelBest}

	case simpleRegex.MatchString(trimmed) || words <= 12:
		return Classification{Tier: TierSimple, Confidence: 0.6, SuggestedModelTier: ModelFast}

	case words > 200:
		return Classification{Tier: TierComplex, Confidence: 0.55, SuggestedModelTier: ModelBest}

	default:
		return Classification{Tier: TierModerate, Confidence: 0.5, SuggestedModelTier: ModelDefault}
	}
}
