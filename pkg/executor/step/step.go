// Package step defines the step-executor contract the orchestrator calls
// into, one implementation per provider.
package step

import (
	"context"

	"relay/pkg/config"
)

// Request is one step-executor call. Agent and Skill are routing metadata
// passed through to the executor (CLI agents see them as environment
// variables); the engine never interprets them.
type Request struct {
	Agent       string
	Skill       string
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float32

	// OnSpawn reports a subprocess pid as soon as it exists, so the tracker
	// can kill the run. API executors never call it.
	OnSpawn func(pid int)
}

// Executor performs one step of a run. On failure the returned string may
// carry partial output already produced; callers fold it into their
// partial-result reporting.
type Executor interface {
	Execute(ctx context.Context, req Request) (string, error)
	Model() string
}

// EffectiveMaxTokens caps a requested output budget at the model's known
// limit and substitutes the house default when the request carries none.
func EffectiveMaxTokens(model string, requested int) int {
	if requested <= 0 {
		requested = 4096
	}
	if info, ok := config.KnownModels[model]; ok && info.MaxOutputTokens > 0 && requested > info.MaxOutputTokens {
		return info.MaxOutputTokens
	}
	return requested
}
