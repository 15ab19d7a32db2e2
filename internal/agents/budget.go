package agents

import (
	"fmt"

	"cognitive-traces/internal/llm"
)

const (
	// SafetyMargin is kept free in the context window on top of the estimate.
	SafetyMargin = 100
	// MinViableTokens is the smallest output budget worth a request.
	MinViableTokens = 500
)

// CapacityError reports a prompt that cannot fit the model even after the
// session strategy was applied.
type CapacityError struct {
	Events      int
	InputTokens int
	Model       string
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("Session too large (%d events, ~%d input tokens). Please use 'Sliding Window' strategy or reduce window size.",
		e.Events, e.InputTokens)
}

// EstimateTokens approximates the token count of text at four bytes per token.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// OutputBudget computes max_tokens for a request of events events. The result
// never exceeds the configured cap or the model's output limit, and leaves the
// prompt plus SafetyMargin inside the context window.
func OutputBudget(cfg llm.Config, spec llm.ModelSpec, model, prompt string, events int) (int, error) {
	budget := cfg.MaxTokensBase + events*cfg.TokensPerEvent
	budget = min(budget, cfg.MaxTokensCap, spec.MaxOutput)

	input := EstimateTokens(prompt)
	if available := spec.ContextWindow - input - SafetyMargin; budget > available {
		budget = available
	}
	if budget < MinViableTokens {
		return 0, &CapacityError{Events: events, InputTokens: input, Model: model}
	}
	return budget, nil
}
