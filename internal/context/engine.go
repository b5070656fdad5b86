// internal/context/engine.go
package context

import (
	"fmt"

	"github.com/pkoukk/tiktoken-go"

	"github.com/user/continuity/internal/types"
)

// perMessageOverhead approximates the role and separator tokens chat models
// add around every message.
const perMessageOverhead = 4

// Engine trims conversation history to a token budget.
type Engine struct {
	tokenizer *tiktoken.Tiktoken
	maxTokens int
}

// New creates a context engine. model selects the tokenizer (e.g. "gpt-4");
// maxTokens is the budget used when Fit is called with a budget <= 0.
func New(model string, maxTokens int) (*Engine, error) {
	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		// Fallback to cl100k_base for unknown models
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, fmt.Errorf("get tokenizer: %w", err)
		}
	}
	return &Engine{
		tokenizer: enc,
		maxTokens: maxTokens,
	}, nil
}

// MaxTokens returns the default budget.
func (e *Engine) MaxTokens() int {
	return e.maxTokens
}

// CountTokens returns the token count for a string.
func (e *Engine) CountTokens(text string) int {
	return len(e.tokenizer.Encode(text, nil, nil))
}

// MessageTokens returns the cost of one message including overhead.
func (e *Engine) MessageTokens(msg types.Message) int {
	return e.CountTokens(msg.Content) + perMessageOverhead
}

// Fit returns the newest suffix of messages whose summed token cost fits in
// budget, in conversation order. A budget <= 0 selects the engine default.
// The walk stops at the first message that does not fit so the result never
// has gaps.
func (e *Engine) Fit(messages []types.Message, budget int) []types.Message {
	if budget <= 0 {
		budget = e.maxTokens
	}

	used := 0
	start := len(messages)
	for i := len(messages) - 1; i >= 0; i-- {
		cost := e.MessageTokens(messages[i])
		if used+cost > budget {
			break
		}
		used += cost
		start = i
	}

	out := make([]types.Message, len(messages)-start)
	copy(out, messages[start:])
	return out
}
