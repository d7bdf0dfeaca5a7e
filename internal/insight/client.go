// Package insight is the text-insight extraction boundary: every LLM call
// the system makes goes through here. The extractor produces structured
// signal (goals, loop updates, cleanup directives) and generated phrasing
// (check-in questions, batched nudges); callers treat its structural
// output as advisory and validate it at this boundary before it touches
// subscriber state.
package insight

import (
	"context"
	"errors"
)

// LLMClient defines the minimal interface the extractor uses to call a
// language model.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// ErrInvalidOutput reports that the model returned output that failed the
// schema validation at this boundary. Callers fall back to unchanged
// state rather than applying a partial result.
var ErrInvalidOutput = errors.New("insight: invalid extractor output")
