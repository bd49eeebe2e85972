// Package llm holds the completion client used by the answer runner. The
// vendor API is hidden behind the Completer interface so tests and the e2e
// harness can substitute a scripted model.
package llm

import "context"

// Request is a single completion call.
type Request struct {
	// System is the system prompt; Prompt is the full layered user prompt.
	System string
	Prompt string

	// Model overrides the client default when non-empty.
	Model string

	MaxTokens   int
	Temperature *float64
}

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is the completed text plus call metadata.
type Response struct {
	Text       string
	Model      string
	StopReason string
	Usage      Usage
}

// Completer produces one completion per call. Implementations must honor
// ctx cancellation.
type Completer interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
