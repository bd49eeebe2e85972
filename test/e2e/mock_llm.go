package e2e

import (
	"context"
	"sync"

	"github.com/codeready-toolchain/relay/pkg/llm"
)

const scriptedModelName = "scripted-model"

// scriptedModel stands in for the completion API. The default reply is a
// well-formed decision; tests set reply to script other behaviors.
type scriptedModel struct {
	mu    sync.Mutex
	calls int
	reply func(ctx context.Context, req llm.Request) (*llm.Response, error)
}

func newScriptedModel() *scriptedModel { return &scriptedModel{} }

func (m *scriptedModel) Complete(ctx context.Context, req llm.Request) (*llm.Response, error) {
	m.mu.Lock()
	m.calls++
	reply := m.reply
	m.mu.Unlock()

	if reply != nil {
		return reply(ctx, req)
	}
	return &llm.Response{
		Text:       `{"answer_text": "use exponential backoff with a 30s cap", "answer_json": {"decision": "proceed"}}`,
		Model:      scriptedModelName,
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 120, OutputTokens: 40},
	}, nil
}

func (m *scriptedModel) setReply(fn func(ctx context.Context, req llm.Request) (*llm.Response, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reply = fn
}

func (m *scriptedModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
