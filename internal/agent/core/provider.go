package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/fitforge/coach/config"
)

// NewLLMProvider creates an LLM provider based on configuration.
func NewLLMProvider(cfg config.LLMConfig) (LLMProvider, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg)
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported LLM provider type: %s", cfg.Provider)
	}
}

// MockProvider is a scripted provider used in tests and local development.
// Responses are consumed in FIFO order; when the script is exhausted it
// echoes the last user message.
type MockProvider struct {
	mu       sync.Mutex
	script   []ChatMessage
	Requests []CompletionRequest
}

// NewMockProvider returns an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

// Enqueue appends a scripted assistant message.
func (m *MockProvider) Enqueue(msg ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, msg)
}

// EnqueueText appends a scripted plain-text assistant reply.
func (m *MockProvider) EnqueueText(content string) {
	m.Enqueue(ChatMessage{Role: "assistant", Content: content})
}

// EnqueueToolCall appends a scripted tool invocation.
func (m *MockProvider) EnqueueToolCall(id, name string, args map[string]interface{}) {
	m.Enqueue(ChatMessage{Role: "assistant", ToolCalls: []ToolCall{{ID: id, Name: name, Args: args}}})
}

func (m *MockProvider) next(req CompletionRequest) ChatMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Requests = append(m.Requests, req)
	if len(m.script) > 0 {
		msg := m.script[0]
		m.script = m.script[1:]
		return msg
	}
	last := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			last = req.Messages[i].Content
			break
		}
	}
	return ChatMessage{Role: "assistant", Content: "You said: " + last}
}

// Complete pops the next scripted message.
func (m *MockProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := m.next(req)
	return &Completion{Message: msg, InputTokens: 10, OutputTokens: 10}, nil
}

// Stream emits the next scripted message as a single token then the
// assembled message.
func (m *MockProvider) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msg := m.next(req)
	out := make(chan StreamEvent, 2)
	if msg.Content != "" && len(msg.ToolCalls) == 0 {
		out <- StreamEvent{Token: msg.Content}
	}
	out <- StreamEvent{Message: &Completion{Message: msg, InputTokens: 10, OutputTokens: 10}}
	close(out)
	return out, nil
}
