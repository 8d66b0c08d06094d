// Package model defines the opaque boundary to language-model providers.
// The orchestration core owns all conversation state; a Gateway is stateless
// per call and receives the thread's entire visible history every time.
package model

import (
	"context"
	"fmt"
	"sync"

	"github.com/hupe1980/calagent/core"
)

// CapabilityDefinition declaratively exposes a callable capability to the model.
// Parameters is a JSON Schema object (draft agnostic, minimal subset expected).
type CapabilityDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Request captures the normalized gateway input produced by the turn controller.
type Request struct {
	System       string                 `json:"system,omitempty"`
	Messages     []core.Message         `json:"messages"`
	Capabilities []CapabilityDefinition `json:"capabilities,omitempty"`
}

// TokenUsage captures token usage statistics for a response.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the tagged outcome of one gateway call: either a final answer
// (Text, no Invocations) or a list of requested capability invocations,
// possibly with accompanying text.
type Response struct {
	Text         string            `json:"text,omitempty"`
	Invocations  []core.Invocation `json:"invocations,omitempty"`
	FinishReason string            `json:"finish_reason,omitempty"`
	Usage        *TokenUsage       `json:"usage,omitempty"`
}

// IsFinal reports whether the model produced a terminal answer with no
// further invocation requests.
func (r *Response) IsFinal() bool { return len(r.Invocations) == 0 }

// Info contains metadata about a gateway implementation.
type Info struct {
	Name                string `json:"name"`
	Provider            string `json:"provider"` // "openai", "anthropic", "mock", ...
	SupportsInvocations bool   `json:"supports_invocations"`
}

// Gateway is the minimal interface the turn controller needs to drive a
// conversation. Implementations must not be invoked concurrently for the
// same thread; the controller's per-thread lease enforces that.
type Gateway interface {
	Converse(ctx context.Context, req Request) (*Response, error)

	// Info returns information about the gateway implementation.
	Info() Info
}

// MockGateway is a lightweight in-memory Gateway useful for tests & examples.
// Responses are scripted in order; once the script is exhausted it echoes the
// last user message as a final answer.
type MockGateway struct {
	mu       sync.Mutex
	info     Info
	script   []*Response
	requests []Request
}

// NewMockGateway constructs a MockGateway with capability support enabled.
func NewMockGateway() *MockGateway {
	return &MockGateway{
		info: Info{Name: "mock", Provider: "mock", SupportsInvocations: true},
	}
}

// Enqueue appends scripted responses returned by subsequent Converse calls.
func (m *MockGateway) Enqueue(responses ...*Response) *MockGateway {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, responses...)
	return m
}

// Requests returns a copy of every request received, in order.
func (m *MockGateway) Requests() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.requests))
	copy(out, m.requests)
	return out
}

// Calls returns how many times Converse was invoked.
func (m *MockGateway) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

// Converse implements Gateway.
func (m *MockGateway) Converse(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)

	if len(m.script) > 0 {
		next := m.script[0]
		m.script = m.script[1:]
		return next, nil
	}

	var lastUser string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Kind == core.KindUser {
			lastUser = req.Messages[i].Text
			break
		}
	}
	return &Response{Text: fmt.Sprintf("Mock response to: %s", lastUser), FinishReason: "stop"}, nil
}

// Info implements Gateway.
func (m *MockGateway) Info() Info { return m.info }
