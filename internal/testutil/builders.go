// Package testutil provides small builders shared by orchestration tests.
package testutil

import (
	"context"
	"sync"

	"github.com/hupe1980/calagent/capability"
	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/model"
)

// FinalResponse builds a terminal gateway response.
func FinalResponse(text string) *model.Response {
	return &model.Response{Text: text, FinishReason: "stop"}
}

// InvocationsResponse builds a gateway response requesting capability
// invocations.
func InvocationsResponse(invs ...core.Invocation) *model.Response {
	return &model.Response{Invocations: invs, FinishReason: "tool_use"}
}

// RecordingCapability is a capability that records every call and returns a
// canned response, optionally failing instead.
type RecordingCapability struct {
	name     string
	response any
	err      error

	mu    sync.Mutex
	calls []map[string]any
}

// NewRecordingCapability builds a RecordingCapability with a permissive
// object schema.
func NewRecordingCapability(name string, response any, err error) *RecordingCapability {
	return &RecordingCapability{name: name, response: response, err: err}
}

// Name implements capability.Capability.
func (r *RecordingCapability) Name() string { return r.name }

// Description implements capability.Capability.
func (r *RecordingCapability) Description() string { return "test capability " + r.name }

// Parameters implements capability.Capability.
func (r *RecordingCapability) Parameters() map[string]any {
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// Call implements capability.Capability.
func (r *RecordingCapability) Call(_ context.Context, args map[string]any) (any, error) {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.response, nil
}

// Calls returns how many times the capability executed.
func (r *RecordingCapability) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var _ capability.Capability = (*RecordingCapability)(nil)
