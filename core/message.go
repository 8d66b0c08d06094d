package core

import (
	"time"

	"github.com/hupe1980/calagent/internal/util"
)

// MessageKind discriminates the closed set of message variants a thread may
// contain. Kept as a string so checkpoints stay readable and stable.
type MessageKind string

const (
	// KindSystem is the system instruction prepended to a conversation.
	KindSystem MessageKind = "system"
	// KindUser is human-authored input, including intervention feedback.
	KindUser MessageKind = "user"
	// KindAssistant is final or intermediate assistant text.
	KindAssistant MessageKind = "assistant"
	// KindInvocationRequest records one capability invocation requested by the model.
	KindInvocationRequest MessageKind = "invocation_request"
	// KindInvocationResult records the outcome of a prior invocation request.
	KindInvocationResult MessageKind = "invocation_result"
)

// Invocation is one concrete request to execute a capability with specific
// arguments. Invocations are produced only by gateway adapters translating
// model tool calls; nothing else fabricates them.
type Invocation struct {
	ID         string         `json:"id"`
	Capability string         `json:"capability"`
	Arguments  map[string]any `json:"arguments,omitempty"`
}

// InvocationResult captures the outcome of a previously requested invocation.
// Exactly one result exists per invocation, appended in request order.
// A rejected invocation still yields a result so the model sees the refusal
// (plus optional human feedback) as ordinary tool output.
type InvocationResult struct {
	InvocationID string `json:"invocation_id"`
	Capability   string `json:"capability"`
	Response     any    `json:"response,omitempty"`
	Error        string `json:"error,omitempty"`
	Rejected     bool   `json:"rejected,omitempty"`
	Feedback     string `json:"feedback,omitempty"`
}

// Failed reports whether the invocation did not produce a usable response.
func (r InvocationResult) Failed() bool { return r.Error != "" || r.Rejected }

// Message is a single entry in a thread's history. Exactly one payload field
// is populated depending on Kind: Text for system/user/assistant messages,
// Invocation for requests, Result for results. The flat shape (no interface
// payloads) is deliberate: checkpoints must round-trip through JSON without
// custom codecs.
type Message struct {
	ID         string            `json:"id"`
	Kind       MessageKind       `json:"kind"`
	Text       string            `json:"text,omitempty"`
	Invocation *Invocation       `json:"invocation,omitempty"`
	Result     *InvocationResult `json:"result,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}

// NewSystemMessage creates a system instruction message.
func NewSystemMessage(text string) Message {
	return newMessage(KindSystem, text)
}

// NewUserMessage creates a human-authored message.
func NewUserMessage(text string) Message {
	return newMessage(KindUser, text)
}

// NewAssistantMessage creates an assistant text message.
func NewAssistantMessage(text string) Message {
	return newMessage(KindAssistant, text)
}

// NewInvocationRequestMessage records a model-requested capability invocation.
func NewInvocationRequestMessage(inv Invocation) Message {
	m := newMessage(KindInvocationRequest, "")
	m.Invocation = &inv
	return m
}

// NewInvocationResultMessage records the outcome of an invocation.
func NewInvocationResultMessage(res InvocationResult) Message {
	m := newMessage(KindInvocationResult, "")
	m.Result = &res
	return m
}

func newMessage(kind MessageKind, text string) Message {
	return Message{
		ID:        util.NewID(),
		Kind:      kind,
		Text:      text,
		Timestamp: time.Now().UTC(),
	}
}

// clone returns a copy whose Invocation and Result payloads do not share
// memory with the receiver.
func (m Message) clone() Message {
	if m.Invocation != nil {
		inv := m.Invocation.clone()
		m.Invocation = &inv
	}
	if m.Result != nil {
		res := m.Result.clone()
		m.Result = &res
	}
	return m
}

func (i Invocation) clone() Invocation {
	if i.Arguments != nil {
		i.Arguments = copyJSONValue(i.Arguments).(map[string]any)
	}
	return i
}

func (r InvocationResult) clone() InvocationResult {
	r.Response = copyJSONValue(r.Response)
	return r
}

// copyJSONValue deep-copies JSON-shaped values (string-keyed maps, slices,
// scalars). Any other value is returned as-is; executors handing back such
// values must treat them as immutable after returning.
func copyJSONValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = copyJSONValue(e)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = copyJSONValue(e)
		}
		return out
	default:
		return v
	}
}
