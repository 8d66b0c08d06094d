package core

import (
	"sync"
	"time"

	"github.com/hupe1980/calagent/internal/util"
)

// PendingInvocation is the in-flight scratch state of one requested
// invocation during Dispatching. It survives checkpointing so a thread saved
// between approval and execution resumes with exactly-once dispatch:
// Decided/Approved record the gate outcome, Executed flips only after the
// executor ran and its result was captured.
type PendingInvocation struct {
	Invocation Invocation        `json:"invocation"`
	Decided    bool              `json:"decided,omitempty"`
	Approved   bool              `json:"approved,omitempty"`
	Executed   bool              `json:"executed,omitempty"`
	Feedback   string            `json:"feedback,omitempty"`
	Result     *InvocationResult `json:"result,omitempty"`
}

func (p PendingInvocation) clone() PendingInvocation {
	p.Invocation = p.Invocation.clone()
	if p.Result != nil {
		res := p.Result.clone()
		p.Result = &res
	}
	return p
}

// Thread is the persistent unit of conversational state, addressed by an
// opaque identifier. It owns an ordered message history, the current turn
// phase and the pending-invocation scratch fields. It is safe for concurrent
// access, though the checkpoint store's single-writer lease is what actually
// serializes turns.
type Thread struct {
	ID         string              `json:"id"`
	Messages   []Message           `json:"messages"`
	Phase      Phase               `json:"phase"`
	Pending    []PendingInvocation `json:"pending,omitempty"`
	RoundTrips int                 `json:"round_trips"`
	Created    time.Time           `json:"created"`
	Updated    time.Time           `json:"updated"`

	mu sync.RWMutex
}

// NewThread creates an empty thread. An empty id is replaced with a generated one.
func NewThread(id string) *Thread {
	if id == "" {
		id = util.NewID()
	}
	now := time.Now().UTC()
	return &Thread{
		ID:       id,
		Messages: []Message{},
		Phase:    PhaseAwaitingInput,
		Created:  now,
		Updated:  now,
	}
}

// Append adds messages to the history updating the Updated timestamp.
func (t *Thread) Append(msgs ...Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Messages = append(t.Messages, msgs...)
	t.Updated = time.Now().UTC()
}

// History returns a defensive copy of the message history.
func (t *Thread) History() []Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	msgs := make([]Message, len(t.Messages))
	copy(msgs, t.Messages)
	return msgs
}

// Transition moves the thread to the next phase, enforcing the allowed
// transition table. The caller persists the thread afterwards.
func (t *Thread) Transition(next Phase) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.Phase.CanTransition(next) {
		return &TransitionError{From: t.Phase, To: next}
	}
	t.Phase = next
	t.Updated = time.Now().UTC()
	return nil
}

// SetPending replaces the pending-invocation scratch state.
func (t *Thread) SetPending(pending []PendingInvocation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Pending = pending
	t.Updated = time.Now().UTC()
}

// ClearPending drops the scratch state once all results are appended.
func (t *Thread) ClearPending() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Pending = nil
	t.Updated = time.Now().UTC()
}

// LastAssistantText returns the text of the most recent assistant message,
// or the empty string if none exists.
func (t *Thread) LastAssistantText() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for i := len(t.Messages) - 1; i >= 0; i-- {
		if t.Messages[i].Kind == KindAssistant {
			return t.Messages[i].Text
		}
	}
	return ""
}

// Clone returns a deep copy of the thread safe for independent mutation.
func (t *Thread) Clone() *Thread {
	t.mu.RLock()
	defer t.mu.RUnlock()
	clone := &Thread{
		ID:         t.ID,
		Messages:   make([]Message, len(t.Messages)),
		Phase:      t.Phase,
		RoundTrips: t.RoundTrips,
		Created:    t.Created,
		Updated:    t.Updated,
	}
	for i, m := range t.Messages {
		clone.Messages[i] = m.clone()
	}
	if t.Pending != nil {
		clone.Pending = make([]PendingInvocation, len(t.Pending))
		for i, p := range t.Pending {
			clone.Pending[i] = p.clone()
		}
	}
	return clone
}
