package core

import "fmt"

// Phase identifies where a thread currently sits in the turn state machine.
// It is persisted with the thread so an interrupted turn resumes exactly
// where it stopped.
type Phase string

const (
	// PhaseAwaitingInput means no turn is in flight; the thread waits for a user message.
	PhaseAwaitingInput Phase = "awaiting_input"
	// PhaseModelInvoking means a gateway call is due or in flight.
	PhaseModelInvoking Phase = "model_invoking"
	// PhaseDispatching means the model requested invocations that still need
	// approval decisions and/or execution.
	PhaseDispatching Phase = "dispatching"
	// PhaseApproving means at least one invocation is suspended on a human
	// confirmation that has not arrived yet.
	PhaseApproving Phase = "approving"
	// PhaseHumanIntervening means a rejection occurred and the turn waits for
	// free-text human feedback before resuming the model.
	PhaseHumanIntervening Phase = "human_intervening"
	// PhaseDone means the model returned a final answer for the current turn.
	PhaseDone Phase = "done"
)

// phaseTransitions is the allowed transition table of the turn state machine.
var phaseTransitions = map[Phase][]Phase{
	PhaseAwaitingInput:    {PhaseModelInvoking},
	PhaseModelInvoking:    {PhaseDispatching, PhaseDone},
	PhaseDispatching:      {PhaseApproving, PhaseModelInvoking, PhaseHumanIntervening},
	PhaseApproving:        {PhaseDispatching, PhaseHumanIntervening},
	PhaseHumanIntervening: {PhaseModelInvoking},
	PhaseDone:             {PhaseModelInvoking},
}

// CanTransition reports whether moving from p to next is allowed.
func (p Phase) CanTransition(next Phase) bool {
	for _, allowed := range phaseTransitions[p] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the phase ends a turn.
func (p Phase) Terminal() bool { return p == PhaseDone }

// Suspended reports whether the phase waits on external human input and can
// only leave via a delivered decision or feedback.
func (p Phase) Suspended() bool {
	return p == PhaseApproving || p == PhaseHumanIntervening
}

// TransitionError reports an attempted transition outside the allowed table.
type TransitionError struct {
	From Phase
	To   Phase
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid phase transition %s -> %s", e.From, e.To)
}
