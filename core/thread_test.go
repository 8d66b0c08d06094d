package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPhaseTransitions(t *testing.T) {
	tests := []struct {
		from    Phase
		to      Phase
		allowed bool
	}{
		{PhaseAwaitingInput, PhaseModelInvoking, true},
		{PhaseAwaitingInput, PhaseDispatching, false},
		{PhaseModelInvoking, PhaseDone, true},
		{PhaseModelInvoking, PhaseDispatching, true},
		{PhaseModelInvoking, PhaseHumanIntervening, false},
		{PhaseDispatching, PhaseModelInvoking, true},
		{PhaseDispatching, PhaseApproving, true},
		{PhaseDispatching, PhaseHumanIntervening, true},
		{PhaseApproving, PhaseDispatching, true},
		{PhaseApproving, PhaseHumanIntervening, true},
		{PhaseApproving, PhaseDone, false},
		{PhaseHumanIntervening, PhaseModelInvoking, true},
		{PhaseHumanIntervening, PhaseDone, false},
		{PhaseDone, PhaseModelInvoking, true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestThreadTransitionRejectsInvalid(t *testing.T) {
	th := NewThread("t1")
	require.NoError(t, th.Transition(PhaseModelInvoking))

	err := th.Transition(PhaseHumanIntervening)
	require.Error(t, err)
	var tErr *TransitionError
	require.ErrorAs(t, err, &tErr)
	assert.Equal(t, PhaseModelInvoking, tErr.From)
	assert.Equal(t, PhaseModelInvoking, th.Phase)
}

func TestPhaseSuspended(t *testing.T) {
	assert.True(t, PhaseApproving.Suspended())
	assert.True(t, PhaseHumanIntervening.Suspended())
	assert.False(t, PhaseDispatching.Suspended())
	assert.True(t, PhaseDone.Terminal())
}

func TestMessageConstructors(t *testing.T) {
	user := NewUserMessage("hello")
	assert.Equal(t, KindUser, user.Kind)
	assert.Equal(t, "hello", user.Text)
	assert.NotEmpty(t, user.ID)

	inv := Invocation{ID: "inv-1", Capability: "get_bookings", Arguments: map[string]any{"start": "2025-07-10"}}
	req := NewInvocationRequestMessage(inv)
	assert.Equal(t, KindInvocationRequest, req.Kind)
	require.NotNil(t, req.Invocation)
	assert.Equal(t, "get_bookings", req.Invocation.Capability)

	res := NewInvocationResultMessage(InvocationResult{InvocationID: "inv-1", Capability: "get_bookings", Error: "boom"})
	require.NotNil(t, res.Result)
	assert.True(t, res.Result.Failed())
}

func TestThreadCloneIsIndependent(t *testing.T) {
	th := NewThread("t1")
	th.Append(NewUserMessage("first"))
	th.SetPending([]PendingInvocation{{Invocation: Invocation{ID: "inv-1", Capability: "x"}}})

	clone := th.Clone()
	clone.Append(NewUserMessage("second"))
	clone.Pending[0].Executed = true

	assert.Len(t, th.Messages, 1)
	assert.False(t, th.Pending[0].Executed)
}

// Mutations through message payload pointers and argument maps must not leak
// between a thread and its clone.
func TestThreadClonePayloadsAreIndependent(t *testing.T) {
	th := NewThread("t1")
	th.Append(
		NewInvocationRequestMessage(Invocation{
			ID:         "inv-1",
			Capability: "create_booking",
			Arguments:  map[string]any{"eventTypeId": float64(7), "guests": []any{"a@example.com"}},
		}),
		NewInvocationResultMessage(InvocationResult{
			InvocationID: "inv-1",
			Capability:   "create_booking",
			Response:     map[string]any{"uid": "bk_1"},
		}),
	)
	th.SetPending([]PendingInvocation{{
		Invocation: Invocation{ID: "inv-2", Capability: "cancel_booking", Arguments: map[string]any{"booking_uid": "bk_1"}},
		Result:     &InvocationResult{InvocationID: "inv-2", Response: map[string]any{"status": "cancelled"}},
	}})

	clone := th.Clone()

	clone.Messages[0].Invocation.Arguments["eventTypeId"] = float64(99)
	clone.Messages[0].Invocation.Arguments["guests"].([]any)[0] = "evil@example.com"
	clone.Messages[1].Result.Response.(map[string]any)["uid"] = "tampered"
	clone.Pending[0].Invocation.Arguments["booking_uid"] = "other"
	clone.Pending[0].Result.Response.(map[string]any)["status"] = "accepted"

	assert.Equal(t, float64(7), th.Messages[0].Invocation.Arguments["eventTypeId"])
	assert.Equal(t, "a@example.com", th.Messages[0].Invocation.Arguments["guests"].([]any)[0])
	assert.Equal(t, "bk_1", th.Messages[1].Result.Response.(map[string]any)["uid"])
	assert.Equal(t, "bk_1", th.Pending[0].Invocation.Arguments["booking_uid"])
	assert.Equal(t, "cancelled", th.Pending[0].Result.Response.(map[string]any)["status"])
}

func TestThreadJSONRoundTrip(t *testing.T) {
	th := NewThread("round-trip")
	require.NoError(t, th.Transition(PhaseModelInvoking))
	th.Append(
		NewSystemMessage("be helpful"),
		NewUserMessage("what's on tomorrow?"),
		NewInvocationRequestMessage(Invocation{ID: "inv-1", Capability: "get_bookings"}),
		NewInvocationResultMessage(InvocationResult{InvocationID: "inv-1", Capability: "get_bookings", Response: "2 bookings"}),
	)
	th.SetPending([]PendingInvocation{{
		Invocation: Invocation{ID: "inv-2", Capability: "create_booking", Arguments: map[string]any{"eventTypeId": float64(42)}},
		Decided:    true,
		Approved:   true,
	}})
	th.RoundTrips = 3

	data, err := json.Marshal(th)
	require.NoError(t, err)

	var got Thread
	require.NoError(t, json.Unmarshal(data, &got))

	assert.Equal(t, th.ID, got.ID)
	assert.Equal(t, th.Phase, got.Phase)
	assert.Equal(t, th.RoundTrips, got.RoundTrips)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, th.Messages[2].Invocation.ID, got.Messages[2].Invocation.ID)
	require.Len(t, got.Pending, 1)
	assert.True(t, got.Pending[0].Approved)
	assert.False(t, got.Pending[0].Executed)
	assert.Equal(t, float64(42), got.Pending[0].Invocation.Arguments["eventTypeId"])
}
