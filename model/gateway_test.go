package model

import (
	"context"
	"testing"

	"github.com/hupe1980/calagent/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockGatewayScript(t *testing.T) {
	gw := NewMockGateway().Enqueue(
		&Response{Invocations: []core.Invocation{{ID: "inv-1", Capability: "get_bookings"}}},
		&Response{Text: "You have two bookings tomorrow.", FinishReason: "stop"},
	)

	first, err := gw.Converse(context.Background(), Request{Messages: []core.Message{core.NewUserMessage("what's on?")}})
	require.NoError(t, err)
	assert.False(t, first.IsFinal())
	require.Len(t, first.Invocations, 1)

	second, err := gw.Converse(context.Background(), Request{})
	require.NoError(t, err)
	assert.True(t, second.IsFinal())
	assert.Equal(t, "You have two bookings tomorrow.", second.Text)

	assert.Equal(t, 2, gw.Calls())
}

func TestMockGatewayEchoesWhenScriptExhausted(t *testing.T) {
	gw := NewMockGateway()

	resp, err := gw.Converse(context.Background(), Request{Messages: []core.Message{core.NewUserMessage("hello")}})
	require.NoError(t, err)
	assert.Equal(t, "Mock response to: hello", resp.Text)
}

func TestResultText(t *testing.T) {
	tests := []struct {
		name string
		res  core.InvocationResult
		want string
	}{
		{
			name: "plain string response",
			res:  core.InvocationResult{Response: "two bookings"},
			want: "two bookings",
		},
		{
			name: "structured response marshals to JSON",
			res:  core.InvocationResult{Response: map[string]any{"count": 2}},
			want: `{"count":2}`,
		},
		{
			name: "error folds into tool output",
			res:  core.InvocationResult{Error: "upstream 502"},
			want: "Error: upstream 502",
		},
		{
			name: "rejection carries feedback",
			res:  core.InvocationResult{Rejected: true, Feedback: "use Tuesday instead"},
			want: "The user rejected this invocation. Feedback: use Tuesday instead",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ResultText(tt.res))
		})
	}
}
