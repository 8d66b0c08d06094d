package main

import (
	"bufio"
	"strings"
	"testing"

	"github.com/hupe1980/calagent/approval"
	"github.com/hupe1980/calagent/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Back-to-back prompts must read from one shared scanner: an approval answer,
// a rejection with feedback, then another approval, all on the same input.
func TestConfirmLoopSharedScanner(t *testing.T) {
	stdin := bufio.NewScanner(strings.NewReader("y\nn\ntoo expensive\nyes\n"))

	requests := make(chan approval.Request, 3)
	decisions := make(chan approval.Decision, 3)
	done := make(chan struct{})

	go func() {
		confirmLoop(requests, func(d approval.Decision) { decisions <- d }, stdin)
		close(done)
	}()

	for _, id := range []string{"inv-1", "inv-2", "inv-3"} {
		requests <- approval.Request{
			ThreadID:   "t1",
			Invocation: core.Invocation{ID: id, Capability: "create_booking"},
		}
	}
	close(requests)
	<-done

	first := <-decisions
	assert.Equal(t, "inv-1", first.InvocationID)
	assert.True(t, first.Approved)

	second := <-decisions
	assert.Equal(t, "inv-2", second.InvocationID)
	assert.False(t, second.Approved)
	assert.Equal(t, "too expensive", second.Feedback)

	third := <-decisions
	assert.Equal(t, "inv-3", third.InvocationID)
	assert.True(t, third.Approved)
}

// Closed input rejects rather than approving by default.
func TestConfirmLoopRejectsOnClosedInput(t *testing.T) {
	stdin := bufio.NewScanner(strings.NewReader(""))

	requests := make(chan approval.Request, 1)
	decisions := make(chan approval.Decision, 1)

	requests <- approval.Request{
		ThreadID:   "t1",
		Invocation: core.Invocation{ID: "inv-1", Capability: "cancel_booking"},
	}
	close(requests)

	confirmLoop(requests, func(d approval.Decision) { decisions <- d }, stdin)

	d := <-decisions
	require.Equal(t, "inv-1", d.InvocationID)
	assert.False(t, d.Approved)
}
