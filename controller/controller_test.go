package controller

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hupe1980/calagent/approval"
	"github.com/hupe1980/calagent/capability"
	"github.com/hupe1980/calagent/checkpoint"
	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/internal/testutil"
	"github.com/hupe1980/calagent/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	gateway  *model.MockGateway
	registry *capability.Registry
	gate     *approval.Gate
	store    *checkpoint.MemoryStore
}

func newFixture(policies approval.Policies, gateOpts ...func(o *approval.Options)) *fixture {
	return &fixture{
		gateway:  model.NewMockGateway(),
		registry: capability.NewRegistry(),
		gate:     approval.NewGate(policies, gateOpts...),
		store:    checkpoint.NewMemoryStore(),
	}
}

func (f *fixture) controller(optFns ...func(o *Options)) *Controller {
	return New(f.gateway, f.registry, f.gate, f.store, optFns...)
}

func autoPolicies() approval.Policies {
	return approval.Policies{Default: approval.PolicyAuto}
}

func confirmPolicies(names ...string) approval.Policies {
	byCap := make(map[string]approval.Policy, len(names))
	for _, n := range names {
		byCap[n] = approval.PolicyRequireConfirmation
	}
	return approval.Policies{Default: approval.PolicyAuto, ByCapability: byCap}
}

func messageKinds(th *core.Thread) []core.MessageKind {
	kinds := make([]core.MessageKind, len(th.Messages))
	for i, m := range th.Messages {
		kinds[i] = m.Kind
	}
	return kinds
}

// The canonical read-only turn: one auto-approved invocation round-trip
// ending in a final answer.
func TestTurnAutoApprovedInvocation(t *testing.T) {
	f := newFixture(autoPolicies())
	bookings := testutil.NewRecordingCapability("get_bookings", "two bookings: standup, review", nil)
	require.NoError(t, f.registry.Register(bookings))

	f.gateway.Enqueue(
		testutil.InvocationsResponse(core.Invocation{ID: "inv-1", Capability: "get_bookings"}),
		testutil.FinalResponse("Tomorrow you have standup and review."),
	)

	th, err := f.controller().RunTurn(context.Background(), "t1", "What events do I have tomorrow?")
	require.NoError(t, err)

	assert.Equal(t, core.PhaseDone, th.Phase)
	assert.Equal(t, 1, th.RoundTrips)
	assert.Equal(t, 1, bookings.Calls())
	assert.Equal(t, 2, f.gateway.Calls())
	assert.Equal(t, []core.MessageKind{
		core.KindUser,
		core.KindInvocationRequest,
		core.KindInvocationResult,
		core.KindAssistant,
	}, messageKinds(th))
	assert.Equal(t, "Tomorrow you have standup and review.", th.LastAssistantText())

	// The final state is what the store holds.
	saved, err := f.store.Load(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, saved.Phase)
	assert.Empty(t, saved.Pending)
}

// A rejected confirmation moves the turn to HumanIntervening without
// executing the capability; feedback resumes the model.
func TestTurnRejectionThenFeedback(t *testing.T) {
	f := newFixture(confirmPolicies("create_booking"))
	create := testutil.NewRecordingCapability("create_booking", "created", nil)
	require.NoError(t, f.registry.Register(create))

	f.gateway.Enqueue(
		testutil.InvocationsResponse(core.Invocation{
			ID:         "inv-1",
			Capability: "create_booking",
			Arguments:  map[string]any{"eventTypeId": float64(7)},
		}),
	)

	go func() {
		req := <-f.gate.Requests()
		f.gate.Submit(approval.Decision{InvocationID: req.Invocation.ID, Approved: false})
	}()

	ctrl := f.controller() // no feedback provider: suspends on intervention
	th, err := ctrl.RunTurn(context.Background(), "t1", "Book me a slot on Monday")
	require.ErrorIs(t, err, ErrAwaitingFeedback)
	assert.Equal(t, core.PhaseHumanIntervening, th.Phase)
	assert.Equal(t, 0, create.Calls(), "rejected invocation must not execute")

	// The rejection is recorded as a result visible to the model.
	last := th.Messages[len(th.Messages)-1]
	require.Equal(t, core.KindInvocationResult, last.Kind)
	assert.True(t, last.Result.Rejected)

	f.gateway.Enqueue(testutil.FinalResponse("Okay, I'll hold off. Tuesday it is."))

	th, err = ctrl.ResumeWithFeedback(context.Background(), "t1", "use Tuesday instead")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, th.Phase)
	assert.Equal(t, 0, create.Calls(), "no booking may be created after rejection")

	// Feedback entered the history as a user message before the final answer.
	kinds := messageKinds(th)
	require.GreaterOrEqual(t, len(kinds), 2)
	assert.Equal(t, core.KindUser, kinds[len(kinds)-2])
	assert.Equal(t, "use Tuesday instead", th.Messages[len(th.Messages)-2].Text)
}

// A blocking feedback provider keeps the whole intervention inside one
// RunTurn call.
func TestTurnBlockingFeedbackProvider(t *testing.T) {
	f := newFixture(confirmPolicies("cancel_booking"))
	cancel := testutil.NewRecordingCapability("cancel_booking", "cancelled", nil)
	require.NoError(t, f.registry.Register(cancel))

	f.gateway.Enqueue(
		testutil.InvocationsResponse(core.Invocation{ID: "inv-1", Capability: "cancel_booking"}),
		testutil.FinalResponse("Understood, keeping the booking."),
	)

	go func() {
		req := <-f.gate.Requests()
		f.gate.Submit(approval.Decision{InvocationID: req.Invocation.ID, Approved: false, Feedback: "too important"})
	}()

	ctrl := f.controller(func(o *Options) {
		o.Feedback = FeedbackFunc(func(context.Context, string) (string, error) {
			return "keep it, cancel nothing", nil
		})
	})

	th, err := ctrl.RunTurn(context.Background(), "t1", "Cancel my Friday booking")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, th.Phase)
	assert.Equal(t, 0, cancel.Calls())
}

// Exceeding the round-trip bound terminates with ErrRunawayLoop and executes
// no more invocations than the bound permits.
func TestTurnRunawayLoop(t *testing.T) {
	f := newFixture(autoPolicies())
	echo := testutil.NewRecordingCapability("echo", "ok", nil)
	require.NoError(t, f.registry.Register(echo))

	for i := 0; i < 3; i++ {
		f.gateway.Enqueue(testutil.InvocationsResponse(core.Invocation{ID: "inv", Capability: "echo"}))
	}

	ctrl := f.controller(func(o *Options) { o.MaxRoundTrips = 3 })
	th, err := ctrl.RunTurn(context.Background(), "t1", "loop forever")
	require.ErrorIs(t, err, ErrRunawayLoop)
	assert.Equal(t, 3, echo.Calls())
	assert.Equal(t, 3, th.RoundTrips)

	// The turn is terminated: the thread is saved with no pending work and
	// accepts input again.
	saved, loadErr := f.store.Load(context.Background(), "t1")
	require.NoError(t, loadErr)
	assert.Equal(t, core.PhaseDone, saved.Phase)
	assert.Empty(t, saved.Pending)
}

// A runaway-terminated thread is not a dead end: the next user message starts
// a fresh turn with a reset round-trip budget, and the history survives.
func TestTurnAfterRunawayLoop(t *testing.T) {
	f := newFixture(autoPolicies())
	echo := testutil.NewRecordingCapability("echo", "ok", nil)
	require.NoError(t, f.registry.Register(echo))

	for i := 0; i < 2; i++ {
		f.gateway.Enqueue(testutil.InvocationsResponse(core.Invocation{ID: "inv", Capability: "echo"}))
	}

	ctrl := f.controller(func(o *Options) { o.MaxRoundTrips = 2 })
	_, err := ctrl.RunTurn(context.Background(), "t1", "loop forever")
	require.ErrorIs(t, err, ErrRunawayLoop)

	// Resume is a no-op on the terminated turn.
	th, err := ctrl.Resume(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, th.Phase)

	f.gateway.Enqueue(testutil.FinalResponse("Let's try something simpler."))

	th, err = ctrl.RunTurn(context.Background(), "t1", "never mind, just say hi")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, th.Phase)
	assert.Equal(t, 0, th.RoundTrips)
	assert.Equal(t, "Let's try something simpler.", th.LastAssistantText())

	// Both turns' messages are in the history.
	kinds := messageKinds(th)
	assert.Equal(t, core.KindUser, kinds[0])
	assert.Equal(t, core.KindUser, kinds[len(kinds)-2])
}

// Results appear in request order even when executions finish out of order.
func TestDispatchPreservesRequestOrder(t *testing.T) {
	f := newFixture(autoPolicies())

	slow := capability.NewFunc("slow", "slow capability",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, _ map[string]any) (any, error) {
			time.Sleep(30 * time.Millisecond)
			return "slow done", nil
		})
	fast := capability.NewFunc("fast", "fast capability",
		map[string]any{"type": "object", "properties": map[string]any{}},
		func(ctx context.Context, _ map[string]any) (any, error) {
			return "fast done", nil
		})
	require.NoError(t, f.registry.Register(slow))
	require.NoError(t, f.registry.Register(fast))

	f.gateway.Enqueue(
		testutil.InvocationsResponse(
			core.Invocation{ID: "inv-slow", Capability: "slow"},
			core.Invocation{ID: "inv-fast", Capability: "fast"},
		),
		testutil.FinalResponse("done"),
	)

	ctrl := f.controller(func(o *Options) { o.MaxParallel = 2 })
	th, err := ctrl.RunTurn(context.Background(), "t1", "run both")
	require.NoError(t, err)

	var results []*core.InvocationResult
	for _, m := range th.Messages {
		if m.Kind == core.KindInvocationResult {
			results = append(results, m.Result)
		}
	}
	require.Len(t, results, 2)
	assert.Equal(t, "inv-slow", results[0].InvocationID)
	assert.Equal(t, "inv-fast", results[1].InvocationID)
}

// A deferred gate suspends the turn in Approving; the executor must not run
// before an approval is recorded.
func TestApprovalPrecedesExecution(t *testing.T) {
	f := newFixture(confirmPolicies("create_booking"), func(o *approval.Options) { o.Deferred = true })
	create := testutil.NewRecordingCapability("create_booking", "created", nil)
	require.NoError(t, f.registry.Register(create))

	f.gateway.Enqueue(
		testutil.InvocationsResponse(core.Invocation{ID: "inv-1", Capability: "create_booking"}),
		testutil.FinalResponse("Booked it."),
	)

	ctrl := f.controller()
	th, err := ctrl.RunTurn(context.Background(), "t1", "Book Tuesday 10am")
	require.ErrorIs(t, err, ErrAwaitingApproval)
	assert.Equal(t, core.PhaseApproving, th.Phase)
	assert.Equal(t, 0, create.Calls())

	// Decision arrives on a later request.
	f.gate.Submit(approval.Decision{InvocationID: "inv-1", Approved: true})

	th, err = ctrl.Resume(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, th.Phase)
	assert.Equal(t, 1, create.Calls())
}

// A thread checkpointed with an approved-but-unexecuted invocation resumes
// into Dispatching and executes it exactly once.
func TestResumeExecutesApprovedPendingOnce(t *testing.T) {
	f := newFixture(autoPolicies())
	create := testutil.NewRecordingCapability("create_booking", "created", nil)
	require.NoError(t, f.registry.Register(create))

	// Simulate the post-crash checkpoint: decision recorded, executor not run.
	th := core.NewThread("t1")
	require.NoError(t, th.Transition(core.PhaseModelInvoking))
	inv := core.Invocation{ID: "inv-1", Capability: "create_booking"}
	th.Append(
		core.NewUserMessage("Book Tuesday 10am"),
		core.NewInvocationRequestMessage(inv),
	)
	th.SetPending([]core.PendingInvocation{{Invocation: inv, Decided: true, Approved: true}})
	th.RoundTrips = 1
	require.NoError(t, th.Transition(core.PhaseDispatching))
	require.NoError(t, f.store.Save(context.Background(), th))

	f.gateway.Enqueue(testutil.FinalResponse("Booked it."))

	got, err := f.controller().Resume(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, got.Phase)
	assert.Equal(t, 1, create.Calls(), "pending invocation must execute exactly once")

	// Exactly one result for the one request.
	var results int
	for _, m := range got.Messages {
		if m.Kind == core.KindInvocationResult {
			results++
		}
	}
	assert.Equal(t, 1, results)
}

// Resuming a suspended turn produces the same visible conversation as an
// uninterrupted run of the same script.
func TestResumeEquivalence(t *testing.T) {
	script := func() []*model.Response {
		return []*model.Response{
			testutil.InvocationsResponse(core.Invocation{ID: "inv-1", Capability: "create_booking"}),
			testutil.FinalResponse("Booked it."),
		}
	}

	runInterrupted := func(t *testing.T) *core.Thread {
		f := newFixture(confirmPolicies("create_booking"), func(o *approval.Options) { o.Deferred = true })
		require.NoError(t, f.registry.Register(testutil.NewRecordingCapability("create_booking", "created", nil)))
		f.gateway.Enqueue(script()...)

		ctrl := f.controller()
		_, err := ctrl.RunTurn(context.Background(), "t1", "Book Tuesday 10am")
		require.ErrorIs(t, err, ErrAwaitingApproval)

		f.gate.Submit(approval.Decision{InvocationID: "inv-1", Approved: true})
		th, err := ctrl.Resume(context.Background(), "t1")
		require.NoError(t, err)
		return th
	}

	runUninterrupted := func(t *testing.T) *core.Thread {
		f := newFixture(confirmPolicies("create_booking"))
		require.NoError(t, f.registry.Register(testutil.NewRecordingCapability("create_booking", "created", nil)))
		f.gateway.Enqueue(script()...)

		go func() {
			req := <-f.gate.Requests()
			f.gate.Submit(approval.Decision{InvocationID: req.Invocation.ID, Approved: true})
		}()

		th, err := f.controller().RunTurn(context.Background(), "t1", "Book Tuesday 10am")
		require.NoError(t, err)
		return th
	}

	a := runInterrupted(t)
	b := runUninterrupted(t)

	require.Equal(t, len(a.Messages), len(b.Messages))
	for i := range a.Messages {
		assert.Equal(t, a.Messages[i].Kind, b.Messages[i].Kind, "message %d", i)
		assert.Equal(t, a.Messages[i].Text, b.Messages[i].Text, "message %d", i)
	}
	assert.Equal(t, a.Phase, b.Phase)
	assert.Equal(t, a.RoundTrips, b.RoundTrips)
}

// Concurrent turns on the same thread are rejected with ErrThreadBusy.
func TestTurnThreadBusy(t *testing.T) {
	f := newFixture(autoPolicies())

	lease, err := f.store.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	defer lease.Release()

	_, err = f.controller().RunTurn(context.Background(), "t1", "hello")
	require.ErrorIs(t, err, checkpoint.ErrThreadBusy)
}

// New input on a suspended thread is refused; the suspended turn must be
// resumed first.
func TestTurnInProgressRefusesNewInput(t *testing.T) {
	f := newFixture(confirmPolicies("create_booking"), func(o *approval.Options) { o.Deferred = true })
	require.NoError(t, f.registry.Register(testutil.NewRecordingCapability("create_booking", "created", nil)))
	f.gateway.Enqueue(testutil.InvocationsResponse(core.Invocation{ID: "inv-1", Capability: "create_booking"}))

	ctrl := f.controller()
	_, err := ctrl.RunTurn(context.Background(), "t1", "Book Tuesday")
	require.ErrorIs(t, err, ErrAwaitingApproval)

	_, err = ctrl.RunTurn(context.Background(), "t1", "Actually, Wednesday")
	require.ErrorIs(t, err, ErrTurnInProgress)
}

// Invocation-level failures fold into failed results the model can react to;
// the turn itself completes normally.
func TestInvocationFailuresFoldIntoResults(t *testing.T) {
	f := newFixture(autoPolicies())

	strict := capability.NewFunc("strict", "requires a date",
		map[string]any{
			"type":       "object",
			"properties": map[string]any{"date": map[string]any{"type": "string"}},
			"required":   []string{"date"},
		},
		func(ctx context.Context, _ map[string]any) (any, error) {
			t.Fatal("executor must not run on validation failure")
			return nil, nil
		})
	failing := testutil.NewRecordingCapability("failing", nil, errors.New("upstream 502"))
	require.NoError(t, f.registry.Register(strict))
	require.NoError(t, f.registry.Register(failing))

	f.gateway.Enqueue(
		testutil.InvocationsResponse(
			core.Invocation{ID: "inv-1", Capability: "strict", Arguments: map[string]any{"bogus": true}},
			core.Invocation{ID: "inv-2", Capability: "unregistered"},
			core.Invocation{ID: "inv-3", Capability: "failing"},
		),
		testutil.FinalResponse("Something went wrong with those calls."),
	)

	th, err := f.controller().RunTurn(context.Background(), "t1", "do things")
	require.NoError(t, err)
	assert.Equal(t, core.PhaseDone, th.Phase)

	var results []*core.InvocationResult
	for _, m := range th.Messages {
		if m.Kind == core.KindInvocationResult {
			results = append(results, m.Result)
		}
	}
	require.Len(t, results, 3)
	assert.Contains(t, results[0].Error, capability.CodeValidation)
	assert.Contains(t, results[1].Error, capability.CodeUnknown)
	assert.Contains(t, results[2].Error, "upstream 502")
	for _, r := range results {
		assert.True(t, r.Failed())
	}
}

// failingStore wraps MemoryStore and fails saves after a threshold.
type failingStore struct {
	*checkpoint.MemoryStore
	saves     int
	failAfter int
}

func (s *failingStore) Acquire(ctx context.Context, threadID string) (*checkpoint.Lease, error) {
	inner, err := s.MemoryStore.Acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	return checkpoint.NewLease(threadID, func(ctx context.Context, th *core.Thread) error {
		s.saves++
		if s.saves > s.failAfter {
			return errors.New("disk full")
		}
		return inner.Save(ctx, th)
	}, inner.Release), nil
}

// A failed save aborts the turn without advancing past the last good state.
func TestFailedSaveDoesNotAdvanceState(t *testing.T) {
	store := &failingStore{MemoryStore: checkpoint.NewMemoryStore(), failAfter: 1}
	gateway := model.NewMockGateway().Enqueue(
		testutil.InvocationsResponse(core.Invocation{ID: "inv-1", Capability: "echo"}),
		testutil.FinalResponse("done"),
	)
	registry := capability.NewRegistry()
	require.NoError(t, registry.Register(testutil.NewRecordingCapability("echo", "ok", nil)))

	ctrl := New(gateway, registry, approval.NewGate(autoPolicies()), store)

	_, err := ctrl.RunTurn(context.Background(), "t1", "hello")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	// Only the first save (user message appended) landed.
	saved, loadErr := store.Load(context.Background(), "t1")
	require.NoError(t, loadErr)
	assert.Equal(t, core.PhaseModelInvoking, saved.Phase)
	assert.Equal(t, []core.MessageKind{core.KindUser}, messageKinds(saved))
}

// Cancellation between transitions leaves the thread at its last saved state.
func TestCancellationAtTransitionBoundary(t *testing.T) {
	f := newFixture(autoPolicies())
	echo := testutil.NewRecordingCapability("echo", "ok", nil)
	require.NoError(t, f.registry.Register(echo))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	th, err := f.controller().RunTurn(ctx, "t1", "hello")
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, echo.Calls())
	assert.Equal(t, 0, f.gateway.Calls())

	saved, loadErr := f.store.Load(context.Background(), "t1")
	require.NoError(t, loadErr)
	assert.Equal(t, saved.Phase, th.Phase)
}
