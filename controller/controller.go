// Package controller implements the per-thread turn state machine: it
// alternates between invoking the language-model gateway, gating and
// dispatching the requested capability invocations, and resuming the model
// with their results, checkpointing after every side-effecting transition so
// an interrupted turn resumes exactly where it stopped.
package controller

import (
	"context"
	"errors"
	"fmt"

	"github.com/hupe1980/calagent/approval"
	"github.com/hupe1980/calagent/capability"
	"github.com/hupe1980/calagent/checkpoint"
	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/logging"
	"github.com/hupe1980/calagent/model"
)

// ErrRunawayLoop is returned when a single user turn exceeds the configured
// number of model round-trips. The turn is terminated; the thread is saved
// intact and accepts new input.
var ErrRunawayLoop = errors.New("turn exceeded maximum model round-trips")

// ErrTurnInProgress is returned by RunTurn when the thread has a suspended
// turn that must be resumed (or fed back) before new input is accepted.
var ErrTurnInProgress = errors.New("thread has a suspended turn")

// ErrAwaitingApproval signals that the turn is checkpointed in the Approving
// phase; deliver the decision via the gate and call Resume.
var ErrAwaitingApproval = errors.New("turn suspended awaiting approval")

// ErrAwaitingFeedback signals that the turn is checkpointed in the
// HumanIntervening phase; call ResumeWithFeedback with the user's text.
var ErrAwaitingFeedback = errors.New("turn suspended awaiting human feedback")

// FeedbackProvider supplies the free-text human feedback a turn blocks on
// after a rejection. A long-lived process plugs a blocking prompt; leaving it
// nil makes the controller suspend instead, with the feedback delivered later
// via ResumeWithFeedback.
type FeedbackProvider interface {
	Feedback(ctx context.Context, threadID string) (string, error)
}

// FeedbackFunc adapts a plain function to the FeedbackProvider interface.
type FeedbackFunc func(ctx context.Context, threadID string) (string, error)

// Feedback implements FeedbackProvider.
func (f FeedbackFunc) Feedback(ctx context.Context, threadID string) (string, error) {
	return f(ctx, threadID)
}

// Options configures a Controller.
type Options struct {
	// MaxRoundTrips bounds the ModelInvoking/Dispatching loop per user turn.
	MaxRoundTrips int
	// MaxParallel bounds concurrent capability executions within one batch.
	// 1 (the default) executes sequentially with a checkpoint per execution.
	MaxParallel int
	// SystemPrompt is sent to the gateway on every call.
	SystemPrompt string
	// Feedback supplies human-intervention text; nil suspends instead.
	Feedback FeedbackProvider
	// Logger used for turn activity.
	Logger logging.Logger
}

// Controller owns the turn loop for threads. It borrows a thread from the
// checkpoint store for the duration of one turn (under a lease) and returns
// it updated. Safe for concurrent use across different threads; the lease
// serializes turns on the same thread.
type Controller struct {
	gateway  model.Gateway
	registry *capability.Registry
	gate     *approval.Gate
	store    checkpoint.Store

	maxRoundTrips int
	systemPrompt  string
	feedback      FeedbackProvider
	dispatch      dispatcher
	logger        logging.Logger
}

// New constructs a Controller with optional overrides.
func New(
	gateway model.Gateway,
	registry *capability.Registry,
	gate *approval.Gate,
	store checkpoint.Store,
	optFns ...func(o *Options),
) *Controller {
	opts := Options{
		MaxRoundTrips: 10,
		MaxParallel:   1,
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Controller{
		gateway:       gateway,
		registry:      registry,
		gate:          gate,
		store:         store,
		maxRoundTrips: opts.MaxRoundTrips,
		systemPrompt:  opts.SystemPrompt,
		feedback:      opts.Feedback,
		dispatch:      dispatcher{maxParallel: opts.MaxParallel},
		logger:        opts.Logger,
	}
}

// RunTurn processes one user message on the given thread, driving the state
// machine until the model returns a final answer or the turn suspends on
// human input. The returned thread reflects the last saved state. Suspension
// is reported via ErrAwaitingApproval / ErrAwaitingFeedback; a concurrent
// turn on the same thread fails with checkpoint.ErrThreadBusy.
func (c *Controller) RunTurn(ctx context.Context, threadID, userText string) (*core.Thread, error) {
	lease, err := c.store.Acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	thread, err := c.store.Load(ctx, threadID)
	if errors.Is(err, checkpoint.ErrNotFound) {
		thread = core.NewThread(threadID)
	} else if err != nil {
		return nil, err
	}

	if thread.Phase != core.PhaseAwaitingInput && thread.Phase != core.PhaseDone {
		return thread, fmt.Errorf("%w: phase %s", ErrTurnInProgress, thread.Phase)
	}

	c.registry.Freeze()

	thread.Append(core.NewUserMessage(userText))
	thread.RoundTrips = 0
	if err := thread.Transition(core.PhaseModelInvoking); err != nil {
		return thread, err
	}
	if err := lease.Save(ctx, thread); err != nil {
		return thread, err
	}

	c.logger.Info("turn.start", "thread_id", thread.ID)

	return c.drive(ctx, lease, thread)
}

// Resume continues a previously checkpointed turn from whatever phase it was
// saved in: a pending model call is reissued, undecided approvals are
// re-consulted, and approved-but-unexecuted invocations are dispatched
// exactly once.
func (c *Controller) Resume(ctx context.Context, threadID string) (*core.Thread, error) {
	lease, err := c.store.Acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	thread, err := c.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if thread.Phase == core.PhaseAwaitingInput || thread.Phase == core.PhaseDone {
		return thread, nil
	}

	c.registry.Freeze()
	c.logger.Info("turn.resume", "thread_id", thread.ID, "phase", thread.Phase)

	return c.drive(ctx, lease, thread)
}

// ResumeWithFeedback delivers the human's free-text feedback to a thread
// suspended in HumanIntervening and continues the turn.
func (c *Controller) ResumeWithFeedback(ctx context.Context, threadID, feedbackText string) (*core.Thread, error) {
	lease, err := c.store.Acquire(ctx, threadID)
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	thread, err := c.store.Load(ctx, threadID)
	if err != nil {
		return nil, err
	}

	if thread.Phase != core.PhaseHumanIntervening {
		return thread, fmt.Errorf("thread %s is in phase %s, not awaiting feedback", threadID, thread.Phase)
	}

	c.registry.Freeze()

	if err := c.applyFeedback(ctx, lease, thread, feedbackText); err != nil {
		return thread, err
	}

	return c.drive(ctx, lease, thread)
}

// drive loops the state machine until the turn completes, suspends or fails.
// Cancellation is observed at transition boundaries only.
func (c *Controller) drive(ctx context.Context, lease *checkpoint.Lease, thread *core.Thread) (*core.Thread, error) {
	for {
		if err := ctx.Err(); err != nil {
			return thread, err
		}

		switch thread.Phase {
		case core.PhaseModelInvoking:
			if err := c.invokeModel(ctx, lease, thread); err != nil {
				return thread, err
			}

		case core.PhaseDispatching, core.PhaseApproving:
			if err := c.dispatchPending(ctx, lease, thread); err != nil {
				return thread, err
			}

		case core.PhaseHumanIntervening:
			if c.feedback == nil {
				return thread, ErrAwaitingFeedback
			}
			text, err := c.feedback.Feedback(ctx, thread.ID)
			if err != nil {
				return thread, err
			}
			if err := c.applyFeedback(ctx, lease, thread, text); err != nil {
				return thread, err
			}

		case core.PhaseDone:
			c.logger.Info("turn.done", "thread_id", thread.ID, "round_trips", thread.RoundTrips)
			return thread, nil

		default:
			return thread, fmt.Errorf("unexpected phase %s", thread.Phase)
		}
	}
}

// invokeModel performs one gateway call and applies the tagged response:
// final answers terminate the turn, invocation requests become pending
// dispatch state.
func (c *Controller) invokeModel(ctx context.Context, lease *checkpoint.Lease, thread *core.Thread) error {
	if thread.RoundTrips >= c.maxRoundTrips {
		c.logger.Error("turn.runaway", "thread_id", thread.ID, "round_trips", thread.RoundTrips)
		// Terminate the turn instead of leaving the thread stuck
		// mid-ModelInvoking: a Done thread accepts fresh input, which resets
		// the round-trip budget.
		if err := thread.Transition(core.PhaseDone); err != nil {
			return err
		}
		if err := lease.Save(ctx, thread); err != nil {
			return err
		}
		return fmt.Errorf("%w: %d round-trips", ErrRunawayLoop, thread.RoundTrips)
	}

	req := model.Request{
		System:       c.systemPrompt,
		Messages:     thread.History(),
		Capabilities: c.definitions(),
	}

	c.logger.Debug("turn.model.start", "thread_id", thread.ID, "messages", len(req.Messages))

	resp, err := c.gateway.Converse(ctx, req)
	if err != nil {
		return fmt.Errorf("gateway: %w", err)
	}

	if resp.IsFinal() {
		thread.Append(core.NewAssistantMessage(resp.Text))
		if err := thread.Transition(core.PhaseDone); err != nil {
			return err
		}
		return lease.Save(ctx, thread)
	}

	if resp.Text != "" {
		thread.Append(core.NewAssistantMessage(resp.Text))
	}

	pending := make([]core.PendingInvocation, len(resp.Invocations))
	for i, inv := range resp.Invocations {
		thread.Append(core.NewInvocationRequestMessage(inv))
		pending[i] = core.PendingInvocation{Invocation: inv}
	}
	thread.SetPending(pending)
	thread.RoundTrips++

	if err := thread.Transition(core.PhaseDispatching); err != nil {
		return err
	}
	return lease.Save(ctx, thread)
}

// dispatchPending drives one Dispatching round: collect approval decisions
// for every pending invocation, execute the approved ones, then append one
// result per request in request order. If any invocation was rejected the
// turn moves to HumanIntervening after the approved ones executed; otherwise
// it returns to ModelInvoking.
func (c *Controller) dispatchPending(ctx context.Context, lease *checkpoint.Lease, thread *core.Thread) error {
	// Phase 1: decisions. Undecided entries consult the gate; a pending
	// confirmation suspends the turn in Approving.
	decidedNew := false
	for i := range thread.Pending {
		p := &thread.Pending[i]
		if p.Decided {
			continue
		}

		decision, err := c.gate.Decide(ctx, thread.ID, p.Invocation)
		if errors.Is(err, approval.ErrDecisionPending) {
			if thread.Phase != core.PhaseApproving {
				if tErr := thread.Transition(core.PhaseApproving); tErr != nil {
					return tErr
				}
				if sErr := lease.Save(ctx, thread); sErr != nil {
					return sErr
				}
			}
			return ErrAwaitingApproval
		}
		if err != nil {
			return err
		}

		p.Decided = true
		p.Approved = decision.Approved
		p.Feedback = decision.Feedback
		decidedNew = true
	}

	// All decisions are recorded before anything executes, so a crash here
	// resumes into execution without re-asking the human.
	if decidedNew {
		if err := lease.Save(ctx, thread); err != nil {
			return err
		}
	}

	if thread.Phase == core.PhaseApproving {
		if err := thread.Transition(core.PhaseDispatching); err != nil {
			return err
		}
	}

	// Phase 2: execute approved invocations, checkpointing as they complete.
	err := c.dispatch.run(ctx, c, thread, func() error {
		return lease.Save(ctx, thread)
	})
	if err != nil {
		return err
	}

	// Phase 3: append one result per request, preserving request order.
	anyRejected := false
	results := make([]core.Message, 0, len(thread.Pending))
	for _, p := range thread.Pending {
		if !p.Approved {
			anyRejected = true
			results = append(results, core.NewInvocationResultMessage(core.InvocationResult{
				InvocationID: p.Invocation.ID,
				Capability:   p.Invocation.Capability,
				Rejected:     true,
				Feedback:     p.Feedback,
			}))
			continue
		}
		if p.Result == nil {
			return fmt.Errorf("invocation %s approved but has no result", p.Invocation.ID)
		}
		results = append(results, core.NewInvocationResultMessage(*p.Result))
	}
	thread.Append(results...)
	thread.ClearPending()

	next := core.PhaseModelInvoking
	if anyRejected {
		next = core.PhaseHumanIntervening
	}
	if err := thread.Transition(next); err != nil {
		return err
	}
	return lease.Save(ctx, thread)
}

// applyFeedback appends intervention feedback as a user message and returns
// the turn to the model.
func (c *Controller) applyFeedback(ctx context.Context, lease *checkpoint.Lease, thread *core.Thread, text string) error {
	thread.Append(core.NewUserMessage(text))
	if err := thread.Transition(core.PhaseModelInvoking); err != nil {
		return err
	}
	return lease.Save(ctx, thread)
}

// definitions builds the capability surface advertised to the model.
func (c *Controller) definitions() []model.CapabilityDefinition {
	caps := c.registry.List()
	defs := make([]model.CapabilityDefinition, len(caps))
	for i, cp := range caps {
		defs[i] = model.CapabilityDefinition{
			Name:        cp.Name(),
			Description: cp.Description(),
			Parameters:  cp.Parameters(),
		}
	}
	return defs
}
