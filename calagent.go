// Package calagent provides a high-level façade over the turn controller and
// its collaborators (capability registry, approval gate, checkpoint store and
// logging), enabling concise construction of a conversational calendar
// assistant. Most applications interact with this package by:
//  1. Creating an Agent via New() with a model gateway (optionally overriding
//     default in-memory services)
//  2. Registering capabilities (e.g. the calcom client's bindings)
//  3. Sending user turns with Send, and resuming suspended turns with
//     Resume / ResumeWithFeedback
//
// The façade delegates orchestration to controller.Controller while keeping
// setup ergonomics concise. All defaults are safe for local development and
// testing; production deployments typically supply a durable checkpoint store
// and a structured logger.
package calagent

import (
	"context"
	"time"

	"github.com/hupe1980/calagent/approval"
	"github.com/hupe1980/calagent/capability"
	"github.com/hupe1980/calagent/checkpoint"
	"github.com/hupe1980/calagent/controller"
	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/logging"
	"github.com/hupe1980/calagent/model"
)

// DefaultSystemPrompt mirrors the assistant's role as a calendar helper.
const DefaultSystemPrompt = "You are a helpful assistant that can interact with a calendar API."

// Options configures the Agent.
type Options struct {
	// SystemPrompt is sent to the model gateway on every call.
	SystemPrompt string
	// Policies decide which capabilities need human confirmation.
	Policies approval.Policies
	// ApprovalTimeout bounds a blocking confirmation wait; zero waits until
	// the context is done.
	ApprovalTimeout time.Duration
	// DeferredApprovals switches the gate to request/response mode for web
	// front ends: a turn suspends instead of blocking on confirmation.
	DeferredApprovals bool
	// MaxRoundTrips bounds model/dispatch round-trips per user turn.
	MaxRoundTrips int
	// MaxParallel bounds concurrent capability executions within one batch.
	MaxParallel int
	// Store overrides the checkpoint store (defaults to in-memory).
	Store checkpoint.Store
	// Feedback supplies human-intervention text synchronously; nil makes
	// intervention suspend the turn instead.
	Feedback controller.FeedbackProvider
	// Logger defaults to NoOp if nil.
	Logger logging.Logger
}

// Agent is the high-level façade aggregating the controller and its services.
type Agent struct {
	registry   *capability.Registry
	gate       *approval.Gate
	store      checkpoint.Store
	controller *controller.Controller
}

// New creates an Agent driving the given model gateway. Any unset service is
// initialized with an in-memory implementation.
func New(gateway model.Gateway, optFns ...func(o *Options)) *Agent {
	opts := Options{
		SystemPrompt:  DefaultSystemPrompt,
		Policies:      approval.Policies{Default: approval.PolicyAuto},
		MaxRoundTrips: 10,
		MaxParallel:   1,
		Store:         checkpoint.NewMemoryStore(),
		Logger:        logging.NoOpLogger{},
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	registry := capability.NewRegistry()

	gate := approval.NewGate(opts.Policies, func(o *approval.Options) {
		o.Timeout = opts.ApprovalTimeout
		o.Deferred = opts.DeferredApprovals
		o.Logger = opts.Logger
	})

	ctrl := controller.New(gateway, registry, gate, opts.Store, func(o *controller.Options) {
		o.SystemPrompt = opts.SystemPrompt
		o.MaxRoundTrips = opts.MaxRoundTrips
		o.MaxParallel = opts.MaxParallel
		o.Feedback = opts.Feedback
		o.Logger = opts.Logger
	})

	return &Agent{
		registry:   registry,
		gate:       gate,
		store:      opts.Store,
		controller: ctrl,
	}
}

// RegisterCapability adds a capability to the registry. Registration must
// happen before the first turn; the registry freezes once a turn starts.
func (a *Agent) RegisterCapability(c capability.Capability) error {
	return a.registry.Register(c)
}

// RegisterCapabilities adds several capabilities, stopping at the first error.
func (a *Agent) RegisterCapabilities(caps ...capability.Capability) error {
	for _, c := range caps {
		if err := a.registry.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Send processes one user message on the given thread and returns the updated
// thread. Suspension on human input is reported via
// controller.ErrAwaitingApproval / controller.ErrAwaitingFeedback.
func (a *Agent) Send(ctx context.Context, threadID, text string) (*core.Thread, error) {
	return a.controller.RunTurn(ctx, threadID, text)
}

// Resume continues a suspended or interrupted turn.
func (a *Agent) Resume(ctx context.Context, threadID string) (*core.Thread, error) {
	return a.controller.Resume(ctx, threadID)
}

// ResumeWithFeedback delivers intervention feedback to a suspended thread and
// continues the turn.
func (a *Agent) ResumeWithFeedback(ctx context.Context, threadID, feedback string) (*core.Thread, error) {
	return a.controller.ResumeWithFeedback(ctx, threadID, feedback)
}

// Approvals returns the channel confirmation requests are published on.
func (a *Agent) Approvals() <-chan approval.Request {
	return a.gate.Requests()
}

// SubmitDecision records a human decision for a pending confirmation.
func (a *Agent) SubmitDecision(d approval.Decision) {
	a.gate.Submit(d)
}

// Thread loads the current checkpoint of a thread.
func (a *Agent) Thread(ctx context.Context, threadID string) (*core.Thread, error) {
	return a.store.Load(ctx, threadID)
}
