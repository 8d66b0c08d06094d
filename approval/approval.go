// Package approval implements the human-approval gate that decides whether a
// requested capability invocation may proceed automatically or must suspend
// for confirmation. The gate never mutates conversation state; it only
// returns decisions the turn controller applies.
package approval

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/calagent/core"
	"github.com/hupe1980/calagent/logging"
)

// Policy controls how invocations of a capability are gated.
type Policy string

const (
	// PolicyAuto approves invocations without human involvement.
	PolicyAuto Policy = "auto"
	// PolicyRequireConfirmation suspends the invocation until a human
	// confirms or rejects it.
	PolicyRequireConfirmation Policy = "require_confirmation"
)

// Policies maps capability names to their gating policy.
type Policies struct {
	Default      Policy
	ByCapability map[string]Policy
}

// For returns the policy applied to a capability name.
func (p Policies) For(name string) Policy {
	if policy, ok := p.ByCapability[name]; ok {
		return policy
	}
	if p.Default != "" {
		return p.Default
	}
	return PolicyAuto
}

// Request is surfaced to the front end when an invocation needs confirmation.
type Request struct {
	ThreadID   string
	Invocation core.Invocation
}

// Decision is the outcome for a single invocation. It is consumed exactly
// once by the turn controller.
type Decision struct {
	InvocationID string `json:"invocation_id"`
	Approved     bool   `json:"approved"`
	Feedback     string `json:"feedback,omitempty"`
}

// ErrDecisionPending is returned by a gate running in deferred mode when the
// confirmation has not arrived yet. The controller checkpoints the thread in
// the Approving phase; the decision is delivered later via Submit and picked
// up on resume.
var ErrDecisionPending = errors.New("approval decision pending")

// rejection feedback used when a confirmation window elapses.
const timeoutFeedback = "no response"

// Options configures a Gate.
type Options struct {
	// Timeout bounds how long a blocking confirmation waits. Zero means wait
	// until the context is done. Expiry is always a rejection, never an
	// auto-approval.
	Timeout time.Duration
	// Deferred switches the gate to request/response mode: Decide does not
	// block; it publishes the request and reports ErrDecisionPending until a
	// decision is submitted.
	Deferred bool
	// RequestBuffer sizes the channel carrying confirmation requests.
	RequestBuffer int
	// Logger used for gate activity.
	Logger logging.Logger
}

// Gate evaluates invocations against the configured policies and brokers
// confirmation requests between the turn controller and a front end.
type Gate struct {
	policies Policies
	timeout  time.Duration
	deferred bool
	logger   logging.Logger

	mu       sync.Mutex
	waiting  map[string]chan Decision // invocation id -> blocked Decide call
	recorded map[string]Decision      // decisions delivered ahead of consumption
	requests chan Request
}

// NewGate constructs a Gate with the given policies.
func NewGate(policies Policies, optFns ...func(o *Options)) *Gate {
	opts := Options{RequestBuffer: 16, Logger: logging.NoOpLogger{}}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &Gate{
		policies: policies,
		timeout:  opts.Timeout,
		deferred: opts.Deferred,
		logger:   opts.Logger,
		waiting:  make(map[string]chan Decision),
		recorded: make(map[string]Decision),
		requests: make(chan Request, opts.RequestBuffer),
	}
}

// Requests returns the channel the front end listens on for confirmation
// prompts.
func (g *Gate) Requests() <-chan Request { return g.requests }

// Policy returns the policy applied to a capability name.
func (g *Gate) Policy(name string) Policy { return g.policies.For(name) }

// Decide evaluates one invocation. Auto-policy capabilities are approved
// immediately. RequireConfirmation capabilities suspend until a decision is
// submitted, the timeout elapses (rejection with "no response") or the
// context is cancelled. In deferred mode Decide returns ErrDecisionPending
// instead of blocking.
func (g *Gate) Decide(ctx context.Context, threadID string, inv core.Invocation) (Decision, error) {
	if g.policies.For(inv.Capability) == PolicyAuto {
		g.logger.Debug("approval.auto", "capability", inv.Capability, "invocation_id", inv.ID)
		return Decision{InvocationID: inv.ID, Approved: true}, nil
	}

	// A decision may already have been delivered (resume after suspension).
	if d, ok := g.takeRecorded(inv.ID); ok {
		return d, nil
	}

	if g.deferred {
		g.publish(ctx, threadID, inv)
		return Decision{}, ErrDecisionPending
	}

	ch := make(chan Decision, 1)
	g.mu.Lock()
	g.waiting[inv.ID] = ch
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		delete(g.waiting, inv.ID)
		g.mu.Unlock()
	}()

	if !g.publish(ctx, threadID, inv) {
		return Decision{}, ctx.Err()
	}

	var timeoutCh <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case d := <-ch:
		g.logger.Info("approval.decided", "capability", inv.Capability, "invocation_id", inv.ID, "approved", d.Approved)
		return d, nil
	case <-timeoutCh:
		g.logger.Warn("approval.timeout", "capability", inv.Capability, "invocation_id", inv.ID)
		return Decision{InvocationID: inv.ID, Approved: false, Feedback: timeoutFeedback}, nil
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}
}

// Submit delivers a human decision. If a Decide call is blocked on the
// invocation it unblocks immediately; otherwise the decision is recorded and
// consumed on the next Decide for that invocation (deferred resume path).
func (g *Gate) Submit(d Decision) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if ch, ok := g.waiting[d.InvocationID]; ok {
		delete(g.waiting, d.InvocationID)
		ch <- d
		return
	}
	g.recorded[d.InvocationID] = d
}

// Pending reports whether a recorded decision exists for the invocation.
func (g *Gate) Pending(invocationID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.recorded[invocationID]
	return ok
}

func (g *Gate) takeRecorded(invocationID string) (Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.recorded[invocationID]
	if ok {
		delete(g.recorded, invocationID)
	}
	return d, ok
}

// publish places a confirmation request on the requests channel. In deferred
// mode a full buffer drops the duplicate publish; the request from the first
// attempt is still visible to the front end.
func (g *Gate) publish(ctx context.Context, threadID string, inv core.Invocation) bool {
	req := Request{ThreadID: threadID, Invocation: inv}
	if g.deferred {
		select {
		case g.requests <- req:
		default:
		}
		return true
	}
	select {
	case g.requests <- req:
		return true
	case <-ctx.Done():
		return false
	}
}
