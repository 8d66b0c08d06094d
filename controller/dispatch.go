package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hupe1980/calagent/core"
)

// dispatcher executes the approved, not-yet-executed pending invocations of a
// thread. Executions may run in parallel up to maxParallel, but results are
// always written back into the pending slots they belong to, so the caller
// appends them in request order regardless of completion order. The
// dispatcher must never panic: executor panics are recovered and folded into
// a failed result.
type dispatcher struct {
	maxParallel int
}

// run executes every pending entry with Approved && !Executed, filling in
// Result and flipping Executed. Sequential dispatch invokes the checkpoint
// hook after every execution; parallel dispatch checkpoints once after the
// whole batch so no save observes a slot mid-write. Executions write disjoint
// pending slots, so the batch needs no extra locking.
func (d *dispatcher) run(
	ctx context.Context,
	c *Controller,
	thread *core.Thread,
	checkpoint func() error,
) error {
	var indexes []int
	for i := range thread.Pending {
		p := thread.Pending[i]
		if p.Approved && !p.Executed {
			indexes = append(indexes, i)
		}
	}
	if len(indexes) == 0 {
		return nil
	}

	maxPar := d.maxParallel
	if maxPar <= 0 || maxPar > len(indexes) {
		maxPar = len(indexes)
	}

	// Sequential fast path keeps the checkpoint granularity at one save per
	// execution.
	if maxPar == 1 {
		for _, idx := range indexes {
			if err := ctx.Err(); err != nil {
				return err
			}
			d.executeOne(ctx, c, thread, idx)
			if err := checkpoint(); err != nil {
				return err
			}
		}
		return nil
	}

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxPar)

	for _, idx := range indexes {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			if ctx.Err() != nil {
				return
			}
			d.executeOne(ctx, c, thread, idx)
		}(idx)
	}

	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	return checkpoint()
}

// executeOne runs a single pending invocation and records its result.
func (d *dispatcher) executeOne(ctx context.Context, c *Controller, thread *core.Thread, idx int) {
	p := &thread.Pending[idx]
	inv := p.Invocation

	c.logger.Debug("turn.invocation.start", "thread_id", thread.ID, "capability", inv.Capability, "invocation_id", inv.ID)
	start := time.Now()

	var (
		response any
		execErr  error
	)
	func() { // panic safety
		defer func() {
			if r := recover(); r != nil {
				execErr = fmt.Errorf("capability panic: %v", r)
				c.logger.Error("turn.invocation.panic", "capability", inv.Capability, "recover", r)
			}
		}()
		response, execErr = c.registry.Execute(ctx, inv.Capability, inv.Arguments)
	}()

	result := &core.InvocationResult{
		InvocationID: inv.ID,
		Capability:   inv.Capability,
		Response:     response,
	}
	if execErr != nil {
		result.Response = nil
		result.Error = execErr.Error()
	}

	p.Result = result
	p.Executed = true

	c.logger.Info(
		"turn.invocation.executed",
		"thread_id", thread.ID,
		"capability", inv.Capability,
		"invocation_id", inv.ID,
		"duration_ms", time.Since(start).Milliseconds(),
		"error", execErr != nil,
	)
}
