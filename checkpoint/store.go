// Package checkpoint persists threads keyed by their identifier so a
// multi-step turn can survive process restarts and human-intervention pauses.
// Stores guarantee single-writer-per-thread discipline: a turn acquires a
// lease before mutating, and any save that would overwrite a leased thread
// fails with ErrThreadBusy.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hupe1980/calagent/core"
)

// ErrNotFound is returned when no checkpoint exists for a thread id.
var ErrNotFound = errors.New("thread not found")

// ErrThreadBusy is returned when a thread is currently leased by an active
// turn: acquiring it again or saving it from outside the lease both fail.
var ErrThreadBusy = errors.New("thread is busy")

// Store persists threads and hands out per-thread leases.
type Store interface {
	// Load returns the last saved state of a thread, or ErrNotFound.
	Load(ctx context.Context, threadID string) (*core.Thread, error)

	// Save persists a thread snapshot. It fails with ErrThreadBusy while the
	// thread is leased; the holder saves through the lease instead.
	Save(ctx context.Context, thread *core.Thread) error

	// Acquire takes the exclusive write lease for a thread, failing with
	// ErrThreadBusy if another turn holds it.
	Acquire(ctx context.Context, threadID string) (*Lease, error)
}

// Summary is a lightweight listing entry for stored threads.
type Summary struct {
	ThreadID string
	Phase    core.Phase
	Messages int
	Updated  time.Time
}

// Lister is implemented by stores that can enumerate their checkpoints.
type Lister interface {
	List(ctx context.Context) ([]Summary, error)
}

// Lease is the exclusive write handle for one thread. Saving through the
// lease bypasses the busy check that rejects outside writers. Release is
// idempotent.
type Lease struct {
	threadID string
	save     func(ctx context.Context, thread *core.Thread) error
	release  func()

	mu       sync.Mutex
	released bool
}

// NewLease constructs a lease from save/release callbacks. Intended for
// custom Store implementations outside this package.
func NewLease(threadID string, save func(ctx context.Context, thread *core.Thread) error, release func()) *Lease {
	return &Lease{threadID: threadID, save: save, release: release}
}

// ThreadID returns the leased thread id.
func (l *Lease) ThreadID() string { return l.threadID }

// Save persists a snapshot while holding the lease.
func (l *Lease) Save(ctx context.Context, thread *core.Thread) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return errors.New("lease already released")
	}
	return l.save(ctx, thread)
}

// Release gives the thread back. Safe to call more than once.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	l.release()
}

// leaseTable tracks which thread ids are currently held. Shared by the
// store implementations; the discipline is per-process by design.
type leaseTable struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newLeaseTable() *leaseTable {
	return &leaseTable{held: make(map[string]struct{})}
}

func (t *leaseTable) acquire(threadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, busy := t.held[threadID]; busy {
		return false
	}
	t.held[threadID] = struct{}{}
	return true
}

func (t *leaseTable) release(threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.held, threadID)
}

func (t *leaseTable) busy(threadID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, busy := t.held[threadID]
	return busy
}
