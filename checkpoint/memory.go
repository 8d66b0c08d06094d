package checkpoint

import (
	"context"
	"sort"
	"sync"

	"github.com/hupe1980/calagent/core"
)

// MemoryStore is a volatile Store keeping threads in a process-local map.
// It is safe for concurrent access and best suited for tests or ephemeral
// chat sessions. Threads are cloned on the way in and out so callers never
// share mutable state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*core.Thread
	leases  *leaseTable
}

// NewMemoryStore constructs an empty in-memory checkpoint store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads: make(map[string]*core.Thread),
		leases:  newLeaseTable(),
	}
}

// Load implements Store.
func (s *MemoryStore) Load(_ context.Context, threadID string) (*core.Thread, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[threadID]
	if !ok {
		return nil, ErrNotFound
	}
	return thread.Clone(), nil
}

// Save implements Store. It rejects writes to a leased thread.
func (s *MemoryStore) Save(ctx context.Context, thread *core.Thread) error {
	if s.leases.busy(thread.ID) {
		return ErrThreadBusy
	}
	return s.put(ctx, thread)
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, threadID string) (*Lease, error) {
	if !s.leases.acquire(threadID) {
		return nil, ErrThreadBusy
	}
	return &Lease{
		threadID: threadID,
		save:     s.put,
		release:  func() { s.leases.release(threadID) },
	}, nil
}

// List implements Lister, sorted by most recently updated first.
func (s *MemoryStore) List(_ context.Context) ([]Summary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Summary, 0, len(s.threads))
	for _, t := range s.threads {
		out = append(out, Summary{
			ThreadID: t.ID,
			Phase:    t.Phase,
			Messages: len(t.Messages),
			Updated:  t.Updated,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Updated.After(out[j].Updated) })
	return out, nil
}

func (s *MemoryStore) put(_ context.Context, thread *core.Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.threads[thread.ID] = thread.Clone()
	return nil
}
