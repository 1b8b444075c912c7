package fence

import (
	"sync"
	"time"
)

// A Set is a shared dependency set of fences, akin to a reservation
// object. Address spaces and buffer objects each carry one so that later
// operations and eviction can wait for everything outstanding.
type Set struct {
	mu     sync.Mutex
	fences []*Fence
}

// NewSet creates an empty dependency Set.
func NewSet() *Set {
	return &Set{}
}

// Add records a fence in the set. Already-signaled fences are pruned
// lazily on the next Add or Snapshot.
func (s *Set) Add(f *Fence) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()
	s.fences = append(s.fences, f)
}

func (s *Set) prune() {
	kept := s.fences[:0]
	for _, f := range s.fences {
		if !f.IsSignaled() {
			kept = append(kept, f)
		}
	}
	s.fences = kept
}

// Snapshot returns the currently outstanding fences. The returned slice is
// owned by the caller.
func (s *Set) Snapshot() []*Fence {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prune()
	out := make([]*Fence, len(s.fences))
	copy(out, s.fences)

	return out
}

// WaitAll blocks until every fence currently in the set has signaled, or
// the timeout expires. The first fence error encountered is returned.
func (s *Set) WaitAll(timeout time.Duration) error {
	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for _, f := range s.Snapshot() {
		remaining := time.Duration(0)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return ErrTimeout
			}
		}
		if err := f.Wait(remaining); err != nil {
			return err
		}
	}

	return nil
}
