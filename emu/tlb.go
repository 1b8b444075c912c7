package emu

import (
	"sync"

	"github.com/sarchlab/gvm/fence"
)

// An Invalidation records one TLB invalidation request.
type Invalidation struct {
	VMID  string
	Start uint64
	End   uint64
}

// A TLB records targeted invalidations. The emulated device caches no
// translations, so invalidations complete immediately.
type TLB struct {
	mu      sync.Mutex
	records []Invalidation
}

// NewTLB returns an empty TLB recorder.
func NewTLB() *TLB {
	return &TLB{}
}

// Invalidate records the request and returns an already-signaled fence.
func (t *TLB) Invalidate(vmID string, start, end uint64) (*fence.Fence, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.records = append(t.records, Invalidation{vmID, start, end})
	return fence.Signaled(), nil
}

// Invalidations returns a copy of everything recorded so far.
func (t *TLB) Invalidations() []Invalidation {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]Invalidation, len(t.records))
	copy(out, t.records)
	return out
}
