package addrspace

import (
	"log"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/sarchlab/gvm/device"
)

// A pinRef shares one pinned CPU range among the VMAs a split produced.
// Each holder drops its reference once the clears unmapping it have
// executed; the last drop releases the pin.
type pinRef struct {
	pinned device.Pinned
	refs   atomic.Int32
}

func newPinRef(p device.Pinned) *pinRef {
	r := &pinRef{pinned: p}
	r.refs.Store(1)
	return r
}

func (r *pinRef) get() {
	r.refs.Add(1)
}

func (r *pinRef) put() {
	switch n := r.refs.Add(-1); {
	case n == 0:
		r.pinned.Unpin()
	case n < 0:
		log.Panicf("pin released %d times past its last reference", -n)
	}
}

// A VMA is one mapped range of the address space. It is backed either by
// a buffer object or, when Obj is nil, by pinned CPU memory at Userptr.
type VMA struct {
	Start uint64
	End   uint64

	Obj       device.Object
	ObjOffset uint64

	Userptr  uint64
	ReadOnly bool
	Instance device.PhysInstance

	// Ctx, when set, carries the VMA's page-table writes on the caller's
	// execution context instead of the engine's own.
	Ctx device.Context

	// pin is the current CPU-memory pin of a userptr VMA. pinBase is
	// the CPU address the pin starts at; clones of a split VMA share the
	// original pin and address into it.
	pin     *pinRef
	pinBase uint64

	invalidated bool
}

// Size returns the byte size of the VMA.
func (v *VMA) Size() uint64 {
	return v.End - v.Start
}

// IsUserptr reports whether the VMA maps pinned CPU memory.
func (v *VMA) IsUserptr() bool {
	return v.Obj == nil
}

// backingOffset returns the byte offset of the VMA's start within its
// backing source.
func (v *VMA) backingOffset() uint64 {
	if v.IsUserptr() {
		return v.Userptr - v.pinBase
	}
	return v.ObjOffset
}

// placement returns where the VMA's backing bytes live right now.
func (v *VMA) placement() device.Placement {
	if v.IsUserptr() {
		return v.pin.pinned
	}
	return v.Obj.CurrentPlacement()
}

// clone returns a copy of v trimmed to [start, end), with the backing
// offsets shifted accordingly and its own reference on a shared pin.
// The range must lie within v.
func (v *VMA) clone(start, end uint64) *VMA {
	nv := *v
	delta := start - v.Start
	nv.Start = start
	nv.End = end
	if v.IsUserptr() {
		nv.Userptr += delta
		nv.pin.get()
	} else {
		nv.ObjOffset += delta
	}
	return &nv
}

func vmaLess(a, b *VMA) bool {
	return a.Start < b.Start
}

// newVMAIndex returns an empty ordered VMA index keyed by start address.
func newVMAIndex() *btree.BTreeG[*VMA] {
	return btree.NewG[*VMA](8, vmaLess)
}
