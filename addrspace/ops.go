package addrspace

import (
	"fmt"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/fence"
	"github.com/sarchlab/gvm/pagetable"
)

// A MapRequest asks the space to map [Start, Start+Size). The backing is
// the object when Obj is set, otherwise the CPU memory at Userptr.
type MapRequest struct {
	Start uint64
	Size  uint64

	Obj       device.Object
	ObjOffset uint64

	Userptr  uint64
	ReadOnly bool
	Instance device.PhysInstance

	// Ctx, when set, carries the page-table writes on the caller's
	// execution context so they order behind its other work. Rebinds of
	// the mapping reuse it.
	Ctx device.Context

	// Syncs are fences the bind must wait for before its page-table
	// writes execute.
	Syncs []*fence.Fence
}

// Map queues a map operation. Range and alignment problems surface
// immediately; an overlap surfaces through the returned fence, since it
// can only be judged once the operations ahead in the queue ran.
func (vm *VM) Map(req MapRequest) (*fence.Fence, error) {
	if err := vm.checkRange(req.Start, req.Size); err != nil {
		return nil, err
	}

	return vm.enqueue(&queuedOp{
		kind: "map",
		addr: req.Start,
		size: req.Size,
		run:  func() error { return vm.mapLocked(req) },
	})
}

// Unmap queues an unmap of [start, start+size). Unmapping an already
// unmapped range succeeds as a no-op; a range that partially covers a
// mapping splits it. The entry clears wait for the given syncs.
func (vm *VM) Unmap(start, size uint64, syncs ...*fence.Fence) (*fence.Fence, error) {
	if err := vm.checkRange(start, size); err != nil {
		return nil, err
	}

	return vm.enqueue(&queuedOp{
		kind: "unmap",
		addr: start,
		size: size,
		run:  func() error { return vm.unmapLocked(start, start+size, syncs) },
	})
}

func (vm *VM) checkRange(start, size uint64) error {
	if size == 0 || start+size < start || start+size > vm.size {
		return fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, start, start+size)
	}

	pageMask := vm.dev.Layout().PageSize(0) - 1
	if start&pageMask != 0 || size&pageMask != 0 {
		return fmt.Errorf("%w: [%#x, %#x)", ErrMisaligned, start, start+size)
	}
	return nil
}

// overlapping returns the mapping intersecting [start, end), if any.
// VMAs never overlap each other, so checking the nearest one suffices.
func (vm *VM) overlapping(start, end uint64) *VMA {
	var found *VMA
	vm.vmas.DescendLessOrEqual(&VMA{Start: end - 1}, func(v *VMA) bool {
		if v.End > start {
			found = v
		}
		return false
	})
	return found
}

// mapLocked runs on the queue worker with the VM lock held.
func (vm *VM) mapLocked(req MapRequest) error {
	if v := vm.overlapping(req.Start, req.Start+req.Size); v != nil {
		return fmt.Errorf("%w: [%#x, %#x) intersects [%#x, %#x)",
			ErrOverlap, req.Start, req.Start+req.Size, v.Start, v.End)
	}

	v := &VMA{
		Start:     req.Start,
		End:       req.Start + req.Size,
		Obj:       req.Obj,
		ObjOffset: req.ObjOffset,
		Userptr:   req.Userptr,
		ReadOnly:  req.ReadOnly,
		Instance:  req.Instance,
		Ctx:       req.Ctx,
	}

	if v.IsUserptr() {
		if vm.dev.Pinner() == nil {
			return fmt.Errorf("vm %s: no pinner, userptr mappings unsupported",
				vm.name)
		}
		pin, err := vm.dev.Pinner().Pin(v.Userptr, v.Size())
		if err != nil {
			return fmt.Errorf("pinning userptr %#x: %w", v.Userptr, err)
		}
		v.pin = newPinRef(pin)
		v.pinBase = v.Userptr
	}

	if err := vm.bindVMA(v, req.Syncs); err != nil {
		if v.pin != nil {
			v.pin.put()
		}
		return err
	}

	vm.vmas.ReplaceOrInsert(v)
	return nil
}

// bindVMA populates the page-table range of v, with the writes gated on
// syncs, and records the completion fence in the dependency sets. The
// VM lock is held; the object lock, through the Allocator, is taken
// after it.
func (vm *VM) bindVMA(v *VMA, syncs []*fence.Fence) error {
	t, err := vm.tree(v.Instance)
	if err != nil {
		return err
	}

	deps := append([]*fence.Fence{}, syncs...)
	var flags device.PTEFlag
	if v.ReadOnly {
		flags |= device.PTEReadOnly
	}

	if !v.IsUserptr() {
		if err := vm.dev.Allocator().ValidateResident(v.Obj, vm.id); err != nil {
			return fmt.Errorf("validating backing of [%#x, %#x): %w",
				v.Start, v.End, err)
		}
		deps = append(deps, v.Obj.Deps().Snapshot()...)
	}

	pu, err := t.PrepareBind(pagetable.BindRequest{
		Start:     v.Start,
		End:       v.End,
		Offset:    v.backingOffset(),
		Placement: v.placement(),
		Flags:     flags,
		CPUPinned: v.IsUserptr(),
	})
	if err != nil {
		return err
	}

	f, err := vm.engine.UpdatePageTables(pu.Updates(), v.Ctx, deps)
	if err != nil {
		pu.Abort()
		return err
	}
	pu.Commit()

	vm.deps.Add(f)
	if !v.IsUserptr() {
		v.Obj.Deps().Add(f)
	}
	v.invalidated = false
	return nil
}

// depopulate clears [start, end) of the instance's tree and submits the
// entry clears, gated on syncs. The detached page-table pages are
// returned to the allocator only once the clears have executed; the
// returned fence marks that point.
func (vm *VM) depopulate(inst device.PhysInstance, start, end uint64,
	retain bool, ctx device.Context, syncs []*fence.Fence) (*fence.Fence, error) {
	t, err := vm.tree(inst)
	if err != nil {
		return nil, err
	}

	pu, err := t.PrepareUnbind(start, end, retain)
	if err != nil {
		return nil, err
	}

	f, err := vm.engine.UpdatePageTables(pu.Updates(), ctx, syncs)
	if err != nil {
		pu.Abort()
		return nil, err
	}
	pu.Commit()
	f.On(func(error) { pu.FreePages() })

	vm.deps.Add(f)
	return f, nil
}

// invalidateTLB flushes stale translations for [start, end) with a
// bounded wait. A flush that cannot complete is an error, never
// ignored.
func (vm *VM) invalidateTLB(start, end uint64) error {
	if vm.dev.TLB() == nil {
		return nil
	}

	f, err := vm.dev.TLB().Invalidate(vm.id, start, end)
	if err != nil {
		return fmt.Errorf("tlb invalidation of [%#x, %#x): %w",
			start, end, err)
	}
	if err := f.Wait(vm.dev.GPUWaitTimeout()); err != nil {
		return fmt.Errorf("tlb invalidation of [%#x, %#x): %w",
			start, end, err)
	}
	return nil
}

// unmapLocked removes [start, end) from the space. A mapping partially
// covered by the range is depopulated whole, then its remainders are
// rebound, so a folded translation straddling the cut is never left
// half valid. The index mutates only within this one lock hold.
func (vm *VM) unmapLocked(start, end uint64, syncs []*fence.Fence) error {
	var hits []*VMA
	vm.vmas.DescendLessOrEqual(&VMA{Start: start}, func(v *VMA) bool {
		if v.End > start {
			hits = append(hits, v)
		}
		return false
	})
	vm.vmas.AscendGreaterOrEqual(&VMA{Start: start + 1}, func(v *VMA) bool {
		if v.Start >= end {
			return false
		}
		hits = append(hits, v)
		return true
	})

	if len(hits) == 0 {
		return nil
	}

	for _, v := range hits {
		f, err := vm.depopulate(v.Instance, v.Start, v.End, false, v.Ctx, syncs)
		if err != nil {
			return err
		}
		vm.vmas.Delete(v)

		// Remainders take their pin references before the depopulation
		// fence can drop the unmapped VMA's own.
		var head, tail *VMA
		if v.Start < start {
			head = v.clone(v.Start, start)
		}
		if end < v.End {
			tail = v.clone(end, v.End)
		}

		for _, remainder := range []*VMA{head, tail} {
			if remainder == nil {
				continue
			}
			if err := vm.bindVMA(remainder, syncs); err != nil {
				return err
			}
			vm.vmas.ReplaceOrInsert(remainder)
		}

		if pin := v.pin; pin != nil {
			// The pinned pages stay referenced until the entry clears
			// over them have executed.
			f.On(func(error) { pin.put() })
		}
	}

	lo := min(start, hits[0].Start)
	hi := max(end, hits[len(hits)-1].End)
	return vm.invalidateTLB(lo, hi)
}
