package addrspace

import (
	"fmt"

	"github.com/sarchlab/gvm/capture"
	"github.com/sarchlab/gvm/fence"
)

// maxRebindRetries bounds how often the rebind worker retries after
// losing a race against a fresh invalidation.
const maxRebindRetries = 4

// captureErrsTable is the capture table out-of-band errors go into.
const captureErrsTable = "vm_errors"

// recordErr captures an out-of-band failure when capture is enabled.
func (vm *VM) recordErr(context string, err error) {
	if vm.rec == nil {
		return
	}
	_ = vm.rec.Insert(captureErrsTable, capture.ErrRecord{
		VM:      vm.id,
		Context: context,
		Error:   err.Error(),
	})
}

// userptrRange reports whether v maps CPU memory intersecting
// [start, end).
func (v *VMA) userptrRange(start, end uint64) bool {
	return v.IsUserptr() && v.Userptr < end && v.Userptr+v.Size() > start
}

// InvalidateUserptr tells the space that the CPU pages of [start, end)
// are moving. In fault mode the affected translations are cleared and
// the TLB flushed before returning; the pages are only released once
// this returns. In compute mode the attached contexts are preempted and
// a rebind worker repopulates the mappings asynchronously.
func (vm *VM) InvalidateUserptr(start, end uint64) error {
	vm.mu.Lock()

	if vm.closed {
		vm.mu.Unlock()
		return ErrClosed
	}

	var affected []*VMA
	vm.vmas.Ascend(func(v *VMA) bool {
		if v.userptrRange(start, end) {
			v.invalidated = true
			affected = append(affected, v)
		}
		return true
	})

	if len(affected) == 0 {
		vm.mu.Unlock()
		return nil
	}

	if vm.flags&ComputeMode != 0 {
		attachments := make([]*computeAttachment, 0, len(vm.compute))
		for _, a := range vm.compute {
			attachments = append(attachments, a)
		}
		// Registered before the closed flag can flip, so Close always
		// waits for this worker.
		vm.rebinds.Add(1)
		vm.mu.Unlock()

		// Arm the preemption fences and return immediately; the rebind
		// worker takes over.
		fences := make([]*fence.Fence, 0, len(attachments))
		for _, a := range attachments {
			fences = append(fences, a.requestPreempt())
		}

		go vm.rebindWorker(attachments, fences)
		return nil
	}

	defer vm.mu.Unlock()
	return vm.invalidateSync(affected)
}

// invalidateSync is the fault-mode path: clear the affected leaves in
// place and flush the TLB with a bounded wait. The VM lock is held.
func (vm *VM) invalidateSync(affected []*VMA) error {
	for _, v := range affected {
		if _, err := vm.depopulate(v.Instance, v.Start, v.End, true,
			v.Ctx, nil); err != nil {
			vm.recordErr("userptr-invalidate", err)
			return err
		}
		if err := vm.invalidateTLB(v.Start, v.End); err != nil {
			vm.recordErr("userptr-invalidate", err)
			vm.stickyErr = err
			return err
		}
	}
	return nil
}

// rebindWorker waits for the contexts to reach their safe points, then
// re-pins and re-binds every invalidated userptr mapping, installs
// fresh preemption state, and lets the contexts continue.
func (vm *VM) rebindWorker(attachments []*computeAttachment, preempted []*fence.Fence) {
	defer vm.rebinds.Done()

	err := vm.rebindInvalidated(preempted)
	if err != nil {
		vm.mu.Lock()
		vm.stickyErr = err
		vm.mu.Unlock()
		vm.recordErr("userptr-rebind", err)
		return
	}

	for _, a := range attachments {
		a.resume()
	}
}

func (vm *VM) rebindInvalidated(preempted []*fence.Fence) error {
	for _, f := range preempted {
		if err := f.Wait(vm.dev.GPUWaitTimeout()); err != nil {
			return fmt.Errorf("waiting for preemption: %w", err)
		}
	}

	for attempt := 0; attempt < maxRebindRetries; attempt++ {
		vm.mu.Lock()

		var stale []*VMA
		vm.vmas.Ascend(func(v *VMA) bool {
			if v.IsUserptr() && v.invalidated {
				stale = append(stale, v)
			}
			return true
		})

		if len(stale) == 0 {
			vm.mu.Unlock()
			return nil
		}

		for _, v := range stale {
			if err := vm.rebindUserptr(v); err != nil {
				vm.mu.Unlock()
				return err
			}
		}
		vm.mu.Unlock()

		// A new invalidation may have landed the moment the lock
		// dropped; the next pass picks it up.
	}

	return fmt.Errorf("%w after %d attempts", ErrRetriesExhausted,
		maxRebindRetries)
}

// rebindUserptr re-pins v's CPU range and repopulates its translations
// in place. The VM lock is held.
func (vm *VM) rebindUserptr(v *VMA) error {
	pin, err := vm.dev.Pinner().Pin(v.Userptr, v.Size())
	if err != nil {
		return fmt.Errorf("re-pinning userptr %#x: %w", v.Userptr, err)
	}

	f, err := vm.depopulate(v.Instance, v.Start, v.End, true, v.Ctx, nil)
	if err != nil {
		pin.Unpin()
		return err
	}

	if old := v.pin; old != nil {
		// The outgoing pin backs translations until the retained-node
		// clears executed.
		f.On(func(error) { old.put() })
	}
	v.pin = newPinRef(pin)
	v.pinBase = v.Userptr

	if err := vm.bindVMA(v, nil); err != nil {
		return err
	}

	if err := vm.invalidateTLB(v.Start, v.End); err != nil {
		return err
	}

	// An invalidation can land between the pinner bumping its sequence
	// and its callback taking the VM lock we hold. A stale sequence on
	// the fresh pin means exactly that; the retry pass redoes this VMA.
	if pin.Seq() != vm.dev.Pinner().Seq() {
		v.invalidated = true
	}
	return nil
}
