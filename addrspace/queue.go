package addrspace

import (
	"fmt"

	"github.com/sarchlab/gvm/fence"
)

// A queuedOp is one operation on the space's FIFO queue. done is the
// operation-done fence: it signals when the operation has committed (or
// failed), not when the GPU work it submitted completes.
type queuedOp struct {
	kind string
	addr uint64
	size uint64
	run  func() error
	done *fence.Fence
}

// enqueue places an operation on the queue and returns its done fence.
// Without AsyncOps it also waits for the operation to settle. The send
// happens under the queue lock, not the VM lock, so a full queue never
// blocks the worker.
func (vm *VM) enqueue(o *queuedOp) (*fence.Fence, error) {
	o.done = fence.New()

	vm.qmu.Lock()
	if vm.qclosed {
		vm.qmu.Unlock()
		return nil, ErrClosed
	}
	vm.ops <- o
	vm.qmu.Unlock()

	if vm.flags&AsyncOps != 0 {
		return o.done, nil
	}

	if err := o.done.Wait(vm.dev.GPUWaitTimeout()); err != nil {
		return o.done, err
	}
	return o.done, nil
}

// runQueue is the space's single queue worker. Operations run strictly
// in order under the VM write lock. A failed operation leaves a sticky
// error that drains everything behind it as cancelled.
func (vm *VM) runQueue() {
	defer vm.workerRun.Done()

	for o := range vm.ops {
		vm.mu.Lock()

		if vm.stickyErr != nil {
			err := fmt.Errorf("%w: %v", ErrQueueError, vm.stickyErr)
			vm.record(o.kind, o.addr, o.size, err)
			vm.mu.Unlock()
			o.done.Fail(err)
			continue
		}

		err := o.run()
		if err != nil {
			vm.stickyErr = err
		}
		vm.record(o.kind, o.addr, o.size, err)
		vm.mu.Unlock()

		if err != nil {
			o.done.Fail(err)
		} else {
			o.done.Signal()
		}
	}
}
