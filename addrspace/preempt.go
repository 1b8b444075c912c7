package addrspace

import (
	"fmt"
	"sync"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/fence"
)

// CtxState tracks where an attached compute context stands in the
// preemption protocol.
type CtxState int

// Compute context states.
const (
	CtxRunning CtxState = iota
	CtxPreemptRequested
	CtxPreempted
	CtxResumed
)

func (s CtxState) String() string {
	switch s {
	case CtxRunning:
		return "running"
	case CtxPreemptRequested:
		return "preempt-requested"
	case CtxPreempted:
		return "preempted"
	case CtxResumed:
		return "resumed"
	default:
		return "unknown"
	}
}

// A computeAttachment pairs an attached compute context with its
// preemption fence. The attachment has its own lock so the context can
// acknowledge a preemption while the VM lock is held elsewhere.
type computeAttachment struct {
	ctx device.ComputeContext

	mu        sync.Mutex
	state     CtxState
	preempted *fence.Fence
}

// requestPreempt arms a fresh preemption fence and asks the context to
// reach a safe point. It returns the fence that signals on the ack.
func (a *computeAttachment) requestPreempt() *fence.Fence {
	a.mu.Lock()
	if a.state == CtxPreemptRequested || a.state == CtxPreempted {
		f := a.preempted
		a.mu.Unlock()
		return f
	}
	a.state = CtxPreemptRequested
	a.preempted = fence.New()
	f := a.preempted
	a.mu.Unlock()

	// Outside the attachment lock: the context may acknowledge
	// synchronously.
	a.ctx.RequestPreempt()
	return f
}

func (a *computeAttachment) ack() {
	a.mu.Lock()
	if a.state != CtxPreemptRequested {
		a.mu.Unlock()
		return
	}
	a.state = CtxPreempted
	f := a.preempted
	a.mu.Unlock()

	f.Signal()
}

func (a *computeAttachment) resume() {
	a.mu.Lock()
	if a.state != CtxPreempted {
		a.mu.Unlock()
		return
	}
	a.state = CtxResumed
	a.mu.Unlock()

	a.ctx.Resume()

	a.mu.Lock()
	a.state = CtxRunning
	a.preempted = nil
	a.mu.Unlock()
}

// AttachCompute attaches a long-running compute context to the space.
// Contexts that expose an OnPreempt hook get their acknowledgement
// wired automatically; others must call AckPreempt when they reach
// their safe point.
func (vm *VM) AttachCompute(ctx device.ComputeContext) error {
	if vm.flags&ComputeMode == 0 {
		return fmt.Errorf("vm %s is not a compute-mode space", vm.name)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.closed {
		return ErrClosed
	}
	vm.compute[ctx.ID()] = &computeAttachment{ctx: ctx, state: CtxRunning}

	if h, ok := ctx.(interface{ OnPreempt(func()) }); ok {
		id := ctx.ID()
		h.OnPreempt(func() { vm.AckPreempt(id) })
	}
	return nil
}

// DetachCompute removes the attachment.
func (vm *VM) DetachCompute(id string) {
	vm.mu.Lock()
	defer vm.mu.Unlock()
	delete(vm.compute, id)
}

// AckPreempt reports that the context reached its safe suspend point.
func (vm *VM) AckPreempt(id string) {
	vm.mu.RLock()
	a := vm.compute[id]
	vm.mu.RUnlock()

	if a != nil {
		a.ack()
	}
}

// ComputeState returns the protocol state of an attached context.
func (vm *VM) ComputeState(id string) (CtxState, bool) {
	vm.mu.RLock()
	a := vm.compute[id]
	vm.mu.RUnlock()

	if a == nil {
		return 0, false
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state, true
}
