package emu

import "sync"

// A ComputeCtx emulates a long-running compute execution context. It has
// no per-submission fences; the address space brings it to a safe point
// through preemption requests.
type ComputeCtx struct {
	id string

	mu        sync.Mutex
	onPreempt func()
	preempts  int
	resumes   int
}

// NewComputeCtx returns an idle compute context.
func NewComputeCtx(id string) *ComputeCtx {
	return &ComputeCtx{id: id}
}

// ID returns the ID of the context.
func (c *ComputeCtx) ID() string {
	return c.id
}

// OnPreempt registers the hook run when a preemption is requested. The
// emulated context reaches its safe point immediately, so the hook acks
// synchronously.
func (c *ComputeCtx) OnPreempt(cb func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onPreempt = cb
}

// RequestPreempt asks the context to reach a safe suspend point.
func (c *ComputeCtx) RequestPreempt() {
	c.mu.Lock()
	c.preempts++
	cb := c.onPreempt
	c.mu.Unlock()

	if cb != nil {
		cb()
	}
}

// Resume lets the context continue after a rebind completed.
func (c *ComputeCtx) Resume() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resumes++
}

// Preempts returns how many preemption requests the context received.
func (c *ComputeCtx) Preempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.preempts
}

// Resumes returns how many times the context was resumed.
func (c *ComputeCtx) Resumes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resumes
}
