package device

import "github.com/sarchlab/gvm/fence"

// PhysInstance identifies one physical memory instance a device can
// target, such as the local memory of one tile. Instance 0 always exists.
type PhysInstance int

// A PTPage is one device page backing a page-table node. Pages that are
// not host mappable can only be written through the migration engine's
// GPU path.
type PTPage interface {
	// PhysAddr returns the physical address of the page.
	PhysAddr() uint64

	// HostMappable reports whether the CPU can store into the page
	// directly.
	HostMappable() bool

	// Write stores entry values starting at the given entry index. It
	// panics if the page is not host mappable.
	Write(ofs uint32, values []uint64)

	// Read loads the entry value at the given entry index.
	Read(ofs uint32) uint64

	// Free returns the page to the allocator.
	Free()
}

// A Placement resolves byte offsets of a backing source to physical
// addresses in whatever memory currently holds it.
type Placement interface {
	// PhysAddr returns the physical address of the byte at the offset.
	PhysAddr(offset uint64) uint64

	// Contiguous reports whether [offset, offset+size) is one
	// physically contiguous run. Folding requires it.
	Contiguous(offset, size uint64) bool

	// IsLocal reports whether the placement lives in device-local
	// memory rather than system memory.
	IsLocal() bool
}

// An Object is a buffer object owned by the external placement
// collaborator. The core only consumes this narrow view of it.
type Object interface {
	Size() uint64

	// CurrentPlacement returns where the object's bytes live right now.
	CurrentPlacement() Placement

	// Deps is the object's shared dependency set. Binds record their
	// completion fences here so eviction waits correctly.
	Deps() *fence.Set
}

// The Allocator is the narrow interface to the external buffer/placement
// collaborator.
type Allocator interface {
	// ValidateResident makes the object resident so a bind against the
	// given address space can proceed.
	ValidateResident(obj Object, vmID string) error

	// IsResidentIn reports whether the object currently has backing in
	// the given physical instance.
	IsResidentIn(obj Object, inst PhysInstance) bool

	// AllocPTPage allocates one zeroed device page for a page-table
	// node in the given physical instance.
	AllocPTPage(inst PhysInstance) (PTPage, error)
}

// EngineClass selects the kind of execution context to create.
type EngineClass int

// Execution context classes.
const (
	ClassCopy EngineClass = iota
	ClassCompute
)

// The Executor is the narrow interface to the external command-submission
// collaborator.
type Executor interface {
	CreateContext(class EngineClass) (Context, error)
}

// A Context runs command batches in submission order and returns a
// completion fence per batch.
type Context interface {
	// Submit queues one batch. The batch runs only after every
	// dependency fence has signaled; a dependency error fails the
	// returned fence without running the batch.
	Submit(cmds []Cmd, deps []*fence.Fence) (*fence.Fence, error)

	// Release destroys the context once outstanding batches finish.
	Release()
}

// A ComputeContext is a long-running execution context that holds a
// preemption fence against an address space. It has no per-submission
// fences; preemption is the only way to bring it to a safe point.
type ComputeContext interface {
	ID() string

	// RequestPreempt asks the context to reach a safe suspend point.
	// The owner acknowledges through the preemption fence.
	RequestPreempt()

	// Resume lets the context continue after a rebind completed.
	Resume()
}

// A TLBInvalidator issues targeted GPU TLB invalidations.
type TLBInvalidator interface {
	Invalidate(vmID string, start, end uint64) (*fence.Fence, error)
}

// A Pinner pins ranges of ordinary CPU memory for GPU access.
type Pinner interface {
	Pin(start, size uint64) (Pinned, error)

	// Seq returns the current invalidation sequence number. Comparing it
	// against a Pinned's sequence detects pins that went stale since.
	Seq() uint64
}

// A Pinned is a pinned CPU range. It doubles as a Placement for the
// pinned pages.
type Pinned interface {
	Placement

	// Seq returns the invalidation sequence number the range was pinned
	// at. A mismatch against the tracker's current sequence means the
	// pages moved between pin and use.
	Seq() uint64

	// Unpin releases the pinned-pages reference.
	Unpin()
}
