package addrspace

import "errors"

// Sentinel errors returned by address-space operations.
var (
	// ErrOverlap means a map request intersects an existing mapping.
	// Mappings are never overwritten implicitly.
	ErrOverlap = errors.New("range overlaps an existing mapping")

	// ErrOutOfRange means the request does not fit the address space.
	ErrOutOfRange = errors.New("range outside the address space")

	// ErrMisaligned means the request is not page aligned.
	ErrMisaligned = errors.New("range not page aligned")

	// ErrClosed means the address space has been closed.
	ErrClosed = errors.New("address space closed")

	// ErrQueueError means an earlier queued operation failed and the
	// queue is draining subsequent operations as cancelled.
	ErrQueueError = errors.New("operation cancelled by earlier queue error")

	// ErrRetriesExhausted means a userptr rebind kept losing races
	// against invalidations.
	ErrRetriesExhausted = errors.New("userptr rebind retries exhausted")
)
