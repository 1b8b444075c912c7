// Package fence provides completion fences for asynchronous GPU operations.
package fence

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/xid"
)

// ErrTimeout is returned when a bounded wait expires before the fence
// signals. Callers treat this as a wedged device and escalate.
var ErrTimeout = errors.New("fence wait timed out")

// A Fence is a single-writer, multi-reader completion signal with an error
// slot. Once signaled it never changes state again and must not be reused
// for a different operation.
type Fence struct {
	id   string
	done chan struct{}

	mu        sync.Mutex
	signaled  bool
	err       error
	callbacks []func(error)
}

// New creates an unsignaled Fence.
func New() *Fence {
	return &Fence{
		id:   xid.New().String(),
		done: make(chan struct{}),
	}
}

// Signaled creates a Fence that is already signaled without error. It
// serves as the completion of operations that finish synchronously on the
// CPU.
func Signaled() *Fence {
	f := New()
	f.Signal()
	return f
}

// ID returns the unique ID of the fence.
func (f *Fence) ID() string {
	return f.id
}

// Signal marks the fence complete without error.
func (f *Fence) Signal() {
	f.signal(nil)
}

// Fail marks the fence complete with an error. The error is delivered to
// every waiter and callback.
func (f *Fence) Fail(err error) {
	if err == nil {
		panic("fence: Fail requires a non-nil error")
	}
	f.signal(err)
}

func (f *Fence) signal(err error) {
	f.mu.Lock()
	if f.signaled {
		f.mu.Unlock()
		panic("fence: signaled twice")
	}
	f.signaled = true
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	f.mu.Unlock()

	close(f.done)

	for _, cb := range callbacks {
		cb(err)
	}
}

// IsSignaled reports whether the fence has signaled, with or without error.
func (f *Fence) IsSignaled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.signaled
}

// Err returns the error the fence signaled with, or nil. It is only
// meaningful after the fence has signaled.
func (f *Fence) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.err
}

// Done returns a channel that is closed when the fence signals.
func (f *Fence) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the fence signals or the timeout expires. A
// non-positive timeout waits forever. It returns the fence's error, or
// ErrTimeout on expiry.
func (f *Fence) Wait(timeout time.Duration) error {
	if timeout <= 0 {
		<-f.done
		return f.Err()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-f.done:
		return f.Err()
	case <-timer.C:
		return ErrTimeout
	}
}

// On registers a callback invoked once when the fence signals. If the
// fence has already signaled the callback runs immediately on the calling
// goroutine.
func (f *Fence) On(cb func(error)) {
	f.mu.Lock()
	if !f.signaled {
		f.callbacks = append(f.callbacks, cb)
		f.mu.Unlock()
		return
	}
	err := f.err
	f.mu.Unlock()

	cb(err)
}

// AfterAll returns a fence that signals once all the given fences have
// signaled. An error on any input propagates to the returned fence; if
// several fail, the first failure observed wins.
func AfterAll(fences ...*Fence) *Fence {
	out := New()

	if len(fences) == 0 {
		out.Signal()
		return out
	}

	var mu sync.Mutex
	var firstErr error
	remaining := len(fences)

	for _, f := range fences {
		f.On(func(err error) {
			mu.Lock()
			if err != nil && firstErr == nil {
				firstErr = err
			}
			remaining--
			last := remaining == 0
			failErr := firstErr
			mu.Unlock()

			if last {
				if failErr != nil {
					out.Fail(failErr)
				} else {
					out.Signal()
				}
			}
		})
	}

	return out
}
