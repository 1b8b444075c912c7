// Package device holds the device-wide context shared by the
// address-space and migration components, the page-table geometry, and
// the narrow interfaces to the external placement, submission, and
// pinning collaborators.
package device

import (
	"fmt"
	"log"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
)

// DefaultGPUWaitTimeout bounds waits on GPU completion. On expiry the
// device is treated as wedged and the caller escalates to a device-level
// reset.
const DefaultGPUWaitTimeout = 5 * time.Second

// An IDGenerator can generate IDs.
type IDGenerator interface {
	Generate() string
}

type sequentialIDGenerator struct {
	nextID uint64
}

func (g *sequentialIDGenerator) Generate() string {
	return strconv.FormatUint(atomic.AddUint64(&g.nextID, 1), 10)
}

type parallelIDGenerator struct{}

func (parallelIDGenerator) Generate() string {
	return xid.New().String()
}

// A Device carries the device-wide state the core components share:
// geometry, entry encoding, the collaborator interfaces, the reserved
// scratch page, and the ID generator. Its lifetime is the session; there
// is no package-level mutable state.
type Device struct {
	name    string
	layout  Layout
	enc     Encoder
	alloc   Allocator
	exec    Executor
	tlb     TLBInvalidator
	pinner  Pinner
	idGen   IDGenerator
	timeout time.Duration

	scratch PTPage
}

// Name returns the name of the device.
func (d *Device) Name() string {
	return d.name
}

// Layout returns the page-table geometry.
func (d *Device) Layout() Layout {
	return d.layout
}

// Encoder returns the entry encoder.
func (d *Device) Encoder() Encoder {
	return d.enc
}

// Allocator returns the placement collaborator.
func (d *Device) Allocator() Allocator {
	return d.alloc
}

// Executor returns the submission collaborator.
func (d *Device) Executor() Executor {
	return d.exec
}

// TLB returns the TLB invalidation collaborator.
func (d *Device) TLB() TLBInvalidator {
	return d.tlb
}

// Pinner returns the CPU-memory pinning collaborator.
func (d *Device) Pinner() Pinner {
	return d.pinner
}

// IDs returns the device's ID generator.
func (d *Device) IDs() IDGenerator {
	return d.idGen
}

// GPUWaitTimeout returns the bound applied to GPU completion waits.
func (d *Device) GPUWaitTimeout() time.Duration {
	return d.timeout
}

// ScratchPage returns the reserved zero page that backs unmapped ranges
// under the scratch policy.
func (d *Device) ScratchPage() PTPage {
	return d.scratch
}

// A Builder can build devices.
type Builder struct {
	layout        Layout
	enc           Encoder
	alloc         Allocator
	exec          Executor
	tlb           TLBInvalidator
	pinner        Pinner
	timeout       time.Duration
	sequentialIDs bool
}

// MakeBuilder creates a Builder with default layout, encoder, and GPU
// wait timeout.
func MakeBuilder() Builder {
	return Builder{
		layout:  MakeLayout(),
		enc:     NewEncoder(),
		timeout: DefaultGPUWaitTimeout,
	}
}

// WithLayout sets the page-table geometry.
func (b Builder) WithLayout(l Layout) Builder {
	b.layout = l
	return b
}

// WithEncoder sets the entry encoder.
func (b Builder) WithEncoder(e Encoder) Builder {
	b.enc = e
	return b
}

// WithAllocator sets the placement collaborator.
func (b Builder) WithAllocator(a Allocator) Builder {
	b.alloc = a
	return b
}

// WithExecutor sets the submission collaborator.
func (b Builder) WithExecutor(e Executor) Builder {
	b.exec = e
	return b
}

// WithTLBInvalidator sets the TLB invalidation collaborator.
func (b Builder) WithTLBInvalidator(t TLBInvalidator) Builder {
	b.tlb = t
	return b
}

// WithPinner sets the CPU-memory pinning collaborator.
func (b Builder) WithPinner(p Pinner) Builder {
	b.pinner = p
	return b
}

// WithGPUWaitTimeout sets the bound for GPU completion waits.
func (b Builder) WithGPUWaitTimeout(d time.Duration) Builder {
	b.timeout = d
	return b
}

// WithSequentialIDs makes generated IDs deterministic.
func (b Builder) WithSequentialIDs() Builder {
	b.sequentialIDs = true
	return b
}

// Build returns a newly created Device. The allocator must be set; the
// reserved scratch page is allocated here.
func (b Builder) Build(name string) (*Device, error) {
	b.layout.MustBeValid()
	if b.alloc == nil {
		log.Panicf("device %s built without an allocator", name)
	}

	scratch, err := b.alloc.AllocPTPage(0)
	if err != nil {
		return nil, fmt.Errorf("allocating scratch page: %w", err)
	}

	d := &Device{
		name:    name,
		layout:  b.layout,
		enc:     b.enc,
		alloc:   b.alloc,
		exec:    b.exec,
		tlb:     b.tlb,
		pinner:  b.pinner,
		timeout: b.timeout,
		scratch: scratch,
	}

	if b.sequentialIDs {
		d.idGen = &sequentialIDGenerator{}
	} else {
		d.idGen = parallelIDGenerator{}
	}

	return d, nil
}
