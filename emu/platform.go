package emu

import "github.com/sarchlab/gvm/device"

// A Platform bundles a fully wired emulated device with the fakes
// behind it, so tests and the command-line tool can reach both sides.
type Platform struct {
	Memory *Memory
	Alloc  *Allocator
	Exec   *Executor
	TLB    *TLB
	Pinner *Pinner
	Device *device.Device
}

// A Builder can build emulated platforms.
type Builder struct {
	memSize        uint64
	layout         device.Layout
	hostMappablePT bool
	sequentialIDs  bool
}

// MakeBuilder creates a Builder with 256 MiB of memory, the default
// page-table layout, and host-mappable page-table pages.
func MakeBuilder() Builder {
	return Builder{
		memSize:        256 << 20,
		layout:         device.MakeLayout(),
		hostMappablePT: true,
	}
}

// WithMemorySize sets the emulated physical memory size.
func (b Builder) WithMemorySize(n uint64) Builder {
	b.memSize = n
	return b
}

// WithLayout sets the page-table geometry.
func (b Builder) WithLayout(l device.Layout) Builder {
	b.layout = l
	return b
}

// WithoutHostMappablePT forces page-table writes through the migration
// engine's GPU path.
func (b Builder) WithoutHostMappablePT() Builder {
	b.hostMappablePT = false
	return b
}

// WithSequentialIDs makes generated IDs deterministic.
func (b Builder) WithSequentialIDs() Builder {
	b.sequentialIDs = true
	return b
}

// Build returns a newly created Platform.
func (b Builder) Build(name string) (*Platform, error) {
	mem := NewMemory(b.memSize)

	ab := MakeAllocatorBuilder().WithMemory(mem)
	if !b.hostMappablePT {
		ab = ab.WithoutHostMappablePT()
	}
	alloc := ab.Build()

	exec := NewExecutor(mem)
	tlb := NewTLB()
	pinner := NewPinner(alloc)

	db := device.MakeBuilder().
		WithLayout(b.layout).
		WithAllocator(alloc).
		WithExecutor(exec).
		WithTLBInvalidator(tlb).
		WithPinner(pinner)
	if b.sequentialIDs {
		db = db.WithSequentialIDs()
	}

	dev, err := db.Build(name)
	if err != nil {
		return nil, err
	}

	return &Platform{
		Memory: mem,
		Alloc:  alloc,
		Exec:   exec,
		TLB:    tlb,
		Pinner: pinner,
		Device: dev,
	}, nil
}
