package emu

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/fence"
)

// An Allocator hands out page-table pages and buffer backing from one
// Memory. It implements the placement collaborator interface the core
// components consume.
type Allocator struct {
	mem            *Memory
	pageSize       uint64
	hostMappablePT bool

	mu     sync.Mutex
	next   uint64
	freePT []uint64
	livePT int
}

// An AllocatorBuilder can build allocators.
type AllocatorBuilder struct {
	mem            *Memory
	pageSize       uint64
	hostMappablePT bool
}

// MakeAllocatorBuilder creates an AllocatorBuilder with 4 KiB pages and
// host-mappable page-table pages.
func MakeAllocatorBuilder() AllocatorBuilder {
	return AllocatorBuilder{
		pageSize:       0x1000,
		hostMappablePT: true,
	}
}

// WithMemory sets the memory the allocator carves from.
func (b AllocatorBuilder) WithMemory(m *Memory) AllocatorBuilder {
	b.mem = m
	return b
}

// WithPageSize sets the allocation granule.
func (b AllocatorBuilder) WithPageSize(s uint64) AllocatorBuilder {
	b.pageSize = s
	return b
}

// WithoutHostMappablePT makes page-table pages writable only through
// the migration engine's GPU path.
func (b AllocatorBuilder) WithoutHostMappablePT() AllocatorBuilder {
	b.hostMappablePT = false
	return b
}

// Build returns a newly created Allocator.
func (b AllocatorBuilder) Build() *Allocator {
	if b.mem == nil {
		log.Panicf("allocator built without a memory")
	}
	return &Allocator{
		mem:            b.mem,
		pageSize:       b.pageSize,
		hostMappablePT: b.hostMappablePT,
	}
}

// Memory returns the backing memory.
func (a *Allocator) Memory() *Memory {
	return a.mem
}

// LivePTPages returns the number of page-table pages not yet freed.
func (a *Allocator) LivePTPages() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.livePT
}

func (a *Allocator) allocRun(size uint64) (uint64, error) {
	size = (size + a.pageSize - 1) &^ (a.pageSize - 1)

	// Large runs are naturally aligned up to 2 MiB so mappings of them
	// qualify for large-page translations.
	align := a.pageSize
	for align < size && align < 2<<20 {
		align <<= 1
	}

	base := (a.next + align - 1) &^ (align - 1)
	if base+size > a.mem.Size() {
		return 0, fmt.Errorf("out of emulated memory: need %#x bytes", size)
	}
	a.next = base + size
	return base, nil
}

// AllocPTPage allocates one zeroed page for a page-table node.
func (a *Allocator) AllocPTPage(_ device.PhysInstance) (device.PTPage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var pa uint64
	if n := len(a.freePT); n > 0 {
		pa = a.freePT[n-1]
		a.freePT = a.freePT[:n-1]
		a.mem.Zero(pa, a.pageSize)
	} else {
		var err error
		pa, err = a.allocRun(a.pageSize)
		if err != nil {
			return nil, err
		}
	}

	a.livePT++
	return &ptPage{a: a, pa: pa}, nil
}

// ValidateResident gives the buffer backing so a bind can proceed.
// Objects the allocator does not own are assumed externally managed.
func (a *Allocator) ValidateResident(obj device.Object, _ string) error {
	b, ok := obj.(*Buffer)
	if !ok {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.resident = true
	return nil
}

// IsResidentIn reports whether the buffer has backing in the instance.
func (a *Allocator) IsResidentIn(obj device.Object, inst device.PhysInstance) bool {
	b, ok := obj.(*Buffer)
	if !ok {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resident && b.inst == inst
}

// NewBuffer allocates a buffer object with contiguous resident backing.
func (a *Allocator) NewBuffer(size uint64, local bool) (*Buffer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	base, err := a.allocRun(size)
	if err != nil {
		return nil, err
	}

	return &Buffer{
		alloc:    a,
		size:     size,
		base:     base,
		local:    local,
		resident: true,
		deps:     fence.NewSet(),
	}, nil
}

type ptPage struct {
	a     *Allocator
	pa    uint64
	freed bool
}

func (p *ptPage) PhysAddr() uint64 {
	return p.pa
}

func (p *ptPage) HostMappable() bool {
	return p.a.hostMappablePT
}

func (p *ptPage) Write(ofs uint32, values []uint64) {
	if !p.a.hostMappablePT {
		log.Panicf("CPU store into non-host-mappable page %#x", p.pa)
	}
	for i, v := range values {
		p.a.mem.WriteQword(p.pa+uint64(ofs+uint32(i))*8, v)
	}
}

func (p *ptPage) Read(ofs uint32) uint64 {
	return p.a.mem.ReadQword(p.pa + uint64(ofs)*8)
}

func (p *ptPage) Free() {
	if p.freed {
		log.Panicf("double free of page-table page %#x", p.pa)
	}
	p.freed = true

	p.a.mu.Lock()
	defer p.a.mu.Unlock()
	p.a.freePT = append(p.a.freePT, p.pa)
	p.a.livePT--
}

// A Buffer is an emulated buffer object with contiguous backing.
type Buffer struct {
	alloc *Allocator
	size  uint64
	deps  *fence.Set

	mu       sync.Mutex
	base     uint64
	local    bool
	inst     device.PhysInstance
	resident bool
}

// Size returns the buffer's byte size.
func (b *Buffer) Size() uint64 {
	return b.size
}

// CurrentPlacement returns where the buffer's bytes live right now.
func (b *Buffer) CurrentPlacement() device.Placement {
	b.mu.Lock()
	defer b.mu.Unlock()
	return contiguousPlacement{base: b.base, local: b.local}
}

// Deps returns the buffer's shared dependency set.
func (b *Buffer) Deps() *fence.Set {
	return b.deps
}

// Base returns the buffer's current physical base address.
func (b *Buffer) Base() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.base
}

// Evict waits for everything recorded against the buffer and drops its
// residency, as the placement layer would under memory pressure.
func (b *Buffer) Evict() error {
	if err := b.deps.WaitAll(0); err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.resident = false
	return nil
}

// MoveTo rehomes the buffer at a new physical base, local or not. The
// caller migrates the content first.
func (b *Buffer) MoveTo(base uint64, local bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.base = base
	b.local = local
}

type contiguousPlacement struct {
	base  uint64
	local bool
}

func (p contiguousPlacement) PhysAddr(offset uint64) uint64 {
	return p.base + offset
}

func (p contiguousPlacement) Contiguous(_, _ uint64) bool {
	return true
}

func (p contiguousPlacement) IsLocal() bool {
	return p.local
}
