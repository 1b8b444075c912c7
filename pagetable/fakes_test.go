package pagetable

import (
	"log"

	"github.com/sarchlab/gvm/device"
)

// testPage is a host-mappable page-table page backed by a plain slice.
type testPage struct {
	alloc *testAllocator
	pa    uint64
	words []uint64
	freed bool
}

func (p *testPage) PhysAddr() uint64 {
	return p.pa
}

func (p *testPage) HostMappable() bool {
	return true
}

func (p *testPage) Write(ofs uint32, values []uint64) {
	if p.freed {
		log.Panicf("write to freed page %#x", p.pa)
	}
	copy(p.words[ofs:], values)
}

func (p *testPage) Read(ofs uint32) uint64 {
	return p.words[ofs]
}

func (p *testPage) Free() {
	if p.freed {
		log.Panicf("double free of page %#x", p.pa)
	}
	p.freed = true
	p.alloc.livePages--
}

// testAllocator hands out zeroed testPages from a bump pointer and
// tracks how many are still live.
type testAllocator struct {
	nextPA    uint64
	entries   uint64
	livePages int
}

func newTestAllocator(entries uint64) *testAllocator {
	return &testAllocator{nextPA: 0x10_0000, entries: entries}
}

func (a *testAllocator) ValidateResident(_ device.Object, _ string) error {
	return nil
}

func (a *testAllocator) IsResidentIn(_ device.Object, _ device.PhysInstance) bool {
	return true
}

func (a *testAllocator) AllocPTPage(_ device.PhysInstance) (device.PTPage, error) {
	p := &testPage{
		alloc: a,
		pa:    a.nextPA,
		words: make([]uint64, a.entries),
	}
	a.nextPA += 0x1000
	a.livePages++
	return p, nil
}

// flatPlacement maps offset o to physical address base+o.
type flatPlacement struct {
	base  uint64
	local bool
}

func (p flatPlacement) PhysAddr(offset uint64) uint64 {
	return p.base + offset
}

func (p flatPlacement) Contiguous(_, _ uint64) bool {
	return true
}

func (p flatPlacement) IsLocal() bool {
	return p.local
}

// fragmentedPlacement is never physically contiguous beyond one page.
type fragmentedPlacement struct {
	flatPlacement
}

func (p fragmentedPlacement) Contiguous(_, size uint64) bool {
	return size <= 0x1000
}
