package emu

import (
	"sync"

	"github.com/sarchlab/gvm/device"
)

// A Pinner emulates pinning ranges of CPU memory for device access. Each
// pin materializes backing pages in the emulated system memory; an
// invalidation moves the pages, so a later re-pin lands elsewhere and
// the sequence number tells the two apart.
type Pinner struct {
	alloc *Allocator

	mu       sync.Mutex
	seq      uint64
	backing  map[uint64]uint64
	onNotify []func(start, end uint64)
	pins     int
	unpins   int
}

// NewPinner returns a Pinner materializing backing through alloc.
func NewPinner(alloc *Allocator) *Pinner {
	return &Pinner{
		alloc:   alloc,
		backing: map[uint64]uint64{},
	}
}

// OnInvalidate registers a callback run for every invalidation, with the
// pinner's lock dropped. The userptr tracker hooks in here.
func (p *Pinner) OnInvalidate(cb func(start, end uint64)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onNotify = append(p.onNotify, cb)
}

// Seq returns the current invalidation sequence number.
func (p *Pinner) Seq() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.seq
}

// PinCount returns how many pins were handed out.
func (p *Pinner) PinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pins
}

// UnpinCount returns how many pins were released.
func (p *Pinner) UnpinCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unpins
}

// Invalidate simulates the CPU pages of [start, end) moving: existing
// backing is forgotten, the sequence number advances, and the registered
// callbacks fire.
func (p *Pinner) Invalidate(start, end uint64) {
	p.mu.Lock()
	p.seq++
	for va := range p.backing {
		if va >= start && va < end {
			delete(p.backing, va)
		}
	}
	notify := make([]func(start, end uint64), len(p.onNotify))
	copy(notify, p.onNotify)
	p.mu.Unlock()

	for _, cb := range notify {
		cb(start, end)
	}
}

// Pin pins [start, start+size) and returns its current backing.
func (p *Pinner) Pin(start, size uint64) (device.Pinned, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pageSize := p.alloc.pageSize
	pages := make([]uint64, 0, size/pageSize)
	for va := start; va < start+size; va += pageSize {
		pa, ok := p.backing[va]
		if !ok {
			p.alloc.mu.Lock()
			run, err := p.alloc.allocRun(pageSize)
			p.alloc.mu.Unlock()
			if err != nil {
				return nil, err
			}
			pa = run
			p.backing[va] = pa
		}
		pages = append(pages, pa)
	}

	p.pins++
	return &pinned{
		p:        p,
		start:    start,
		pageSize: pageSize,
		pages:    pages,
		seq:      p.seq,
	}, nil
}

type pinned struct {
	p        *Pinner
	start    uint64
	pageSize uint64
	pages    []uint64
	seq      uint64
}

func (pn *pinned) PhysAddr(offset uint64) uint64 {
	return pn.pages[offset/pn.pageSize] + offset%pn.pageSize
}

func (pn *pinned) Contiguous(offset, size uint64) bool {
	first := offset / pn.pageSize
	last := (offset + size - 1) / pn.pageSize
	for i := first; i < last; i++ {
		if pn.pages[i+1] != pn.pages[i]+pn.pageSize {
			return false
		}
	}
	return true
}

func (pn *pinned) IsLocal() bool {
	return false
}

func (pn *pinned) Seq() uint64 {
	return pn.seq
}

func (pn *pinned) Unpin() {
	pn.p.mu.Lock()
	defer pn.p.mu.Unlock()
	pn.p.unpins++
}
