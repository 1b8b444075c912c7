// Package pagetable maintains one multi-level page-table tree that
// mirrors the hardware MMU's format: leaf nodes hold translation
// entries, directory nodes hold child pointers or folded larger-page
// translations. Nodes are created lazily on first population and
// reclaimed eagerly once their subtree is fully unmapped.
package pagetable

import (
	"log"

	"github.com/sarchlab/gvm/device"
)

// A Tree is the page-table tree of one address space for one physical
// memory instance. It is not safe for concurrent use; the owning address
// space serializes access.
type Tree struct {
	name   string
	layout device.Layout
	enc    device.Encoder
	alloc  device.Allocator
	inst   device.PhysInstance

	useScratch bool
	scratchPTE uint64

	nodes []node
	free  []NodeID
	root  NodeID
}

// A Builder can build page-table trees.
type Builder struct {
	layout  device.Layout
	enc     device.Encoder
	alloc   device.Allocator
	inst    device.PhysInstance
	scratch device.PTPage
}

// MakeBuilder creates a Builder with the default layout and encoder.
func MakeBuilder() Builder {
	return Builder{
		layout: device.MakeLayout(),
		enc:    device.NewEncoder(),
	}
}

// WithLayout sets the tree geometry.
func (b Builder) WithLayout(l device.Layout) Builder {
	b.layout = l
	return b
}

// WithEncoder sets the entry encoder.
func (b Builder) WithEncoder(e device.Encoder) Builder {
	b.enc = e
	return b
}

// WithAllocator sets the allocator that provides node backing pages.
func (b Builder) WithAllocator(a device.Allocator) Builder {
	b.alloc = a
	return b
}

// WithInstance sets the physical memory instance the tree's nodes live
// in.
func (b Builder) WithInstance(inst device.PhysInstance) Builder {
	b.inst = inst
	return b
}

// WithScratchPage enables the scratch policy: unmapped ranges resolve to
// the given reserved zero page instead of faulting.
func (b Builder) WithScratchPage(p device.PTPage) Builder {
	b.scratch = p
	return b
}

// Build returns a newly created Tree with its root node allocated. The
// root is never freed until the tree is destroyed.
func (b Builder) Build(name string) (*Tree, error) {
	b.layout.MustBeValid()
	if b.alloc == nil {
		log.Panicf("tree %s built without an allocator", name)
	}

	t := &Tree{
		name:   name,
		layout: b.layout,
		enc:    b.enc,
		alloc:  b.alloc,
		inst:   b.inst,
	}
	if b.scratch != nil {
		t.useScratch = true
		t.scratchPTE = b.enc.ScratchPTE(b.scratch.PhysAddr())
	}

	root, err := t.allocNode(b.layout.Levels - 1)
	if err != nil {
		return nil, err
	}
	t.root = root

	return t, nil
}

// Name returns the name of the tree.
func (t *Tree) Name() string {
	return t.name
}

// Layout returns the tree geometry.
func (t *Tree) Layout() device.Layout {
	return t.layout
}

// Instance returns the physical memory instance the tree targets.
func (t *Tree) Instance() device.PhysInstance {
	return t.inst
}

// RootLevel returns the level of the root node.
func (t *Tree) RootLevel() uint {
	return t.layout.Levels - 1
}

// NodeCount returns the number of live nodes, the root included.
func (t *Tree) NodeCount() int {
	count := 0
	for i := range t.nodes {
		if t.nodes[i].inUse {
			count++
		}
	}
	return count
}

// clearValue is what an unmapped entry reads as.
func (t *Tree) clearValue() uint64 {
	if t.useScratch {
		return t.scratchPTE
	}
	return device.EmptyEntry
}

// RootPrefill returns the entry stores that initialize the root node
// under the scratch policy. The owning address space submits them once
// at creation. Without scratch the root needs no initialization.
func (t *Tree) RootPrefill() []Update {
	if !t.useScratch {
		return nil
	}

	values := make([]uint64, t.layout.NumEntries())
	for i := range values {
		values[i] = t.scratchPTE
	}
	n := t.node(t.root)
	return []Update{{Node: t.root, Page: n.page, Ofs: 0, Values: values}}
}

// Lookup resolves addr against the tree. It returns the live translation
// entry value and the level it was found at. ok is false when nothing is
// mapped at addr.
func (t *Tree) Lookup(addr uint64) (value uint64, level uint, ok bool) {
	id := t.root
	for {
		n := t.node(id)
		idx := uint32(t.layout.Index(addr, n.level))

		if n.level == 0 {
			if !n.live.get(idx) {
				return 0, 0, false
			}
			return n.page.Read(idx), 0, true
		}

		if n.huge.get(idx) {
			return n.page.Read(idx), n.level, true
		}

		cid := n.children[idx]
		if cid == NilNode {
			return 0, 0, false
		}
		id = cid
	}
}

// An Occupancy record describes one live node for introspection.
type Occupancy struct {
	Node    NodeID `json:"node"`
	Level   uint   `json:"level"`
	NumLive uint32 `json:"num_live"`
}

// DumpOccupancy returns one record per live node.
func (t *Tree) DumpOccupancy() []Occupancy {
	var out []Occupancy
	for i := range t.nodes {
		n := &t.nodes[i]
		if !n.inUse {
			continue
		}
		out = append(out, Occupancy{
			Node:    NodeID(i),
			Level:   n.level,
			NumLive: n.numLive,
		})
	}
	return out
}

// Destroy frees every node including the root. The tree must not be used
// afterwards.
func (t *Tree) Destroy() {
	t.freeSubtree(t.root)
	t.root = NilNode
}
