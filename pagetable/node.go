package pagetable

import (
	"log"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/ptwalk"
)

// A NodeID is a stable handle into the tree's node arena. Parent nodes
// own their children; the arena is the allocator.
type NodeID int32

// NilNode marks an absent child.
const NilNode NodeID = -1

type node struct {
	inUse   bool
	level   uint
	page    device.PTPage
	numLive uint32

	// children holds child handles, directory nodes only.
	children []NodeID

	// huge marks directory entries holding folded larger-page
	// translations instead of child pointers.
	huge bitset

	// live marks populated leaf entries.
	live bitset
}

type bitset []uint64

func makeBitset(n uint64) bitset {
	return make(bitset, (n+63)/64)
}

func (b bitset) get(i uint32) bool {
	return b[i/64]&(1<<(i%64)) != 0
}

func (b bitset) set(i uint32) {
	b[i/64] |= 1 << (i % 64)
}

func (b bitset) clear(i uint32) {
	b[i/64] &^= 1 << (i % 64)
}

func (t *Tree) node(id NodeID) *node {
	n := &t.nodes[id]
	if !n.inUse {
		log.Panicf("tree %s: access to freed node %d", t.name, id)
	}
	return n
}

func (t *Tree) allocNode(level uint) (NodeID, error) {
	page, err := t.alloc.AllocPTPage(t.inst)
	if err != nil {
		return NilNode, err
	}

	var id NodeID
	if n := len(t.free); n > 0 {
		id = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.nodes = append(t.nodes, node{})
		id = NodeID(len(t.nodes) - 1)
	}

	entries := t.layout.NumEntries()
	n := &t.nodes[id]
	*n = node{
		inUse: true,
		level: level,
		page:  page,
	}
	if level > 0 {
		n.children = make([]NodeID, entries)
		for i := range n.children {
			n.children[i] = NilNode
		}
		n.huge = makeBitset(entries)
	} else {
		n.live = makeBitset(entries)
	}

	return id, nil
}

// releaseNode frees one node's page and arena slot without touching its
// subtree.
func (t *Tree) releaseNode(id NodeID) {
	n := t.node(id)
	n.page.Free()
	n.inUse = false
	t.free = append(t.free, id)
}

// detachSubtree releases a subtree's arena slots and collects its pages
// without freeing them. Callers defer the page frees until the entry
// clears pointing into the subtree have executed, so a reallocated page
// can never be hit by an in-flight store.
func (t *Tree) detachSubtree(id NodeID, pages []device.PTPage) []device.PTPage {
	n := t.node(id)
	if n.level > 0 {
		for _, cid := range n.children {
			if cid != NilNode {
				pages = t.detachSubtree(cid, pages)
			}
		}
	}
	pages = append(pages, n.page)
	n.inUse = false
	n.page = nil
	t.free = append(t.free, id)
	return pages
}

// freeSubtree frees a node and everything below it.
func (t *Tree) freeSubtree(id NodeID) {
	n := t.node(id)
	if n.level > 0 {
		for _, cid := range n.children {
			if cid != NilNode {
				t.freeSubtree(cid)
			}
		}
	}
	t.releaseNode(id)
}

// treeNode adapts an arena node to the walker's Node interface.
type treeNode struct {
	t  *Tree
	id NodeID
}

func (n treeNode) Child(offset uint64) ptwalk.Node {
	nd := n.t.node(n.id)
	if nd.level == 0 {
		return nil
	}
	cid := nd.children[offset]
	if cid == NilNode {
		return nil
	}
	return treeNode{n.t, cid}
}
