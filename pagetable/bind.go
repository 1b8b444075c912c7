package pagetable

import (
	"fmt"
	"log"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/ptwalk"
)

// An Update is one contiguous run of entry values to store into a node's
// backing page. The migration engine performs the stores, either as
// direct CPU writes or as GPU store commands; both paths must produce
// byte-identical pages.
type Update struct {
	Node   NodeID
	Page   device.PTPage
	Ofs    uint32
	Values []uint64
}

// A BindRequest asks the tree to populate [Start, End) with translations
// for the given backing placement.
type BindRequest struct {
	Start uint64
	End   uint64

	// Offset is the byte offset of Start within the placement.
	Offset    uint64
	Placement device.Placement
	Flags     device.PTEFlag

	// CPUPinned marks backing that is pinned CPU memory. Pinned ranges
	// never fold into larger-page translations.
	CPUPinned bool
}

type link struct {
	parent NodeID
	ofs    uint32
	child  NodeID
}

// A PendingUpdate is a prepared but uncommitted tree change: nodes are
// allocated and populated speculatively, and only Commit links them into
// the live tree. Abort makes failure mid-operation cheap to unwind.
type PendingUpdate struct {
	t       *Tree
	updates []*Update

	newNodes []NodeID
	staged   map[NodeID]bool
	links    []link
	leafSets map[NodeID][]uint32
	hugeSets map[NodeID][]uint32

	open map[NodeID]*Update
	done bool
}

// Updates returns the entry stores this change needs, in the order they
// must be applied.
func (pu *PendingUpdate) Updates() []Update {
	out := make([]Update, len(pu.updates))
	for i, u := range pu.updates {
		out[i] = *u
	}
	return out
}

func (pu *PendingUpdate) record(id NodeID, ofs uint32, value uint64) {
	if u := pu.open[id]; u != nil && u.Ofs+uint32(len(u.Values)) == ofs {
		u.Values = append(u.Values, value)
		return
	}
	pu.recordRun(id, ofs, []uint64{value})
}

func (pu *PendingUpdate) recordRun(id NodeID, ofs uint32, values []uint64) {
	u := &Update{
		Node:   id,
		Page:   pu.t.node(id).page,
		Ofs:    ofs,
		Values: values,
	}
	pu.updates = append(pu.updates, u)
	pu.open[id] = u
}

// Commit links the staged nodes into the live tree and applies the
// live-entry bookkeeping. The entry stores themselves must already have
// been submitted.
func (pu *PendingUpdate) Commit() {
	if pu.done {
		log.Panicf("tree %s: pending update committed twice", pu.t.name)
	}
	pu.done = true

	t := pu.t
	for _, l := range pu.links {
		n := t.node(l.parent)
		if n.children[l.ofs] != NilNode {
			log.Panicf("tree %s: commit over occupied entry", t.name)
		}
		n.children[l.ofs] = l.child
		n.numLive++
	}
	for id, idxs := range pu.leafSets {
		n := t.node(id)
		for _, idx := range idxs {
			if !n.live.get(idx) {
				n.live.set(idx)
				n.numLive++
			}
		}
	}
	for id, idxs := range pu.hugeSets {
		n := t.node(id)
		for _, idx := range idxs {
			if !n.huge.get(idx) {
				n.huge.set(idx)
				n.numLive++
			}
		}
	}
}

// Abort frees the speculatively allocated nodes and leaves the live tree
// untouched.
func (pu *PendingUpdate) Abort() {
	if pu.done {
		return
	}
	pu.done = true

	for _, id := range pu.newNodes {
		pu.t.releaseNode(id)
	}
}

type bindStage struct {
	t   *Tree
	pu  *PendingUpdate
	req BindRequest
}

func (st *bindStage) physAddr(addr uint64) uint64 {
	return st.req.Placement.PhysAddr(st.req.Offset + (addr - st.req.Start))
}

func (st *bindStage) flags() device.PTEFlag {
	flags := st.req.Flags
	if st.req.Placement.IsLocal() {
		flags |= device.PTELocalMem
	}
	return flags
}

// canFold reports whether [addr, next) may become one folded larger-page
// translation at the given directory level.
func (st *bindStage) canFold(level uint, addr, next uint64) bool {
	l := st.t.layout
	size := l.PageSize(level)

	if level > l.MaxFoldLevel || st.req.CPUPinned {
		return false
	}
	if next-addr != size || addr&(size-1) != 0 {
		return false
	}

	ofs := st.req.Offset + (addr - st.req.Start)
	if !st.req.Placement.Contiguous(ofs, size) {
		return false
	}

	return st.physAddr(addr)&(size-1) == 0
}

func (st *bindStage) entry(parent ptwalk.Node, offset uint64, level uint,
	addr, next uint64, child *ptwalk.Node, action *ptwalk.Action) error {
	t := st.t
	pu := st.pu
	pn := parent.(treeNode).id
	n := t.node(pn)
	idx := uint32(offset)

	if level == 0 {
		val := t.enc.PTE(st.physAddr(addr), 0, st.flags())
		pu.record(pn, idx, val)
		if pu.staged[pn] {
			if !n.live.get(idx) {
				n.live.set(idx)
				n.numLive++
			}
		} else {
			pu.leafSets[pn] = append(pu.leafSets[pn], idx)
		}
		return nil
	}

	if *child != nil {
		return nil
	}

	if n.huge.get(idx) {
		log.Panicf("tree %s: bind over live folded translation at %#x",
			t.name, addr)
	}

	if st.canFold(level, addr, next) {
		val := t.enc.PTE(st.physAddr(addr), level, st.flags())
		pu.record(pn, idx, val)
		if pu.staged[pn] {
			n.huge.set(idx)
			n.numLive++
		} else {
			pu.hugeSets[pn] = append(pu.hugeSets[pn], idx)
		}
		*action = ptwalk.ActionContinue
		return nil
	}

	cid, err := t.allocNode(level - 1)
	if err != nil {
		return fmt.Errorf("allocating level-%d node: %w", level-1, err)
	}
	pu.newNodes = append(pu.newNodes, cid)
	pu.staged[cid] = true

	if t.useScratch {
		values := make([]uint64, t.layout.NumEntries())
		for i := range values {
			values[i] = t.scratchPTE
		}
		pu.recordRun(cid, 0, values)
	}

	pu.record(pn, idx, t.enc.PDE(t.node(cid).page.PhysAddr()))
	if pu.staged[pn] {
		n.children[idx] = cid
		n.numLive++
	} else {
		pu.links = append(pu.links, link{pn, idx, cid})
	}

	*child = treeNode{t, cid}
	return nil
}

// PrepareBind computes the tree change that maps req, allocating
// directory and leaf nodes as needed but committing nothing. On error
// the speculative allocations are already unwound.
func (t *Tree) PrepareBind(req BindRequest) (*PendingUpdate, error) {
	if err := t.checkRange(req.Start, req.End); err != nil {
		return nil, err
	}

	pu := &PendingUpdate{
		t:        t,
		staged:   map[NodeID]bool{},
		leafSets: map[NodeID][]uint32{},
		hugeSets: map[NodeID][]uint32{},
		open:     map[NodeID]*Update{},
	}
	st := &bindStage{t: t, pu: pu, req: req}

	w := &ptwalk.Walk{
		Shifts: t.layout.Shifts(),
		Ops:    ptwalk.Ops{Entry: st.entry},
	}
	err := ptwalk.WalkRange(treeNode{t, t.root}, t.RootLevel(),
		req.Start, req.End, w)
	if err != nil {
		pu.Abort()
		return nil, err
	}

	return pu, nil
}

func (t *Tree) checkRange(start, end uint64) error {
	pageMask := t.layout.PageSize(0) - 1

	if start >= end || end > t.layout.Span() {
		return fmt.Errorf("range [%#x, %#x) out of bounds", start, end)
	}
	if start&pageMask != 0 || end&pageMask != 0 {
		return fmt.Errorf("range [%#x, %#x) not page aligned", start, end)
	}

	return nil
}
