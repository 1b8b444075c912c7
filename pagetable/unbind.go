package pagetable

import (
	"log"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/ptwalk"
)

// A PendingUnbind is a prepared but uncommitted depopulation of a range:
// the entry clears to submit, plus the node detachments to apply once
// the clears are on their way. Like PendingUpdate, nothing touches the
// live tree until Commit.
type PendingUnbind struct {
	t       *Tree
	updates []*Update
	open    map[NodeID]*Update

	leafClears map[NodeID][]uint32
	hugeClears map[NodeID][]uint32
	detaches   []link
	decs       map[NodeID]uint32
	freed      []device.PTPage

	retain bool
	done   bool
}

// Updates returns the entry clears this change needs.
func (pu *PendingUnbind) Updates() []Update {
	out := make([]Update, len(pu.updates))
	for i, u := range pu.updates {
		out[i] = *u
	}
	return out
}

func (pu *PendingUnbind) record(id NodeID, ofs uint32) {
	if u := pu.open[id]; u != nil && u.Ofs+uint32(len(u.Values)) == ofs {
		u.Values = append(u.Values, pu.t.clearValue())
		return
	}

	u := &Update{
		Node:   id,
		Page:   pu.t.node(id).page,
		Ofs:    ofs,
		Values: []uint64{pu.t.clearValue()},
	}
	pu.updates = append(pu.updates, u)
	pu.open[id] = u
}

func (pu *PendingUnbind) dec(id NodeID) {
	pu.decs[id]++
}

// Commit applies the live-entry bookkeeping and unlinks child nodes
// whose live count reached zero, unless the unbind was prepared with
// retain. The unlinked nodes' pages stay allocated until FreePages; the
// root is never freed.
func (pu *PendingUnbind) Commit() {
	if pu.done {
		log.Panicf("tree %s: pending unbind committed twice", pu.t.name)
	}
	pu.done = true

	t := pu.t
	for id, idxs := range pu.leafClears {
		n := t.node(id)
		for _, idx := range idxs {
			if n.live.get(idx) {
				n.live.clear(idx)
				n.numLive--
			}
		}
	}
	for id, idxs := range pu.hugeClears {
		n := t.node(id)
		for _, idx := range idxs {
			if n.huge.get(idx) {
				n.huge.clear(idx)
				n.numLive--
			}
		}
	}
	// Detaches were staged children-before-ancestors, so detaching in
	// order never double-frees a subtree.
	for _, d := range pu.detaches {
		n := t.node(d.parent)
		if n.children[d.ofs] != d.child {
			log.Panicf("tree %s: detach of reparented node", t.name)
		}
		n.children[d.ofs] = NilNode
		n.numLive--
		pu.freed = t.detachSubtree(d.child, pu.freed)
	}
}

// FreePages returns the detached nodes' pages to the allocator. Call it
// only once the clear stores from Updates have executed; the staged
// clears target these same pages, and a page reallocated too early
// would be corrupted by a store still in flight.
func (pu *PendingUnbind) FreePages() {
	for _, p := range pu.freed {
		p.Free()
	}
	pu.freed = nil
}

// Abort drops the staged unbind without touching the tree.
func (pu *PendingUnbind) Abort() {
	pu.done = true
}

type unbindStage struct {
	t  *Tree
	pu *PendingUnbind
}

func (st *unbindStage) entry(parent ptwalk.Node, _ uint64, level uint,
	_, _ uint64, child *ptwalk.Node, action *ptwalk.Action) error {
	if *child == parent || level == 0 {
		return nil
	}
	if *child == nil {
		// Nothing mapped here yet.
		*action = ptwalk.ActionContinue
	}
	return nil
}

// postDescend stages the clears for one shared table. Every shared table
// of the range shows up here exactly once as *child: interior tables via
// their parent's entry, the root via the synthetic callback where
// *child == parent.
func (st *unbindStage) postDescend(parent ptwalk.Node, offset uint64,
	_ uint, addr, next uint64, child *ptwalk.Node, _ *ptwalk.Action) error {
	t := st.t
	pu := st.pu
	id := (*child).(treeNode).id
	n := t.node(id)

	esize := t.layout.PageSize(n.level)
	tableBase := addr &^ (t.layout.PageSize(n.level+1) - 1)
	first := t.layout.Index(addr, n.level)
	last := t.layout.Index(next-1, n.level)

	for i := first; i <= last; i++ {
		idx := uint32(i)
		s := tableBase + i*esize

		if n.level == 0 {
			if n.live.get(idx) {
				pu.record(id, idx)
				pu.leafClears[id] = append(pu.leafClears[id], idx)
				pu.dec(id)
			}
			continue
		}

		// Boundary entries are shared tables of their own; recursion
		// and the kill check below handle them.
		if s < addr || s+esize > next {
			continue
		}

		if n.huge.get(idx) {
			pu.record(id, idx)
			pu.hugeClears[id] = append(pu.hugeClears[id], idx)
			pu.dec(id)
		} else if cid := n.children[idx]; cid != NilNode {
			pu.record(id, idx)
			pu.detaches = append(pu.detaches, link{id, idx, cid})
			pu.dec(id)
		}
	}

	// A shared table left with no live entries is reclaimed through its
	// parent's entry. The root is never freed.
	if id != t.root && n.numLive == pu.decs[id] {
		pn := parent.(treeNode).id
		pu.record(pn, uint32(offset))
		pu.detaches = append(pu.detaches, link{pn, uint32(offset), id})
		pu.dec(pn)
	}

	return nil
}

// retainEntry clears translations without staging any node detachment,
// for unbinds that are really a rebind in progress and will repopulate
// the same nodes immediately.
func (st *unbindStage) retainEntry(parent ptwalk.Node, offset uint64,
	level uint, addr, next uint64, child *ptwalk.Node,
	action *ptwalk.Action) error {
	t := st.t
	pu := st.pu
	pn := parent.(treeNode).id
	n := t.node(pn)
	idx := uint32(offset)

	if level == 0 {
		if n.live.get(idx) {
			pu.record(pn, idx)
			pu.leafClears[pn] = append(pu.leafClears[pn], idx)
		}
		return nil
	}

	if *child == nil {
		if n.huge.get(idx) {
			size := t.layout.PageSize(level)
			if next-addr != size || addr&(size-1) != 0 {
				log.Panicf("tree %s: partial clear of folded translation at %#x",
					t.name, addr)
			}
			pu.record(pn, idx)
			pu.hugeClears[pn] = append(pu.hugeClears[pn], idx)
		}
		*action = ptwalk.ActionContinue
	}

	return nil
}

// PrepareUnbind computes the clears that depopulate [start, end).
// Preparing an already-empty range yields an empty update and commits as
// a no-op.
func (t *Tree) PrepareUnbind(start, end uint64, retain bool) (*PendingUnbind, error) {
	if err := t.checkRange(start, end); err != nil {
		return nil, err
	}

	pu := &PendingUnbind{
		t:          t,
		open:       map[NodeID]*Update{},
		leafClears: map[NodeID][]uint32{},
		hugeClears: map[NodeID][]uint32{},
		decs:       map[NodeID]uint32{},
		retain:     retain,
	}
	st := &unbindStage{t: t, pu: pu}

	root := treeNode{t, t.root}
	var err error
	if retain {
		w := &ptwalk.Walk{
			Shifts: t.layout.Shifts(),
			Ops:    ptwalk.Ops{Entry: st.retainEntry},
		}
		err = ptwalk.WalkRange(root, t.RootLevel(), start, end, w)
	} else {
		w := &ptwalk.Walk{
			Shifts: t.layout.Shifts(),
			Ops: ptwalk.Ops{
				Entry:       st.entry,
				PostDescend: st.postDescend,
			},
		}
		err = ptwalk.WalkShared(root, t.RootLevel(), start, end, w)
	}
	if err != nil {
		pu.Abort()
		return nil, err
	}

	return pu, nil
}
