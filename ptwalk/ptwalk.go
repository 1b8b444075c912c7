// Package ptwalk walks ranges of an N-level page-table tree with
// callbacks for each entry in all levels. Levels are identified by an
// unsigned integer: 0 is the lowest level and cannot be a directory,
// every other level can. The caller determines the highest level.
//
// A shared page table for a given address range is a table that is
// neither fully within nor fully outside the range and can thus be shared
// by two or more address ranges.
package ptwalk

// Action tells the walker what to do after an entry callback returns.
type Action int

const (
	// ActionSubtree descends into the entry's child subtree. This is
	// the default.
	ActionSubtree Action = iota

	// ActionContinue skips descent and moves to the next entry.
	ActionContinue

	// ActionAgain revisits the same entry. Used when the callback
	// mutated the entry it was given, such as populating a missing
	// child, and wants to be called again with the new child.
	ActionAgain
)

// A Node is one page table in the tree. Directory nodes resolve children
// by entry offset; a missing child must be returned as a nil interface.
type Node interface {
	// Child returns the child table under the given entry offset, or
	// nil if the entry holds no child.
	Child(offset uint64) Node
}

// An EntryFn is called once per entry the walked range touches. The
// callback may replace *child to make the walker descend into a node it
// just created, and may set *action to steer the walk.
type EntryFn func(parent Node, offset uint64, level uint,
	addr, next uint64, child *Node, action *Action) error

// Ops holds the walk callbacks. Entry fires before an optional descent;
// PostDescend fires after the descent returns, enabling two-phase
// prepare-then-commit algorithms without re-walking.
type Ops struct {
	Entry       EntryFn
	PostDescend EntryFn
}

// A Walk carries the geometry and callbacks of one walk. Shifts holds the
// entry shift per level, plus one extra entry for the synthetic level
// above the root.
type Walk struct {
	Shifts []uint
	Ops    Ops

	sharedPT bool
}

func (w *Walk) addrEnd(addr, end uint64, level uint) uint64 {
	size := uint64(1) << w.Shifts[level]
	next := (addr &^ (size - 1)) + size
	if next > end {
		next = end
	}
	return next
}

func (w *Walk) offsetOf(addr uint64, level uint) uint64 {
	ofs := addr >> w.Shifts[level]
	if int(level)+1 < len(w.Shifts) {
		ofs &= (uint64(1) << (w.Shifts[level+1] - w.Shifts[level])) - 1
	}
	return ofs
}

// covers reports whether [addr, next) spans exactly one whole entry at
// the level.
func (w *Walk) covers(addr, next uint64, level uint) bool {
	size := uint64(1) << w.Shifts[level]
	return next-addr == size && addr&(size-1) == 0
}

func (w *Walk) next(offset, addr *uint64, next, end uint64, level uint) bool {
	step := uint64(1)

	// Shared-pt walks skip to the last page table of the range.
	if w.sharedPT {
		shift := w.Shifts[level]
		skipTo := end &^ ((uint64(1) << shift) - 1)

		if skipTo > next {
			step += (skipTo - next) >> shift
			next = skipTo
		}
	}

	*addr = next
	*offset += step

	return next != end
}

// WalkRange walks [addr, end) of the tree rooted at parent, visiting
// every entry the range touches in ascending address order. A non-nil
// callback error terminates the walk at that point and is returned;
// partial side effects committed by earlier callbacks are the caller's
// responsibility.
func WalkRange(parent Node, level uint, addr, end uint64, w *Walk) error {
	offset := w.offsetOf(addr, level)

	for {
		next := w.addrEnd(addr, end, level)

		if !(w.sharedPT && w.covers(addr, next, level)) {
			if err := w.visitEntry(parent, offset, level, addr, next); err != nil {
				return err
			}
		}

		if !w.next(&offset, &addr, next, end, level) {
			return nil
		}
	}
}

func (w *Walk) visitEntry(parent Node, offset uint64, level uint,
	addr, next uint64) error {
	for {
		action := ActionSubtree
		child := parent.Child(offset)

		err := w.Ops.Entry(parent, offset, level, addr, next, &child, &action)
		if err != nil {
			return err
		}

		if action == ActionAgain {
			continue
		}

		if level == 0 || child == nil || action == ActionContinue {
			return nil
		}

		if err := WalkRange(child, level-1, addr, next, w); err != nil {
			return err
		}

		if w.Ops.PostDescend != nil {
			return w.Ops.PostDescend(parent, offset, level, addr, next,
				&child, &action)
		}

		return nil
	}
}

// WalkShared walks only the shared page tables of [addr, end): tables
// entirely contained in the range are skipped, since bulk clearing
// handles them through their top entry in the nearest shared table.
// Unlike WalkRange, the Entry and PostDescend callbacks also fire once
// for the root itself, with level one above the root and *child equal to
// parent, so root-level bookkeeping folds into the same callback pair as
// every other level.
func WalkShared(parent Node, level uint, addr, end uint64, w *Walk) error {
	w.sharedPT = true

	action := ActionSubtree
	child := parent

	err := w.Ops.Entry(parent, 0, level+1, addr, end, &child, &action)
	if err != nil || action != ActionSubtree {
		return err
	}

	if err := WalkRange(parent, level, addr, end, w); err != nil {
		return err
	}

	if w.Ops.PostDescend != nil {
		return w.Ops.PostDescend(parent, 0, level+1, addr, end, &child, &action)
	}

	return nil
}
