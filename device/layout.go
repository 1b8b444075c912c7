package device

import "log"

// A Layout describes the geometry of a page-table tree: the base page
// size, the number of translation bits per level, and the number of
// levels. Level 0 holds leaf translations; every higher level is a
// directory. The address bits covered by an entry at a level are
// level*EntryBits + Log2PageSize.
type Layout struct {
	Log2PageSize uint
	EntryBits    uint
	Levels       uint

	// MaxFoldLevel is the highest directory level at which a
	// size-and-alignment-qualifying range may fold into a single
	// larger-page translation instead of allocating a child table.
	MaxFoldLevel uint
}

// MakeLayout returns the default 4-level, 4 KiB-page, 512-entry layout
// with folding allowed at the first directory level.
func MakeLayout() Layout {
	return Layout{
		Log2PageSize: 12,
		EntryBits:    9,
		Levels:       4,
		MaxFoldLevel: 1,
	}
}

// WithLevels sets the number of tree levels.
func (l Layout) WithLevels(n uint) Layout {
	l.Levels = n
	return l
}

// WithLog2PageSize sets the base page size.
func (l Layout) WithLog2PageSize(n uint) Layout {
	l.Log2PageSize = n
	return l
}

// WithMaxFoldLevel sets the highest level that may hold folded
// larger-page translations.
func (l Layout) WithMaxFoldLevel(n uint) Layout {
	l.MaxFoldLevel = n
	return l
}

// MustBeValid panics if the layout cannot describe a page-table tree.
func (l Layout) MustBeValid() {
	if l.Levels == 0 || l.EntryBits == 0 || l.Log2PageSize < 3 {
		log.Panicf("invalid page-table layout %+v", l)
	}
	if l.Shift(l.Levels) > 63 {
		log.Panicf("page-table layout %+v covers more than 63 address bits", l)
	}
}

// Shift returns the address shift of an entry at the given level.
func (l Layout) Shift(level uint) uint {
	return l.Log2PageSize + l.EntryBits*level
}

// PageSize returns the bytes covered by one entry at the given level.
func (l Layout) PageSize(level uint) uint64 {
	return 1 << l.Shift(level)
}

// NumEntries returns the number of entries per table.
func (l Layout) NumEntries() uint64 {
	return 1 << l.EntryBits
}

// Index returns the entry index of addr within a table at the given
// level.
func (l Layout) Index(addr uint64, level uint) uint64 {
	return (addr >> l.Shift(level)) & (l.NumEntries() - 1)
}

// Span returns the total bytes addressable by a full tree of this layout.
func (l Layout) Span() uint64 {
	return 1 << l.Shift(l.Levels)
}

// Shifts returns the per-level entry shifts, one per level plus one for
// the synthetic level above the root, in the form the tree walker
// consumes.
func (l Layout) Shifts() []uint {
	shifts := make([]uint, l.Levels+1)
	for i := range shifts {
		shifts[i] = l.Shift(uint(i))
	}
	return shifts
}
