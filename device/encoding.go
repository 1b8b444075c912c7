package device

// PTEFlag carries the translation attributes a bind request can ask for.
type PTEFlag uint32

// Translation attribute flags.
const (
	PTEReadOnly PTEFlag = 1 << iota
	PTELocalMem
)

// Hardware-neutral entry bit assignments. Physical addresses are page
// aligned, so the low Log2PageSize bits of an entry are free for flags.
const (
	entryValid    = uint64(1) << 0
	entryRW       = uint64(1) << 1
	entryHuge     = uint64(1) << 6
	entryLocalMem = uint64(1) << 11

	entryFlagMask = uint64(0xfff)
)

// EmptyEntry is the value of an unmapped PTE or PDE.
const EmptyEntry = uint64(0)

// An Encoder turns physical addresses into page-table entry values. The
// bit assignment is chip specific; implementations must keep addresses
// recoverable through AddrOf.
type Encoder interface {
	// PTE encodes a leaf translation. A level greater than zero
	// produces a folded larger-page translation living in a directory.
	PTE(physAddr uint64, level uint, flags PTEFlag) uint64

	// PDE encodes a directory entry pointing at a child table page.
	PDE(physAddr uint64) uint64

	// ScratchPTE encodes the translation installed for unmapped
	// addresses under the scratch policy.
	ScratchPTE(scratchPhysAddr uint64) uint64

	// AddrOf recovers the physical address from an entry value.
	AddrOf(entry uint64) uint64

	// IsValid reports whether the entry holds a live translation.
	IsValid(entry uint64) bool
}

// NewEncoder returns the default encoder.
func NewEncoder() Encoder {
	return defaultEncoder{}
}

type defaultEncoder struct{}

func (defaultEncoder) PTE(physAddr uint64, level uint, flags PTEFlag) uint64 {
	pte := physAddr | entryValid | entryRW
	if flags&PTEReadOnly != 0 {
		pte &^= entryRW
	}
	if flags&PTELocalMem != 0 {
		pte |= entryLocalMem
	}
	if level > 0 {
		pte |= entryHuge
	}
	return pte
}

func (defaultEncoder) PDE(physAddr uint64) uint64 {
	return physAddr | entryValid | entryRW
}

func (defaultEncoder) ScratchPTE(scratchPhysAddr uint64) uint64 {
	return scratchPhysAddr | entryValid
}

func (defaultEncoder) AddrOf(entry uint64) uint64 {
	return entry &^ entryFlagMask
}

func (defaultEncoder) IsValid(entry uint64) bool {
	return entry&entryValid != 0
}
