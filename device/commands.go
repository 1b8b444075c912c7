package device

// CmdOp enumerates the command kinds the core emits. The encoding into
// actual hardware command streams belongs to the Executor collaborator.
type CmdOp int

// Command kinds.
const (
	// CmdRemapWindow rewires part of the migration engine's fixed
	// virtual window to a list of physical pages.
	CmdRemapWindow CmdOp = iota

	// CmdFlush orders window remaps before the commands that follow and
	// invalidates stale window translations.
	CmdFlush

	// CmdCopy blits Size bytes between two window offsets.
	CmdCopy

	// CmdClear fills Size bytes at a window offset with Value.
	CmdClear

	// CmdStore writes Payload qwords at a window offset.
	CmdStore
)

// A Cmd is one command in a batch submitted to an execution context.
type Cmd struct {
	Op CmdOp

	// WindowOfs is the window byte offset the command targets: the
	// remap destination for CmdRemapWindow, the store destination for
	// CmdStore.
	WindowOfs uint64

	// Pages lists physical page addresses for CmdRemapWindow, one per
	// window page starting at WindowOfs.
	Pages []uint64

	// Src and Dst are window byte offsets for CmdCopy; Dst also serves
	// CmdClear.
	Src uint64
	Dst uint64

	Size  uint64
	Value uint32

	// Payload holds the qwords of a CmdStore.
	Payload []uint64
}
