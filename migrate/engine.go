// Package migrate implements the migration engine: chunked copies and
// clears through a fixed virtual window, and the two page-table write
// paths. It owns one copy-class execution context and pipelines chunk
// jobs on it, each depending only on the previous chunk's fence.
package migrate

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/fence"
	"github.com/sarchlab/gvm/pagetable"
)

// chunkSize is how many bytes one migration job moves. The window holds
// one source chunk, one destination chunk, and one chunk of page-table
// pages, at fixed offsets.
const (
	chunkSize = 8 << 20

	srcWindowOfs = 0 * chunkSize
	dstWindowOfs = 1 * chunkSize
	ptWindowOfs  = 2 * chunkSize
)

// An Engine performs copies, clears, and page-table writes on behalf of
// the address spaces of one device.
type Engine struct {
	name string
	dev  *device.Device
	ctx  device.Context

	mu   sync.Mutex
	prev *fence.Fence
	jobs uint64
}

// A Builder can build migration engines.
type Builder struct {
	dev *device.Device
}

// MakeBuilder creates a Builder.
func MakeBuilder() Builder {
	return Builder{}
}

// WithDevice sets the device the engine serves.
func (b Builder) WithDevice(d *device.Device) Builder {
	b.dev = d
	return b
}

// Build returns a newly created Engine with its execution context.
func (b Builder) Build(name string) (*Engine, error) {
	if b.dev == nil {
		log.Panicf("engine %s built without a device", name)
	}

	ctx, err := b.dev.Executor().CreateContext(device.ClassCopy)
	if err != nil {
		return nil, fmt.Errorf("creating copy context: %w", err)
	}

	return &Engine{name: name, dev: b.dev, ctx: ctx}, nil
}

// Name returns the name of the engine.
func (e *Engine) Name() string {
	return e.name
}

// JobCount returns how many jobs the engine has submitted.
func (e *Engine) JobCount() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs
}

// Release waits for outstanding jobs and destroys the context.
func (e *Engine) Release() {
	e.ctx.Release()
}

// submit queues one job on ctx, or on the engine's own context when ctx
// is nil. The window is reused across jobs, so each job also depends on
// the previous one's fence; only that fence is retained.
func (e *Engine) submit(ctx device.Context, cmds []device.Cmd,
	deps []*fence.Fence) (*fence.Fence, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ctx == nil {
		ctx = e.ctx
	}
	if e.prev != nil && !e.prev.IsSignaled() {
		deps = append(deps, e.prev)
	}

	f, err := ctx.Submit(cmds, deps)
	if err != nil {
		return nil, fmt.Errorf("engine %s: %w", e.name, err)
	}
	e.prev = f
	e.jobs++
	return f, nil
}

// windowPages lists the physical pages backing [ofs, ofs+size) of the
// placement, one per window page.
func (e *Engine) windowPages(p device.Placement, ofs, size uint64) []uint64 {
	pageSize := e.dev.Layout().PageSize(0)
	pages := make([]uint64, 0, size/pageSize)
	for o := ofs; o < ofs+size; o += pageSize {
		pages = append(pages, p.PhysAddr(o))
	}
	return pages
}

// Copy moves size bytes from src to dst chunk by chunk. The first chunk
// waits for deps; the returned fence signals when the last chunk is
// done.
func (e *Engine) Copy(
	src, dst device.Placement,
	size uint64,
	deps []*fence.Fence,
) (*fence.Fence, error) {
	if size == 0 {
		return fence.Signaled(), nil
	}

	var f *fence.Fence
	for ofs := uint64(0); ofs < size; ofs += chunkSize {
		n := min(chunkSize, size-ofs)

		cmds := []device.Cmd{
			{Op: device.CmdRemapWindow, WindowOfs: srcWindowOfs,
				Pages: e.windowPages(src, ofs, n)},
			{Op: device.CmdRemapWindow, WindowOfs: dstWindowOfs,
				Pages: e.windowPages(dst, ofs, n)},
			{Op: device.CmdFlush},
			{Op: device.CmdCopy, Src: srcWindowOfs, Dst: dstWindowOfs,
				Size: n},
		}

		var err error
		f, err = e.submit(nil, cmds, deps)
		if err != nil {
			return nil, err
		}
		deps = nil
	}

	return f, nil
}

// Clear fills size bytes of dst with the repeated dword value, chunk by
// chunk.
func (e *Engine) Clear(
	dst device.Placement,
	size uint64,
	value uint32,
	deps []*fence.Fence,
) (*fence.Fence, error) {
	if size == 0 {
		return fence.Signaled(), nil
	}

	var f *fence.Fence
	for ofs := uint64(0); ofs < size; ofs += chunkSize {
		n := min(chunkSize, size-ofs)

		cmds := []device.Cmd{
			{Op: device.CmdRemapWindow, WindowOfs: dstWindowOfs,
				Pages: e.windowPages(dst, ofs, n)},
			{Op: device.CmdFlush},
			{Op: device.CmdClear, Dst: dstWindowOfs, Size: n,
				Value: value},
		}

		var err error
		f, err = e.submit(nil, cmds, deps)
		if err != nil {
			return nil, err
		}
		deps = nil
	}

	return f, nil
}

func allSignaled(deps []*fence.Fence) bool {
	for _, d := range deps {
		if !d.IsSignaled() {
			return false
		}
	}
	return true
}

func allHostMappable(updates []pagetable.Update) bool {
	for _, u := range updates {
		if !u.Page.HostMappable() {
			return false
		}
	}
	return true
}

// UpdatePageTables applies entry stores. When no caller context is
// given, every target page is host mappable, and no dependency is still
// pending, the writes happen directly on the CPU and the returned fence
// is already signaled. Otherwise the stores are bounced through the
// window as GPU commands, on ctx when given so they order behind the
// caller's other work on that context. Both paths leave byte-identical
// pages behind.
func (e *Engine) UpdatePageTables(
	updates []pagetable.Update,
	ctx device.Context,
	deps []*fence.Fence,
) (*fence.Fence, error) {
	if len(updates) == 0 {
		return fence.Signaled(), nil
	}

	if ctx == nil && allHostMappable(updates) && allSignaled(deps) {
		if err := firstErr(deps); err != nil {
			return nil, err
		}
		for _, u := range updates {
			u.Page.Write(u.Ofs, u.Values)
		}
		return fence.Signaled(), nil
	}

	return e.updateViaGPU(ctx, updates, deps)
}

func firstErr(deps []*fence.Fence) error {
	for _, d := range deps {
		if err := d.Err(); err != nil {
			return fmt.Errorf("update dependency failed: %w", err)
		}
	}
	return nil
}

// updateViaGPU maps the target pages into the window's page-table slot
// and emits one store per update run. Batches split when a job needs
// more pages than the slot holds.
func (e *Engine) updateViaGPU(
	ctx device.Context,
	updates []pagetable.Update,
	deps []*fence.Fence,
) (*fence.Fence, error) {
	pageSize := e.dev.Layout().PageSize(0)
	slotPages := uint64(chunkSize) / pageSize

	var f *fence.Fence
	for len(updates) > 0 {
		slot := map[uint64]uint64{}
		var pages []uint64
		var cmds []device.Cmd

		batch := updates
		for i, u := range updates {
			ofs, ok := slot[u.Page.PhysAddr()]
			if !ok {
				if uint64(len(pages)) == slotPages {
					batch = updates[:i]
					break
				}
				ofs = ptWindowOfs + uint64(len(pages))*pageSize
				slot[u.Page.PhysAddr()] = ofs
				pages = append(pages, u.Page.PhysAddr())
			}

			cmds = append(cmds, device.Cmd{
				Op:        device.CmdStore,
				WindowOfs: ofs + uint64(u.Ofs)*8,
				Payload:   u.Values,
			})
		}

		cmds = append([]device.Cmd{
			{Op: device.CmdRemapWindow, WindowOfs: ptWindowOfs,
				Pages: pages},
			{Op: device.CmdFlush},
		}, cmds...)

		var err error
		f, err = e.submit(ctx, cmds, deps)
		if err != nil {
			return nil, err
		}
		deps = nil
		updates = updates[len(batch):]
	}

	return f, nil
}
