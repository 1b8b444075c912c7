// Package addrspace implements GPU virtual address spaces: the VMA
// interval index, the bind/unbind protocol against the page-table
// trees, the per-space operation queue, and userptr invalidation with
// the preemption-fence rebind protocol for compute mode.
package addrspace

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/btree"

	"github.com/sarchlab/gvm/capture"
	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/fence"
	"github.com/sarchlab/gvm/migrate"
	"github.com/sarchlab/gvm/pagetable"
)

// Flag selects address-space behaviors at creation time.
type Flag uint32

// Address-space flags.
const (
	// FaultMode makes userptr invalidations clear translations
	// synchronously; the space relies on faulting to repopulate.
	FaultMode Flag = 1 << iota

	// ComputeMode attaches long-running compute contexts; invalidations
	// go through the preemption-fence rebind protocol.
	ComputeMode

	// AsyncOps makes Map and Unmap return before the operation ran.
	AsyncOps

	// Recoverable lets Restart clear a sticky queue error.
	Recoverable

	// Scratch resolves unmapped addresses to the reserved scratch page
	// instead of faulting.
	Scratch
)

// captureOpsTable is the capture table operations are recorded into.
const captureOpsTable = "vm_ops"

// A VM is one GPU virtual address space. All mutation goes through its
// operation queue; the queue worker holds the VM lock for the whole
// operation, then object locks, in that fixed order.
type VM struct {
	id     string
	name   string
	size   uint64
	flags  Flag
	dev    *device.Device
	engine *migrate.Engine
	rec    *capture.Recorder

	mu    sync.RWMutex
	vmas  *btree.BTreeG[*VMA]
	trees map[device.PhysInstance]*pagetable.Tree
	deps  *fence.Set

	ops       chan *queuedOp
	workerRun sync.WaitGroup
	rebinds   sync.WaitGroup
	stickyErr error
	closed    bool

	// qmu guards submissions against the queue closing underneath them.
	qmu     sync.Mutex
	qclosed bool

	compute map[string]*computeAttachment
}

// A Builder can build VMs.
type Builder struct {
	dev       *device.Device
	engine    *migrate.Engine
	size      uint64
	flags     Flag
	instances []device.PhysInstance
	rec       *capture.Recorder
}

// MakeBuilder creates a Builder targeting physical instance 0 with an
// address-space size covering the device's whole page-table span.
func MakeBuilder() Builder {
	return Builder{instances: []device.PhysInstance{0}}
}

// WithDevice sets the device the space lives on.
func (b Builder) WithDevice(d *device.Device) Builder {
	b.dev = d
	return b
}

// WithEngine sets the migration engine that carries page-table writes.
func (b Builder) WithEngine(e *migrate.Engine) Builder {
	b.engine = e
	return b
}

// WithSize limits the virtual address range.
func (b Builder) WithSize(n uint64) Builder {
	b.size = n
	return b
}

// WithFlags sets the behavior flags.
func (b Builder) WithFlags(f Flag) Builder {
	b.flags = f
	return b
}

// WithInstances sets the physical instances the space maps into, one
// page-table tree each.
func (b Builder) WithInstances(insts ...device.PhysInstance) Builder {
	b.instances = insts
	return b
}

// WithRecorder opts the space into operation capture.
func (b Builder) WithRecorder(r *capture.Recorder) Builder {
	b.rec = r
	return b
}

// Build returns a newly created VM with its trees allocated and its
// queue worker running.
func (b Builder) Build(name string) (*VM, error) {
	if b.dev == nil || b.engine == nil {
		log.Panicf("vm %s built without a device or engine", name)
	}
	if b.flags&FaultMode != 0 && b.flags&ComputeMode != 0 {
		log.Panicf("vm %s: fault mode and compute mode are exclusive", name)
	}

	size := b.size
	if size == 0 {
		size = b.dev.Layout().Span()
	}
	if size > b.dev.Layout().Span() {
		return nil, fmt.Errorf("vm %s: size %#x exceeds the page-table span",
			name, size)
	}

	vm := &VM{
		id:      b.dev.IDs().Generate(),
		name:    name,
		size:    size,
		flags:   b.flags,
		dev:     b.dev,
		engine:  b.engine,
		rec:     b.rec,
		vmas:    newVMAIndex(),
		trees:   map[device.PhysInstance]*pagetable.Tree{},
		deps:    fence.NewSet(),
		ops:     make(chan *queuedOp, 64),
		compute: map[string]*computeAttachment{},
	}

	for _, inst := range b.instances {
		tb := pagetable.MakeBuilder().
			WithLayout(b.dev.Layout()).
			WithEncoder(b.dev.Encoder()).
			WithAllocator(b.dev.Allocator()).
			WithInstance(inst)
		if b.flags&Scratch != 0 {
			tb = tb.WithScratchPage(b.dev.ScratchPage())
		}

		t, err := tb.Build(fmt.Sprintf("%s.PT%d", name, inst))
		if err != nil {
			return nil, err
		}
		if prefill := t.RootPrefill(); prefill != nil {
			f, err := b.engine.UpdatePageTables(prefill, nil, nil)
			if err != nil {
				return nil, err
			}
			vm.deps.Add(f)
		}
		vm.trees[inst] = t
	}

	if vm.rec != nil {
		// The tables may already exist when several spaces share one
		// recorder.
		_ = vm.rec.CreateTable(captureOpsTable, capture.OpRecord{})
		_ = vm.rec.CreateTable(captureErrsTable, capture.ErrRecord{})
	}

	if p, ok := b.dev.Pinner().(interface {
		OnInvalidate(func(start, end uint64))
	}); ok {
		p.OnInvalidate(func(start, end uint64) {
			_ = vm.InvalidateUserptr(start, end)
		})
	}

	vm.workerRun.Add(1)
	go vm.runQueue()

	return vm, nil
}

// ID returns the unique ID of the space.
func (vm *VM) ID() string {
	return vm.id
}

// Name returns the name of the space.
func (vm *VM) Name() string {
	return vm.name
}

// Size returns the byte size of the virtual address range.
func (vm *VM) Size() uint64 {
	return vm.size
}

func (vm *VM) tree(inst device.PhysInstance) (*pagetable.Tree, error) {
	t, ok := vm.trees[inst]
	if !ok {
		return nil, fmt.Errorf("vm %s does not target instance %d",
			vm.name, inst)
	}
	return t, nil
}

// record captures one operation outcome when capture is enabled.
func (vm *VM) record(kind string, addr, size uint64, err error) {
	if vm.rec == nil {
		return
	}

	msg := ""
	if err != nil {
		msg = err.Error()
	}
	_ = vm.rec.Insert(captureOpsTable, capture.OpRecord{
		VM:    vm.id,
		Kind:  kind,
		Addr:  addr,
		Size:  size,
		Error: msg,
	})
}

// Restart clears a sticky queue error on a Recoverable space so queued
// operations run again.
func (vm *VM) Restart() error {
	vm.mu.Lock()
	defer vm.mu.Unlock()

	if vm.flags&Recoverable == 0 {
		return fmt.Errorf("vm %s is not recoverable", vm.name)
	}
	vm.stickyErr = nil
	return nil
}

// Close drains the queue, waits for in-flight rebinds and outstanding
// GPU work, and tears the trees down. The space is unusable afterwards.
func (vm *VM) Close() error {
	vm.mu.Lock()
	if vm.closed {
		vm.mu.Unlock()
		return ErrClosed
	}
	vm.closed = true
	vm.mu.Unlock()

	vm.qmu.Lock()
	vm.qclosed = true
	close(vm.ops)
	vm.qmu.Unlock()

	vm.workerRun.Wait()
	vm.rebinds.Wait()

	if err := vm.deps.WaitAll(vm.dev.GPUWaitTimeout()); err != nil {
		return fmt.Errorf("vm %s: waiting for outstanding work: %w",
			vm.name, err)
	}

	vm.mu.Lock()
	defer vm.mu.Unlock()

	vm.vmas.Ascend(func(v *VMA) bool {
		if v.pin != nil {
			v.pin.put()
		}
		return true
	})
	vm.vmas.Clear(false)

	for _, t := range vm.trees {
		t.Destroy()
	}
	return nil
}

// A VMAInfo describes one mapping for introspection.
type VMAInfo struct {
	Start    uint64 `json:"start"`
	End      uint64 `json:"end"`
	Userptr  bool   `json:"userptr"`
	ReadOnly bool   `json:"read_only"`
	Instance int    `json:"instance"`
}

// DumpVMAs returns the current mappings in address order.
func (vm *VM) DumpVMAs() []VMAInfo {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	out := make([]VMAInfo, 0, vm.vmas.Len())
	vm.vmas.Ascend(func(v *VMA) bool {
		out = append(out, VMAInfo{
			Start:    v.Start,
			End:      v.End,
			Userptr:  v.IsUserptr(),
			ReadOnly: v.ReadOnly,
			Instance: int(v.Instance),
		})
		return true
	})
	return out
}

// PTOccupancy returns per-node occupancy of the instance's tree.
func (vm *VM) PTOccupancy(inst device.PhysInstance) ([]pagetable.Occupancy, error) {
	vm.mu.RLock()
	defer vm.mu.RUnlock()

	t, err := vm.tree(inst)
	if err != nil {
		return nil, err
	}
	return t.DumpOccupancy(), nil
}
