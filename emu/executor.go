package emu

import (
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/fence"
)

// An Executor creates execution contexts that interpret command batches
// against the emulated memory.
type Executor struct {
	mem      *Memory
	pageSize uint64
}

// NewExecutor returns an Executor running batches against mem with
// 4 KiB window pages.
func NewExecutor(mem *Memory) *Executor {
	return &Executor{mem: mem, pageSize: 0x1000}
}

// CreateContext starts a context worker. Batches submitted to the
// context run in submission order.
func (e *Executor) CreateContext(_ device.EngineClass) (device.Context, error) {
	c := &exeContext{
		mem:      e.mem,
		pageSize: e.pageSize,
		window:   map[uint64]uint64{},
		queue:    make(chan batch, 64),
		done:     make(chan struct{}),
	}
	go c.run()
	return c, nil
}

type batch struct {
	cmds []device.Cmd
	deps []*fence.Fence
	f    *fence.Fence
}

type exeContext struct {
	mem      *Memory
	pageSize uint64
	window   map[uint64]uint64

	mu       sync.Mutex
	released bool
	queue    chan batch
	done     chan struct{}
}

// Submit queues one batch and returns its completion fence.
func (c *exeContext) Submit(
	cmds []device.Cmd,
	deps []*fence.Fence,
) (*fence.Fence, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil, fmt.Errorf("submit on released context")
	}

	f := fence.New()
	c.queue <- batch{cmds: cmds, deps: deps, f: f}
	return f, nil
}

// Release drains outstanding batches and stops the worker.
func (c *exeContext) Release() {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return
	}
	c.released = true
	close(c.queue)
	c.mu.Unlock()

	<-c.done
}

func (c *exeContext) run() {
	for b := range c.queue {
		if err := c.waitDeps(b.deps); err != nil {
			b.f.Fail(err)
			continue
		}

		var err error
		for _, cmd := range b.cmds {
			if err = c.exec(cmd); err != nil {
				break
			}
		}

		if err != nil {
			b.f.Fail(err)
		} else {
			b.f.Signal()
		}
	}
	close(c.done)
}

func (c *exeContext) waitDeps(deps []*fence.Fence) error {
	for _, d := range deps {
		if err := d.Wait(0); err != nil {
			return fmt.Errorf("batch dependency failed: %w", err)
		}
	}
	return nil
}

func (c *exeContext) exec(cmd device.Cmd) error {
	switch cmd.Op {
	case device.CmdRemapWindow:
		for i, pa := range cmd.Pages {
			c.window[cmd.WindowOfs+uint64(i)*c.pageSize] = pa
		}
		return nil
	case device.CmdFlush:
		// Remaps apply immediately here; nothing is cached.
		return nil
	case device.CmdCopy:
		return c.copy(cmd.Dst, cmd.Src, cmd.Size)
	case device.CmdClear:
		return c.clear(cmd.Dst, cmd.Size, cmd.Value)
	case device.CmdStore:
		return c.store(cmd.WindowOfs, cmd.Payload)
	default:
		log.Panicf("unknown command op %d", cmd.Op)
		return nil
	}
}

func (c *exeContext) resolve(ofs uint64) (uint64, error) {
	page := ofs &^ (c.pageSize - 1)
	pa, ok := c.window[page]
	if !ok {
		return 0, fmt.Errorf("window offset %#x not mapped", ofs)
	}
	return pa + (ofs - page), nil
}

// fragment returns the byte count until the next window page boundary.
func (c *exeContext) fragment(ofs, remaining uint64) uint64 {
	n := c.pageSize - ofs%c.pageSize
	if n > remaining {
		n = remaining
	}
	return n
}

func (c *exeContext) copy(dst, src, size uint64) error {
	for size > 0 {
		n := c.fragment(src, size)
		if m := c.fragment(dst, size); m < n {
			n = m
		}

		srcPA, err := c.resolve(src)
		if err != nil {
			return err
		}
		dstPA, err := c.resolve(dst)
		if err != nil {
			return err
		}

		c.mem.Copy(dstPA, srcPA, n)
		src += n
		dst += n
		size -= n
	}
	return nil
}

func (c *exeContext) clear(dst, size uint64, value uint32) error {
	for size > 0 {
		n := c.fragment(dst, size)
		pa, err := c.resolve(dst)
		if err != nil {
			return err
		}

		c.mem.Fill(pa, n, value)
		dst += n
		size -= n
	}
	return nil
}

func (c *exeContext) store(ofs uint64, payload []uint64) error {
	for _, q := range payload {
		pa, err := c.resolve(ofs)
		if err != nil {
			return err
		}
		c.mem.WriteQword(pa, q)
		ofs += 8
	}
	return nil
}
