package migrate

import (
	"errors"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gvm/device"
	"github.com/sarchlab/gvm/emu"
	"github.com/sarchlab/gvm/fence"
	"github.com/sarchlab/gvm/pagetable"
)

var errForTest = errors.New("injected failure")

var _ = Describe("Engine", func() {
	var (
		p *emu.Platform
		e *Engine
	)

	BeforeEach(func() {
		var err error
		p, err = emu.MakeBuilder().
			WithMemorySize(192 << 20).
			Build("EmuDev")
		Expect(err).To(BeNil())

		e, err = MakeBuilder().WithDevice(p.Device).Build("Migrate")
		Expect(err).To(BeNil())
	})

	AfterEach(func() {
		e.Release()
	})

	It("should copy buffer content between placements", func() {
		src, err := p.Alloc.NewBuffer(0x10_0000, false)
		Expect(err).To(BeNil())
		dst, err := p.Alloc.NewBuffer(0x10_0000, true)
		Expect(err).To(BeNil())

		for i := uint64(0); i < 0x10_0000; i += 0x1000 {
			p.Memory.WriteQword(src.Base()+i, i)
		}

		f, err := e.Copy(src.CurrentPlacement(), dst.CurrentPlacement(),
			0x10_0000, nil)
		Expect(err).To(BeNil())
		Expect(f.Wait(0)).To(BeNil())

		for i := uint64(0); i < 0x10_0000; i += 0x1000 {
			Expect(p.Memory.ReadQword(dst.Base() + i)).To(Equal(i))
		}
	})

	It("should split a large clear into one job per chunk", func() {
		dst, err := p.Alloc.NewBuffer(64<<20, true)
		Expect(err).To(BeNil())

		f, err := e.Clear(dst.CurrentPlacement(), 64<<20, 0x5a5a_5a5a, nil)
		Expect(err).To(BeNil())
		Expect(f.Wait(0)).To(BeNil())

		Expect(e.JobCount()).To(Equal(uint64(8)))
		Expect(p.Memory.ReadQword(dst.Base())).
			To(Equal(uint64(0x5a5a_5a5a_5a5a_5a5a)))
		Expect(p.Memory.ReadQword(dst.Base() + 64<<20 - 8)).
			To(Equal(uint64(0x5a5a_5a5a_5a5a_5a5a)))
	})

	It("should not start a copy before its dependencies signal", func() {
		src, err := p.Alloc.NewBuffer(0x1000, false)
		Expect(err).To(BeNil())
		dst, err := p.Alloc.NewBuffer(0x1000, false)
		Expect(err).To(BeNil())

		dep := fence.New()
		f, err := e.Copy(src.CurrentPlacement(), dst.CurrentPlacement(),
			0x1000, []*fence.Fence{dep})
		Expect(err).To(BeNil())

		Consistently(f.IsSignaled).Should(BeFalse())

		dep.Signal()
		Expect(f.Wait(0)).To(BeNil())
	})

	Context("page-table updates", func() {
		bindOnePage := func(pl *emu.Platform) (*pagetable.Tree, []pagetable.Update) {
			pt, err := pagetable.MakeBuilder().
				WithLayout(pl.Device.Layout()).
				WithAllocator(pl.Alloc).
				Build("PT")
			Expect(err).To(BeNil())

			buf, err := pl.Alloc.NewBuffer(0x1000, true)
			Expect(err).To(BeNil())

			pu, err := pt.PrepareBind(pagetable.BindRequest{
				Start:     0x20_0000,
				End:       0x20_1000,
				Placement: buf.CurrentPlacement(),
			})
			Expect(err).To(BeNil())

			updates := pu.Updates()
			pu.Commit()
			return pt, updates
		}

		It("should apply host-mappable updates synchronously", func() {
			pt, updates := bindOnePage(p)

			f, err := e.UpdatePageTables(updates, nil, nil)

			Expect(err).To(BeNil())
			Expect(f.IsSignaled()).To(BeTrue())
			_, _, ok := pt.Lookup(0x20_0000)
			Expect(ok).To(BeTrue())
		})

		It("should bounce updates through the window when pages are not host mappable", func() {
			gp, err := emu.MakeBuilder().
				WithMemorySize(64 << 20).
				WithoutHostMappablePT().
				Build("GPUOnlyDev")
			Expect(err).To(BeNil())

			ge, err := MakeBuilder().WithDevice(gp.Device).Build("GPUMigrate")
			Expect(err).To(BeNil())
			defer ge.Release()

			pt, updates := bindOnePage(gp)

			f, err := ge.UpdatePageTables(updates, nil, nil)
			Expect(err).To(BeNil())
			Expect(f.Wait(0)).To(BeNil())

			value, level, ok := pt.Lookup(0x20_0000)
			Expect(ok).To(BeTrue())
			Expect(level).To(Equal(uint(0)))
			Expect(gp.Device.Encoder().IsValid(value)).To(BeTrue())
		})

		It("should write the same bytes on both paths", func() {
			gp, err := emu.MakeBuilder().
				WithMemorySize(64 << 20).
				WithoutHostMappablePT().
				Build("GPUOnlyDev")
			Expect(err).To(BeNil())

			ge, err := MakeBuilder().WithDevice(gp.Device).Build("GPUMigrate")
			Expect(err).To(BeNil())
			defer ge.Release()

			_, cpuUpdates := bindOnePage(p)
			cf, err := e.UpdatePageTables(cpuUpdates, nil, nil)
			Expect(err).To(BeNil())
			Expect(cf.Wait(0)).To(BeNil())

			_, gpuUpdates := bindOnePage(gp)
			gf, err := ge.UpdatePageTables(gpuUpdates, nil, nil)
			Expect(err).To(BeNil())
			Expect(gf.Wait(0)).To(BeNil())

			// Physical addresses differ between the two platforms, so
			// compare the update shape and the flag bits of each entry.
			Expect(len(gpuUpdates)).To(Equal(len(cpuUpdates)))
			for i := range cpuUpdates {
				cu, gu := cpuUpdates[i], gpuUpdates[i]
				Expect(gu.Ofs).To(Equal(cu.Ofs))
				for j := range cu.Values {
					idx := cu.Ofs + uint32(j)
					Expect(gu.Page.Read(idx) & 0xfff).
						To(Equal(cu.Page.Read(idx) & 0xfff))
				}
			}
		})

		It("should propagate a failed dependency", func() {
			_, updates := bindOnePage(p)

			dep := fence.New()
			dep.Fail(errForTest)

			_, err := e.UpdatePageTables(updates, nil, []*fence.Fence{dep})

			Expect(err).NotTo(BeNil())
		})

		It("should run caller-context updates through that context", func() {
			ctx, err := p.Device.Executor().CreateContext(device.ClassCopy)
			Expect(err).To(BeNil())
			defer ctx.Release()

			pt, updates := bindOnePage(p)

			// Host-mappable pages would normally take the CPU path, but a
			// caller context forces its GPU queue so the stores order
			// behind the caller's other work.
			f, err := e.UpdatePageTables(updates, ctx, nil)
			Expect(err).To(BeNil())
			Expect(f.Wait(0)).To(BeNil())

			Expect(e.JobCount()).To(Equal(uint64(1)))
			value, _, ok := pt.Lookup(0x20_0000)
			Expect(ok).To(BeTrue())
			Expect(p.Device.Encoder().IsValid(value)).To(BeTrue())
		})
	})
})
