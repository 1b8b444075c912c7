package pagetable

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/gvm/device"
)

var _ = Describe("Tree", func() {
	var (
		layout device.Layout
		enc    device.Encoder
		alloc  *testAllocator
		pt     *Tree
	)

	apply := func(updates []Update) {
		for _, u := range updates {
			u.Page.Write(u.Ofs, u.Values)
		}
	}

	bind := func(req BindRequest) {
		pu, err := pt.PrepareBind(req)
		Expect(err).To(BeNil())
		apply(pu.Updates())
		pu.Commit()
	}

	unbind := func(start, end uint64) {
		pu, err := pt.PrepareUnbind(start, end, false)
		Expect(err).To(BeNil())
		apply(pu.Updates())
		pu.Commit()
		pu.FreePages()
	}

	BeforeEach(func() {
		layout = device.MakeLayout().WithLevels(3)
		enc = device.NewEncoder()
		alloc = newTestAllocator(layout.NumEntries())

		var err error
		pt, err = MakeBuilder().
			WithLayout(layout).
			WithAllocator(alloc).
			Build("PT")
		Expect(err).To(BeNil())
	})

	It("should start with only the root node", func() {
		Expect(pt.NodeCount()).To(Equal(1))
		Expect(alloc.livePages).To(Equal(1))
	})

	It("should reject unaligned and out-of-bounds ranges", func() {
		_, err := pt.PrepareBind(BindRequest{
			Start:     0x1000,
			End:       0x1800,
			Placement: flatPlacement{},
		})
		Expect(err).NotTo(BeNil())

		_, err = pt.PrepareUnbind(layout.Span(), layout.Span()+0x1000, false)
		Expect(err).NotTo(BeNil())
	})

	Context("binding eight base pages in one leaf", func() {
		placement := flatPlacement{base: 0x4000_0000}

		BeforeEach(func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_8000,
				Placement: placement,
			})
		})

		It("should create one directory chain and one leaf", func() {
			Expect(pt.NodeCount()).To(Equal(3))
			Expect(alloc.livePages).To(Equal(3))
		})

		It("should resolve each page to its backing address", func() {
			for i := uint64(0); i < 8; i++ {
				value, level, ok := pt.Lookup(0x20_0000 + i*0x1000)

				Expect(ok).To(BeTrue())
				Expect(level).To(Equal(uint(0)))
				Expect(enc.AddrOf(value)).
					To(Equal(placement.base + i*0x1000))
			}
		})

		It("should not resolve neighboring addresses", func() {
			_, _, ok := pt.Lookup(0x20_8000)
			Expect(ok).To(BeFalse())

			_, _, ok = pt.Lookup(0x1f_f000)
			Expect(ok).To(BeFalse())
		})

		It("should reclaim the whole chain on unbind", func() {
			unbind(0x20_0000, 0x20_8000)

			Expect(pt.NodeCount()).To(Equal(1))
			Expect(alloc.livePages).To(Equal(1))
			_, _, ok := pt.Lookup(0x20_0000)
			Expect(ok).To(BeFalse())
		})

		It("should depopulate idempotently", func() {
			unbind(0x20_0000, 0x20_8000)

			pu, err := pt.PrepareUnbind(0x20_0000, 0x20_8000, false)

			Expect(err).To(BeNil())
			Expect(pu.Updates()).To(BeEmpty())
			pu.Commit()
			Expect(pt.NodeCount()).To(Equal(1))
		})

		It("should round trip repeatedly without leaking nodes", func() {
			for i := 0; i < 3; i++ {
				unbind(0x20_0000, 0x20_8000)
				bind(BindRequest{
					Start:     0x20_0000,
					End:       0x20_8000,
					Placement: placement,
				})
			}

			Expect(pt.NodeCount()).To(Equal(3))
			Expect(alloc.livePages).To(Equal(3))
		})
	})

	Context("binding across two leaf tables", func() {
		BeforeEach(func() {
			bind(BindRequest{
				Start:     0x1f_f000,
				End:       0x20_1000,
				Placement: flatPlacement{base: 0x4000_0000},
			})
		})

		It("should keep the untouched leaf on partial unbind", func() {
			Expect(pt.NodeCount()).To(Equal(4))

			unbind(0x20_0000, 0x20_1000)

			Expect(pt.NodeCount()).To(Equal(3))
			_, _, ok := pt.Lookup(0x1f_f000)
			Expect(ok).To(BeTrue())
			_, _, ok = pt.Lookup(0x20_0000)
			Expect(ok).To(BeFalse())
		})
	})

	Context("folding", func() {
		It("should fold an aligned contiguous large range", func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x40_0000,
				Placement: flatPlacement{base: 0x4000_0000},
			})

			Expect(pt.NodeCount()).To(Equal(2))

			value, level, ok := pt.Lookup(0x30_0000)
			Expect(ok).To(BeTrue())
			Expect(level).To(Equal(uint(1)))
			Expect(enc.AddrOf(value)).To(Equal(uint64(0x4000_0000)))
		})

		It("should not fold CPU-pinned backing", func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x40_0000,
				Placement: flatPlacement{base: 0x4000_0000},
				CPUPinned: true,
			})

			_, level, ok := pt.Lookup(0x30_0000)
			Expect(ok).To(BeTrue())
			Expect(level).To(Equal(uint(0)))
			Expect(pt.NodeCount()).To(Equal(3))
		})

		It("should not fold fragmented backing", func() {
			bind(BindRequest{
				Start: 0x20_0000,
				End:   0x40_0000,
				Placement: fragmentedPlacement{
					flatPlacement{base: 0x4000_0000},
				},
			})

			_, level, ok := pt.Lookup(0x30_0000)
			Expect(ok).To(BeTrue())
			Expect(level).To(Equal(uint(0)))
		})

		It("should not fold misaligned physical backing", func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x40_0000,
				Placement: flatPlacement{base: 0x4000_1000},
			})

			_, level, ok := pt.Lookup(0x30_0000)
			Expect(ok).To(BeTrue())
			Expect(level).To(Equal(uint(0)))
		})

		It("should reclaim a folded translation on unbind", func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x40_0000,
				Placement: flatPlacement{base: 0x4000_0000},
			})

			unbind(0x20_0000, 0x40_0000)

			Expect(pt.NodeCount()).To(Equal(1))
		})

		It("should panic on binding over a live folded translation", func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x40_0000,
				Placement: flatPlacement{base: 0x4000_0000},
			})

			Expect(func() {
				_, _ = pt.PrepareBind(BindRequest{
					Start:     0x30_0000,
					End:       0x30_1000,
					Placement: flatPlacement{base: 0x5000_0000},
				})
			}).To(Panic())
		})
	})

	Context("two-phase updates", func() {
		It("should leave the tree untouched on abort", func() {
			pu, err := pt.PrepareBind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_8000,
				Placement: flatPlacement{base: 0x4000_0000},
			})
			Expect(err).To(BeNil())

			pu.Abort()

			Expect(pt.NodeCount()).To(Equal(1))
			Expect(alloc.livePages).To(Equal(1))
			_, _, ok := pt.Lookup(0x20_0000)
			Expect(ok).To(BeFalse())
		})

		It("should panic on a double commit", func() {
			pu, err := pt.PrepareBind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_1000,
				Placement: flatPlacement{base: 0x4000_0000},
			})
			Expect(err).To(BeNil())
			apply(pu.Updates())
			pu.Commit()

			Expect(func() { pu.Commit() }).To(Panic())
		})

		It("should coalesce adjacent entry stores into runs", func() {
			pu, err := pt.PrepareBind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_8000,
				Placement: flatPlacement{base: 0x4000_0000},
			})
			Expect(err).To(BeNil())
			defer pu.Abort()

			updates := pu.Updates()

			// One store per new directory entry, one eight-entry run
			// for the leaf.
			Expect(updates).To(HaveLen(3))
			Expect(updates[2].Values).To(HaveLen(8))
		})
	})

	Context("with the scratch policy", func() {
		var scratchPTE uint64

		BeforeEach(func() {
			scratch, err := alloc.AllocPTPage(0)
			Expect(err).To(BeNil())
			scratchPTE = enc.ScratchPTE(scratch.PhysAddr())

			pt, err = MakeBuilder().
				WithLayout(layout).
				WithAllocator(alloc).
				WithScratchPage(scratch).
				Build("ScratchPT")
			Expect(err).To(BeNil())
		})

		It("should prefill new leaves with the scratch translation", func() {
			pu, err := pt.PrepareBind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_1000,
				Placement: flatPlacement{base: 0x4000_0000},
			})
			Expect(err).To(BeNil())
			defer pu.Abort()

			var prefills int
			for _, u := range pu.Updates() {
				if len(u.Values) == int(layout.NumEntries()) {
					prefills++
					for _, v := range u.Values {
						Expect(v).To(Equal(scratchPTE))
					}
				}
			}

			// The new directory and the new leaf are both prefilled.
			Expect(prefills).To(Equal(2))
		})

		It("should clear entries back to the scratch translation", func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_1000,
				Placement: flatPlacement{base: 0x4000_0000},
			})

			pu, err := pt.PrepareUnbind(0x20_0000, 0x20_1000, false)
			Expect(err).To(BeNil())

			for _, u := range pu.Updates() {
				for _, v := range u.Values {
					Expect(v).To(Equal(scratchPTE))
				}
			}
			pu.Abort()
		})
	})

	Context("deferring page frees past the clear stores", func() {
		BeforeEach(func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_8000,
				Placement: flatPlacement{base: 0x4000_0000},
			})
		})

		It("should keep detached pages allocated until FreePages", func() {
			pu, err := pt.PrepareUnbind(0x20_0000, 0x20_8000, false)
			Expect(err).To(BeNil())
			apply(pu.Updates())
			pu.Commit()

			Expect(pt.NodeCount()).To(Equal(1))
			Expect(alloc.livePages).To(Equal(3))

			pu.FreePages()

			Expect(alloc.livePages).To(Equal(1))
		})

		It("should tolerate clear stores landing after Commit", func() {
			pu, err := pt.PrepareUnbind(0x20_0000, 0x20_8000, false)
			Expect(err).To(BeNil())
			updates := pu.Updates()
			pu.Commit()

			// Entry clears still queued on a device engine execute into
			// the detached pages. They must land on memory nobody has
			// reallocated yet.
			Expect(func() { apply(updates) }).NotTo(Panic())

			pu.FreePages()
			Expect(alloc.livePages).To(Equal(1))
		})
	})

	Context("retaining nodes across a rebind", func() {
		BeforeEach(func() {
			bind(BindRequest{
				Start:     0x20_0000,
				End:       0x20_8000,
				Placement: flatPlacement{base: 0x4000_0000},
			})
		})

		It("should clear translations without freeing nodes", func() {
			pu, err := pt.PrepareUnbind(0x20_0000, 0x20_8000, true)
			Expect(err).To(BeNil())
			apply(pu.Updates())
			pu.Commit()

			Expect(pt.NodeCount()).To(Equal(3))
			_, _, ok := pt.Lookup(0x20_0000)
			Expect(ok).To(BeFalse())
		})
	})

	It("should report occupancy per live node", func() {
		bind(BindRequest{
			Start:     0x20_0000,
			End:       0x20_8000,
			Placement: flatPlacement{base: 0x4000_0000},
		})

		occ := pt.DumpOccupancy()

		Expect(occ).To(HaveLen(3))
		var leafLive uint32
		for _, o := range occ {
			if o.Level == 0 {
				leafLive = o.NumLive
			}
		}
		Expect(leafLive).To(Equal(uint32(8)))
	})

	It("should free every node on destroy", func() {
		bind(BindRequest{
			Start:     0x20_0000,
			End:       0x20_8000,
			Placement: flatPlacement{base: 0x4000_0000},
		})

		pt.Destroy()

		Expect(alloc.livePages).To(Equal(0))
	})
})
