package pmap

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/mem/vm/mmu"
)

const (
	scratchBase = uint64(0xC000_0000)
	framesBase  = uint64(0x0200_0000)
)

// collidingVA returns the k-th kernel page of segment 1 that shares its
// primary and secondary bucket with all the others in a 2048-bucket table.
func collidingVA(k int) uint64 {
	return vm.SegmentSize + uint64(k)*hpt.MinBuckets*vm.PageSize
}

func frame(k int) uint64 {
	return framesBase + uint64(k)*vm.PageSize
}

var _ = Describe("System", func() {
	var (
		mockCtrl *gomock.Controller
		timeBase *MockTimeBase
		machine  *mmu.Machine
		pages    *phys.PageArray
		table    *hpt.Table
		s        *System
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		timeBase = NewMockTimeBase(mockCtrl)
		machine = mmu.MakeBuilder().WithNumCPUs(2).Build("M")
		pages = phys.NewPageArray(framesBase, 64*vm.PageSize)

		table = hpt.MakeBuilder().
			WithNumBuckets(2048).
			WithBarrier(machine).
			WithTimeBase(timeBase).
			WithTracker(pages).
			Build("HTAB")

		s = MakeBuilder().
			WithTable(table).
			WithTracker(pages).
			WithStorage(machine.Storage()).
			WithScratchPages(scratchBase, 2).
			Build("Pmap")
	})

	AfterEach(func() {
		machine.Close()
		mockCtrl.Finish()
	})

	Context("in the 2048-bucket scenario", func() {
		It("should map, extract and unmap one page", func() {
			Expect(table.NumBuckets() * hpt.SlotsPerBucket).
				To(Equal(uint64(16384)))

			s.KEnter(0x0010_0000, 0x0020_0000, vm.ProtRW, vm.CacheWriteBack)

			pa, ok := s.Extract(s.Kernel(), 0x0010_0000)
			Expect(ok).To(BeTrue())
			Expect(pa).To(Equal(uint64(0x0020_0000)))

			pa, ok = s.Extract(s.Kernel(), 0x0010_0000+1)
			Expect(ok).To(BeTrue())
			Expect(pa).To(Equal(uint64(0x0020_0001)))

			s.KRemove(0x0010_0000, 0x0010_1000)

			_, ok = s.Extract(s.Kernel(), 0x0010_0000)
			Expect(ok).To(BeFalse())
			Expect(table.Occupancy()).To(BeZero())
		})
	})

	It("should not tear down a mapping once the machine is closed", func() {
		s.KEnter(0x0010_0000, 0x0020_0000, vm.ProtRW, vm.CacheWriteBack)
		machine.Close()

		Expect(func() { s.KRemove(0x0010_0000, 0x0010_1000) }).
			To(PanicWith(ContainSubstring("TLBIE after Close")))
	})

	It("should round trip every mapping until it is removed", func() {
		mappings := []struct {
			va, pa uint64
			prot   vm.Prot
		}{
			{0x0000_3000, 0x0000_7000, vm.ProtRead},
			{0x1234_5000, 0x0200_1000, vm.ProtRW},
			{0x7fff_f000, 0x0000_0000, vm.ProtRX},
			{0xC000_0000_1000_0000, 0x3_0000_0000, vm.ProtAll},
		}

		for _, m := range mappings {
			s.KEnter(m.va, m.pa, m.prot, vm.CacheWriteBack)
		}

		for _, m := range mappings {
			pa, ok := s.Extract(s.Kernel(), m.va|0x123)
			Expect(ok).To(BeTrue())
			Expect(pa).To(Equal(m.pa | 0x123))
		}

		s.KRemove(mappings[1].va, mappings[1].va+vm.PageSize)

		_, ok := s.Extract(s.Kernel(), mappings[1].va)
		Expect(ok).To(BeFalse())
		_, ok = s.Extract(s.Kernel(), mappings[2].va)
		Expect(ok).To(BeTrue())
	})

	It("should replace a previous mapping of the same page", func() {
		s.KEnter(0x0010_0000, frame(1), vm.ProtRW, vm.CacheWriteBack)
		s.KEnter(0x0010_0000, frame(2), vm.ProtRW, vm.CacheWriteBack)

		Expect(table.Occupancy()).To(Equal(1))
		Expect(s.Stats().Mappings).To(Equal(1))

		pa, ok := s.Extract(s.Kernel(), 0x0010_0000)
		Expect(ok).To(BeTrue())
		Expect(pa).To(Equal(frame(2)))
	})

	It("should clear the executable attribute of pages mapped writable", func() {
		page, _ := pages.PageFor(frame(0))
		page.SetFlags(phys.FlagExecutable)

		s.KEnter(0x0010_0000, frame(0), vm.ProtRX, vm.CacheWriteBack)
		Expect(page.HasFlags(phys.FlagExecutable)).To(BeTrue())

		s.KEnter(0x0010_0000, frame(0), vm.ProtRW, vm.CacheWriteBack)
		Expect(page.HasFlags(phys.FlagExecutable)).To(BeFalse())
	})

	It("should map and unmap page lists", func() {
		s.QEnter(0x0010_0000, []uint64{frame(3), frame(1), frame(2)})

		pa, ok := s.Extract(s.Kernel(), 0x0010_1000)
		Expect(ok).To(BeTrue())
		Expect(pa).To(Equal(frame(1)))

		s.QRemove(0x0010_0000, 3)

		Expect(table.Occupancy()).To(BeZero())
	})

	It("should resolve the kernel image without the table", func() {
		s = MakeBuilder().
			WithTable(table).
			WithStorage(machine.Storage()).
			WithKernelImage(phys.Region{Addr: 0x0040_0000, Size: 0x1_0000}).
			Build("Pmap")

		pa, ok := s.Extract(s.Kernel(), 0x0040_0123)

		Expect(ok).To(BeTrue())
		Expect(pa).To(Equal(uint64(0x0040_0123)))
		Expect(table.Occupancy()).To(BeZero())

		_, ok = s.Extract(s.Kernel(), 0x0041_0000)
		Expect(ok).To(BeFalse())
	})

	Context("when 17 pages share a bucket pair", func() {
		BeforeEach(func() {
			for k := 0; k < 2*hpt.SlotsPerBucket; k++ {
				s.KEnter(collidingVA(k), frame(k), vm.ProtRW, vm.CacheWriteBack)
				s.touch(collidingVA(k), true)
			}

			Expect(table.Stats().Evictions).To(BeZero())
		})

		It("should evict exactly one of them and harvest its bits", func() {
			timeBase.EXPECT().Read().Return(uint64(3))

			s.KEnter(collidingVA(16), frame(16), vm.ProtRW, vm.CacheWriteBack)

			Expect(table.Stats().Evictions).To(Equal(uint64(1)))
			Expect(s.Resident(collidingVA(3))).To(BeFalse())
			Expect(s.Resident(collidingVA(16))).To(BeTrue())

			for k := 0; k < 2*hpt.SlotsPerBucket; k++ {
				if k != 3 {
					Expect(s.Resident(collidingVA(k))).To(BeTrue())
				}
			}

			victim, _ := pages.PageFor(frame(3))
			Expect(victim.HasFlags(
				phys.FlagReferenced | phys.FlagModified)).To(BeTrue())

			other, _ := pages.PageFor(frame(4))
			Expect(other.Flags()).To(BeZero())
		})

		It("should still extract an evicted mapping", func() {
			timeBase.EXPECT().Read().Return(uint64(3))
			s.KEnter(collidingVA(16), frame(16), vm.ProtRW, vm.CacheWriteBack)

			pa, ok := s.Extract(s.Kernel(), collidingVA(3)+8)

			Expect(ok).To(BeTrue())
			Expect(pa).To(Equal(frame(3) + 8))
		})

		It("should spill an evicted mapping back", func() {
			gomock.InOrder(
				timeBase.EXPECT().Read().Return(uint64(3)),
				timeBase.EXPECT().Read().Return(uint64(12)),
			)
			s.KEnter(collidingVA(16), frame(16), vm.ProtRW, vm.CacheWriteBack)

			Expect(s.Spill(collidingVA(3))).To(BeTrue())
			Expect(s.Spill(collidingVA(3))).To(BeFalse())
			Expect(s.Spill(0x0010_0000)).To(BeFalse())

			Expect(s.Resident(collidingVA(3))).To(BeTrue())
			Expect(s.Resident(collidingVA(12))).To(BeFalse())
			Expect(s.Stats().Spills).To(Equal(uint64(1)))
		})

		It("should remove an evicted mapping without touching the table", func() {
			timeBase.EXPECT().Read().Return(uint64(3))
			s.KEnter(collidingVA(16), frame(16), vm.ProtRW, vm.CacheWriteBack)
			before := table.Stats().Invalidations

			s.KRemove(collidingVA(3), collidingVA(3)+vm.PageSize)

			Expect(table.Stats().Invalidations).To(Equal(before))
			Expect(table.Occupancy()).To(Equal(16))
			_, ok := s.Extract(s.Kernel(), collidingVA(3))
			Expect(ok).To(BeFalse())
		})
	})

	It("should panic on a non-kernel pmap", func() {
		user := &Pmap{pid: 7}

		Expect(func() {
			s.Enter(user, 0x1000, 0x2000, vm.ProtRW, vm.CacheWriteBack)
		}).To(Panic())
		Expect(func() { s.Remove(user, 0x1000, 0x2000) }).To(Panic())
		Expect(func() { s.Extract(user, 0x1000) }).To(Panic())
		Expect(func() { s.Extract(nil, 0x1000) }).To(Panic())
	})

	It("should accept the kernel pmap", func() {
		s.Enter(s.Kernel(), 0x1000, 0x2000, vm.ProtRW, vm.CacheWriteBack)

		pa, ok := s.Extract(s.Kernel(), 0x1000)
		Expect(ok).To(BeTrue())
		Expect(pa).To(Equal(uint64(0x2000)))

		s.Remove(s.Kernel(), 0x1000, 0x2000)
		Expect(s.Kernel().IsKernel()).To(BeTrue())
		Expect(table.Occupancy()).To(BeZero())
	})

	It("should report the per-process operations as unsupported", func() {
		pm, err := s.Create()
		Expect(pm).To(BeNil())
		Expect(err).To(MatchError(ErrNotSupported))

		Expect(s.Destroy(s.Kernel())).To(MatchError(ErrNotSupported))
		Expect(s.Copy(s.Kernel(), s.Kernel(), 0, 0, 0)).
			To(MatchError(ErrNotSupported))
		Expect(s.Protect(s.Kernel(), 0, vm.PageSize, vm.ProtRead)).
			To(MatchError(ErrNotSupported))
		Expect(s.PageProtect(frame(0), vm.ProtNone)).
			To(MatchError(ErrNotSupported))

		Expect(s.IsModified(frame(0))).To(BeFalse())
		Expect(s.IsReferenced(frame(0))).To(BeFalse())
		Expect(s.ClearModify(frame(0))).To(BeFalse())
		Expect(s.ClearReference(frame(0))).To(BeFalse())
		Expect(s.TsReferenced(frame(0))).To(BeZero())
	})
})

var _ = Describe("System removal", func() {
	var (
		mockCtrl *gomock.Controller
		barrier  *MockBarrier
		s        *System
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		barrier = NewMockBarrier(mockCtrl)

		table := hpt.MakeBuilder().WithBarrier(barrier).Build("HTAB")
		s = MakeBuilder().
			WithTable(table).
			WithStorage(phys.NewStorage(1 << 20)).
			Build("Pmap")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should be idempotent", func() {
		barrier.EXPECT().EIEIO().Times(2)
		s.KEnter(0x0010_0000, 0x0020_0000, vm.ProtRW, vm.CacheWriteBack)

		barrier.EXPECT().PTESync().Times(2)
		barrier.EXPECT().TLBIE(hpt.VPNOf(hpt.KernelVSID(0), 0x0010_0000))
		barrier.EXPECT().TLBSync()

		s.KRemove(0x0010_0000, 0x0010_1000)
		s.KRemove(0x0010_0000, 0x0010_1000)

		Expect(s.Stats().Removes).To(Equal(uint64(1)))
	})

	It("should skip pages that were never mapped", func() {
		s.KRemove(0, 16*vm.PageSize)

		Expect(s.Stats().Removes).To(BeZero())
	})
})
