package hpt

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
)

// collidingVA returns the k-th page of segment 1 whose page index has its
// low 11 bits clear. All of them share one primary/secondary bucket pair in a
// 2048-bucket table.
func collidingVA(k int) uint64 {
	return vm.SegmentSize + uint64(k)*MinBuckets*vm.PageSize
}

func newDescriptor(va, pa uint64, managed bool) *Descriptor {
	d := &Descriptor{}
	d.Fill(va, pa, vm.ProtRW, vm.CacheWriteBack, managed, true)

	return d
}

var _ = Describe("Table", func() {
	var (
		mockCtrl *gomock.Controller
		barrier  *MockBarrier
		timeBase *MockTimeBase
		pages    *phys.PageArray
		table    *Table
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		barrier = NewMockBarrier(mockCtrl)
		timeBase = NewMockTimeBase(mockCtrl)
		pages = phys.NewPageArray(0, 64*vm.PageSize)

		table = MakeBuilder().
			WithNumBuckets(2048).
			WithBarrier(barrier).
			WithTimeBase(timeBase).
			WithTracker(pages).
			Build("HTAB")
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	allowBarriers := func() {
		barrier.EXPECT().PTESync().AnyTimes()
		barrier.EXPECT().EIEIO().AnyTimes()
		barrier.EXPECT().TLBIE(gomock.Any()).AnyTimes()
		barrier.EXPECT().TLBSync().AnyTimes()
	}

	It("should have 16384 slots with 2048 buckets", func() {
		Expect(table.NumBuckets()).To(Equal(uint64(2048)))
		Expect(table.Mask()).To(Equal(uint64(0x7ff)))
		Expect(table.SizeInBytes()).To(Equal(uint64(16384 * PTESize)))
	})

	It("should use the complement of the primary index as secondary", func() {
		idx := table.BucketIndex(KernelVSID(1), collidingVA(0))

		Expect(table.SecondaryIndex(idx)).To(Equal(^idx & 0x7ff))
		Expect(table.SecondaryIndex(table.SecondaryIndex(idx))).To(Equal(idx))
	})

	It("should install into the first free primary slot", func() {
		barrier.EXPECT().EIEIO()
		d := newDescriptor(0x1000_0000, 0x5000, false)

		table.Insert(d)

		Expect(d.Residency.Kind).To(Equal(Resident))
		Expect(d.Residency.Loc).To(Equal(Location{
			Bucket: table.BucketIndex(d.VSID, d.VAddr),
			Slot:   0,
		}))

		loc, found := table.Locate(d)
		Expect(found).To(BeTrue())
		Expect(table.Read(loc).Valid()).To(BeTrue())
		Expect(table.Read(loc).PAddr()).To(Equal(uint64(0x5000)))
		Expect(table.Stats().PrimaryHits).To(Equal(uint64(1)))
	})

	It("should find installed entries the way the hardware does", func() {
		allowBarriers()
		d := newDescriptor(0x1000_0000, 0x5000, false)
		table.Insert(d)

		loc, pte, found := table.Search(d.VPN())

		Expect(found).To(BeTrue())
		Expect(loc).To(Equal(d.Residency.Loc))
		Expect(pte.PAddr()).To(Equal(uint64(0x5000)))

		_, _, found = table.Search(VPNOf(d.VSID, d.VAddr+vm.PageSize))
		Expect(found).To(BeFalse())
	})

	It("should fall back to the secondary bucket", func() {
		allowBarriers()
		ds := make([]*Descriptor, SlotsPerBucket+1)
		for k := range ds {
			ds[k] = newDescriptor(collidingVA(k), uint64(k)*vm.PageSize, false)
			table.Insert(ds[k])
		}

		last := ds[SlotsPerBucket]
		Expect(last.Residency.Loc.Secondary).To(BeTrue())
		Expect(last.Residency.Loc.Bucket).To(Equal(
			table.SecondaryIndex(ds[0].Residency.Loc.Bucket)))
		Expect(table.Read(last.Residency.Loc).Secondary()).To(BeTrue())

		_, pte, found := table.Search(last.VPN())
		Expect(found).To(BeTrue())
		Expect(pte.PAddr()).To(Equal(last.PAddr()))
	})

	It("should run the invalidation protocol in order", func() {
		barrier.EXPECT().EIEIO()
		d := newDescriptor(0x1000_0000, 0x5000, true)
		table.Insert(d)
		loc := d.Residency.Loc

		page, _ := pages.PageFor(0x5000)
		table.RecordAccess(loc, table.Read(loc), true)

		gomock.InOrder(
			barrier.EXPECT().PTESync().Do(func() {
				Expect(table.Read(loc).Valid()).To(BeFalse())
				Expect(page.HasFlags(
					phys.FlagReferenced | phys.FlagModified)).To(BeTrue())
			}),
			barrier.EXPECT().TLBIE(d.VPN()),
			barrier.EXPECT().EIEIO(),
			barrier.EXPECT().TLBSync(),
			barrier.EXPECT().PTESync(),
		)

		Expect(table.Remove(d)).To(BeTrue())
		Expect(table.Read(loc)).To(Equal(PTE{}))
		Expect(d.Residency.Kind).To(Equal(Unmapped))
	})

	It("should harvest reference bits before clearing the valid bit", func() {
		allowBarriers()
		tracker := NewMockTracker(mockCtrl)
		table.tracker = tracker

		d := newDescriptor(0x1000_0000, 0x5000, true)
		table.Insert(d)
		loc := d.Residency.Loc
		table.RecordAccess(loc, table.Read(loc), false)

		page := &phys.Page{PAddr: 0x5000}
		tracker.EXPECT().PageFor(uint64(0x5000)).
			DoAndReturn(func(uint64) (*phys.Page, bool) {
				Expect(table.Read(loc).Valid()).To(BeTrue())
				return page, true
			})

		table.Remove(d)

		Expect(page.Flags()).To(Equal(phys.FlagReferenced))
	})

	It("should not harvest unmanaged entries", func() {
		allowBarriers()
		tracker := NewMockTracker(mockCtrl)
		table.tracker = tracker

		d := newDescriptor(0x1000_0000, 0x5000, false)
		table.Insert(d)
		table.RecordAccess(d.Residency.Loc, table.Read(d.Residency.Loc), true)

		table.Remove(d)

		Expect(table.Stats().Harvests).To(BeZero())
	})

	It("should make removal idempotent", func() {
		allowBarriers()
		d := newDescriptor(0x1000_0000, 0x5000, false)
		table.Insert(d)

		Expect(table.Remove(d)).To(BeTrue())
		Expect(table.Remove(d)).To(BeFalse())
		Expect(table.Stats().Invalidations).To(Equal(uint64(1)))
	})

	It("should replace a prior residency of the same descriptor", func() {
		allowBarriers()
		d := newDescriptor(0x1000_0000, 0x5000, false)
		table.Insert(d)

		d.PTE = MakePTE(d.VSID, d.VAddr, 0x6000, vm.ProtRW, vm.CacheWriteBack)
		table.Insert(d)

		Expect(table.Occupancy()).To(Equal(1))
		_, pte, found := table.Search(d.VPN())
		Expect(found).To(BeTrue())
		Expect(pte.PAddr()).To(Equal(uint64(0x6000)))
		Expect(table.Stats().Invalidations).To(Equal(uint64(1)))
	})

	Context("when both buckets are full", func() {
		var ds []*Descriptor

		BeforeEach(func() {
			allowBarriers()
			ds = make([]*Descriptor, 2*SlotsPerBucket)
			for k := range ds {
				ds[k] = newDescriptor(collidingVA(k), uint64(k)*vm.PageSize, true)
				table.Insert(ds[k])
			}

			for _, d := range ds {
				table.RecordAccess(d.Residency.Loc, table.Read(d.Residency.Loc), true)
			}
		})

		It("should evict exactly one entry on the 17th insert", func() {
			timeBase.EXPECT().Read().Return(uint64(16 + 3))
			victim := ds[3]

			d := newDescriptor(collidingVA(16), 20*vm.PageSize, true)
			table.Insert(d)

			Expect(table.Stats().Evictions).To(Equal(uint64(1)))
			Expect(d.Residency.Loc).To(Equal(victim.Residency.Loc))

			_, found := table.Locate(victim)
			Expect(found).To(BeFalse())

			for k, other := range ds {
				if k == 3 {
					continue
				}

				_, found := table.Locate(other)
				Expect(found).To(BeTrue())
			}

			page, _ := pages.PageFor(victim.PAddr())
			Expect(page.HasFlags(
				phys.FlagReferenced | phys.FlagModified)).To(BeTrue())
		})

		It("should choose victims in the secondary bucket", func() {
			timeBase.EXPECT().Read().Return(uint64(13))
			victim := ds[13]
			Expect(victim.Residency.Loc.Secondary).To(BeTrue())

			var invalidated []VPN
			table.barrier = recordingBarrier{vpns: &invalidated}

			d := newDescriptor(collidingVA(16), 20*vm.PageSize, false)
			table.Insert(d)

			Expect(invalidated).To(ConsistOf(victim.VPN()))
			Expect(d.Residency.Loc).To(Equal(Location{
				Bucket: victim.Residency.Loc.Bucket, Slot: 5, Secondary: true,
			}))
			Expect(table.Read(d.Residency.Loc).Secondary()).To(BeTrue())
		})

		It("should leave the new occupant alone when removing a victim", func() {
			timeBase.EXPECT().Read().Return(uint64(0))
			victim := ds[0]

			d := newDescriptor(collidingVA(16), 20*vm.PageSize, false)
			table.Insert(d)

			Expect(table.Remove(victim)).To(BeFalse())

			_, found := table.Locate(d)
			Expect(found).To(BeTrue())
		})
	})

	It("should reconstruct the virtual page of any entry", func() {
		allowBarriers()
		for _, va := range []uint64{
			0x0, 0x1234_5000, 0x7_fff_f000, 0xc000_0000_0012_3000,
		} {
			d := newDescriptor(va, 0x5000, false)
			table.Insert(d)

			loc := d.Residency.Loc
			Expect(table.vpnAt(loc.Bucket, table.Read(loc))).To(Equal(d.VPN()))
		}
	})

	It("should snapshot a bucket", func() {
		allowBarriers()
		d := newDescriptor(0x1000_0000, 0x5000, false)
		table.Insert(d)

		views := table.Snapshot(d.Residency.Loc.Bucket)

		Expect(views).To(HaveLen(SlotsPerBucket))
		Expect(views[0].Valid).To(BeTrue())
		Expect(views[0].PAddr).To(Equal(uint64(0x5000)))
		Expect(views[1].Valid).To(BeFalse())
	})
})

type recordingBarrier struct {
	vpns *[]VPN
}

func (recordingBarrier) PTESync() {}
func (recordingBarrier) EIEIO()   {}
func (recordingBarrier) TLBSync() {}

func (b recordingBarrier) TLBIE(vpn VPN) {
	*b.vpns = append(*b.vpns, vpn)
}

var _ = Describe("Builder", func() {
	It("should size the table from physical memory", func() {
		Expect(NumBucketsFor(0)).To(Equal(MinBuckets))
		Expect(NumBucketsFor(8 << 20)).To(Equal(MinBuckets))
		Expect(NumBucketsFor(64 << 20)).To(Equal(uint64(8192)))
		Expect(NumBucketsFor(1 << 30)).To(Equal(uint64(128 << 10)))
		Expect(NumBucketsFor(1<<30 + vm.PageSize)).To(Equal(uint64(256 << 10)))
	})

	It("should reject invalid bucket counts", func() {
		b := MakeBuilder().WithBarrier(recordingBarrier{vpns: &[]VPN{}})

		Expect(func() { b.WithNumBuckets(1024).Build("T") }).To(Panic())
		Expect(func() { b.WithNumBuckets(3000).Build("T") }).To(Panic())
		Expect(func() { MakeBuilder().Build("T") }).To(Panic())
	})
})
