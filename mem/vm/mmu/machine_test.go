package mmu

import (
	"sync"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/mem/vm/tlb"
	"github.com/sarchlab/hptsim/sim/hooking"
)

type vpnRecorder struct {
	lock sync.Mutex
	vpns []hpt.VPN
}

func (r *vpnRecorder) Func(ctx hooking.HookCtx) {
	r.lock.Lock()
	defer r.lock.Unlock()

	r.vpns = append(r.vpns, ctx.Item.(hpt.VPN))
}

var _ = Describe("Machine", func() {
	var (
		m   *Machine
		vpn hpt.VPN
	)

	BeforeEach(func() {
		m = MakeBuilder().WithNumCPUs(4).WithSnoopDepth(1).Build("M")
		vpn = hpt.VPN{VSID: hpt.KernelVSID(1), PageIndex: 5}
	})

	AfterEach(func() {
		m.Close()
	})

	It("should name its CPUs", func() {
		Expect(m.NumCPUs()).To(Equal(4))
		Expect(m.CPUs()[2].Name()).To(Equal("M.CPU[2]"))
		Expect(m.CPUs()[2].TLB().Name()).To(Equal("M.CPU[2].TLB"))
	})

	It("should drop the page from every TLB before TLBSync returns", func() {
		for _, c := range m.CPUs() {
			c.TLB().Insert(tlb.Entry{VPN: vpn})
		}

		m.TLBIE(vpn)
		m.TLBSync()

		for _, c := range m.CPUs() {
			_, found := c.TLB().Lookup(vpn)
			Expect(found).To(BeFalse())
		}
	})

	It("should only drop the invalidated page", func() {
		other := hpt.VPN{VSID: vpn.VSID, PageIndex: 6}
		c := m.CPUs()[0]
		c.TLB().Insert(tlb.Entry{VPN: vpn})
		c.TLB().Insert(tlb.Entry{VPN: other})

		m.TLBIE(vpn)
		m.TLBSync()

		_, found := c.TLB().Lookup(other)
		Expect(found).To(BeTrue())
	})

	It("should handle more invalidations than the snoop queue holds", func() {
		for i := uint64(0); i < 32; i++ {
			m.TLBIE(hpt.VPN{VSID: vpn.VSID, PageIndex: i})
		}

		m.TLBSync()

		Expect(m.CPUs()[3].TLB().Stats().Invalidations).To(Equal(uint64(32)))
	})

	It("should return from TLBSync with nothing outstanding", func() {
		done := make(chan struct{})

		go func() {
			m.TLBSync()
			close(done)
		}()

		Eventually(done, time.Second).Should(BeClosed())
	})

	It("should count barriers", func() {
		m.PTESync()
		m.TLBIE(vpn)
		m.EIEIO()
		m.TLBSync()
		m.PTESync()

		Expect(m.BarrierStats()).To(Equal(BarrierStats{
			PTESyncs: 2,
			TLBIEs:   1,
			EIEIOs:   1,
			TLBSyncs: 1,
		}))
	})

	It("should invoke hooks on broadcast", func() {
		r := &vpnRecorder{}
		m.AcceptHook(r)

		m.TLBIE(vpn)
		m.TLBSync()

		Expect(r.vpns).To(ConsistOf(vpn))
	})

	It("should close once", func() {
		m.Close()
		Expect(m.Close).NotTo(Panic())
	})

	It("should refuse to broadcast after Close", func() {
		m.TLBIE(vpn)
		m.TLBSync()
		m.Close()

		Expect(func() { m.TLBIE(vpn) }).
			To(PanicWith(ContainSubstring("M: TLBIE after Close")))
		Expect(m.BarrierStats().TLBIEs).To(Equal(uint64(1)))
		Expect(m.TLBSync).NotTo(Panic())
	})

	It("should panic without CPUs", func() {
		Expect(func() { MakeBuilder().WithNumCPUs(0).Build("M") }).To(Panic())
	})
})
