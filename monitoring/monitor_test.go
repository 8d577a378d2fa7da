package monitoring

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/mem/vm/mmu"
	"github.com/sarchlab/hptsim/mem/vm/pmap"
)

var _ = Describe("Monitor", func() {
	const (
		memSize = uint64(0x0400_0000)
		kva     = uint64(0xC000_0000)
	)

	var (
		machine *mmu.Machine
		system  *pmap.System
		m       *Monitor
		server  *httptest.Server
	)

	get := func(path string) *http.Response {
		rsp, err := http.Get(server.URL + path)
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(rsp.Body.Close)

		return rsp
	}

	decode := func(rsp *http.Response, v any) {
		Expect(rsp.StatusCode).To(Equal(http.StatusOK))
		Expect(json.NewDecoder(rsp.Body).Decode(v)).To(Succeed())
	}

	BeforeEach(func() {
		var err error

		machine = mmu.MakeBuilder().
			WithNumCPUs(2).
			WithStorageSize(memSize).
			Build("M")
		system, err = pmap.Bootstrap(pmap.BootConfig{
			MemoryRegions: phys.NewRegionList(
				phys.Region{Addr: 0x0100_0000, Size: memSize - 0x0100_0000}),
			KernelImage: pmap.KernelImage{
				Base:     0x0040_0000,
				TextSize: 0x4000,
				Size:     0x1_0000,
			},
			KernelVAStart: kva,
			KernelVAEnd:   kva + vm.SegmentSize,
		}, machine, phys.NewPageArray(0, memSize))
		Expect(err).NotTo(HaveOccurred())

		m = NewMonitor()
		m.RegisterSystem(system)
		m.RegisterMachine(machine)
		server = httptest.NewServer(m.Router())
	})

	AfterEach(func() {
		server.Close()
		machine.Close()
	})

	It("should report the statistics", func() {
		system.KEnter(kva+0x10_0000, 0x0200_0000, vm.ProtRW, vm.CacheWriteBack)

		var rsp statsRsp
		decode(get("/api/stats"), &rsp)

		Expect(rsp.System).To(Equal("M.Pmap"))
		Expect(rsp.Pmap.Mappings).To(Equal(system.Stats().Mappings))
		Expect(rsp.Occupancy).To(Equal(system.Table().Occupancy()))
		Expect(rsp.Buckets).To(Equal(system.Table().NumBuckets()))
		Expect(rsp.Barriers.TLBIEs).To(Equal(machine.BarrierStats().TLBIEs))
		Expect(rsp.TLBs).To(HaveLen(2))
		Expect(rsp.TLBs[1].Name).To(Equal("M.CPU[1].TLB"))
	})

	It("should show the content of a bucket", func() {
		va := kva + 0x10_0000
		system.KEnter(va, 0x0200_0000, vm.ProtRW, vm.CacheWriteBack)
		idx := system.Table().BucketIndex(hpt.KernelVSID(hpt.ESID(va)), va)

		var slots []hpt.SlotView
		decode(get("/api/bucket/"+jsonNumber(idx)), &slots)

		Expect(slots).To(HaveLen(hpt.SlotsPerBucket))
		Expect(slots).To(ContainElement(And(
			HaveField("Valid", BeTrue()),
			HaveField("PAddr", uint64(0x0200_0000)),
		)))
	})

	It("should reject bad bucket indices", func() {
		Expect(get("/api/bucket/xyz").StatusCode).
			To(Equal(http.StatusBadRequest))
		Expect(get("/api/bucket/" + jsonNumber(system.Table().NumBuckets())).
			StatusCode).To(Equal(http.StatusBadRequest))
	})

	It("should list the SLB of a processor", func() {
		var slb []mmu.SLBEntry
		decode(get("/api/cpu/1/slb"), &slb)

		Expect(slb).To(Equal(machine.CPUs()[1].SLB()))
		Expect(get("/api/cpu/2/slb").StatusCode).
			To(Equal(http.StatusBadRequest))
	})

	It("should list components", func() {
		var names []string
		decode(get("/api/list_components"), &names)

		Expect(names).To(ConsistOf(
			system.Table().Name(), "M",
			"M.CPU[0]", "M.CPU[0].TLB",
			"M.CPU[1]", "M.CPU[1].TLB",
		))
	})

	It("should return 404 for unknown components", func() {
		Expect(get("/api/component/none").StatusCode).
			To(Equal(http.StatusNotFound))
	})

	It("should track the progress of every worker of a round", func() {
		bar := m.CreateProgressBar("round 1", 2, 10)
		bar.Record(0, nil)
		bar.Record(0, nil)
		bar.Record(1, nil)
		bar.Record(1, errors.New("mismatch"))
		bar.Record(2, nil)

		var rounds []RoundProgress
		decode(get("/api/progress"), &rounds)
		Expect(rounds).To(HaveLen(1))
		Expect(rounds[0].Name).To(Equal("round 1"))
		Expect(rounds[0].Total).To(Equal(uint64(10)))
		Expect(rounds[0].Completed).To(Equal(uint64(3)))
		Expect(rounds[0].Failed).To(Equal(uint64(1)))
		Expect(rounds[0].Workers).To(Equal([]WorkerProgress{
			{Completed: 2},
			{Completed: 1, Failed: 1},
		}))

		m.CompleteProgressBar(bar)
		decode(get("/api/progress"), &rounds)
		Expect(rounds).To(BeEmpty())
	})

	It("should count concurrent records", func() {
		bar := m.CreateProgressBar("round 2", 4, 4000)

		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					bar.Record(w, nil)
				}
			}(w)
		}
		wg.Wait()

		p := bar.Snapshot()
		Expect(p.Completed).To(Equal(p.Total))
		Expect(p.Workers).To(HaveEach(WorkerProgress{Completed: 1000}))
	})

	It("should report resource usage", func() {
		var rsp resourceRsp
		decode(get("/api/resource"), &rsp)

		Expect(rsp.MemorySize).To(BeNumerically(">", 0))
	})

	It("should serve the web page", func() {
		Expect(get("/").StatusCode).To(Equal(http.StatusOK))
	})
})

func jsonNumber(n uint64) string {
	b, _ := json.Marshal(n)
	return string(b)
}
