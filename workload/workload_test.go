package workload_test

import (
	"context"
	"sync/atomic"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/sarchlab/hptsim/workload"
)

var _ = Describe("Workload", func() {
	var cfg workload.Config

	BeforeEach(func() {
		cfg = workload.DefaultConfig()
		cfg.MemorySize = 64 << 20
		cfg.NumCPUs = 2
		cfg.NumWorkers = 4
		cfg.PagesPerWorker = 64
		cfg.OpsPerWorker = 500
	})

	It("should reject bad configurations", func() {
		cfg.NumCPUs = 0
		_, err := workload.Boot(cfg)
		Expect(err).To(HaveOccurred())

		cfg.NumCPUs = 1
		cfg.MemorySize = 1 << 20
		_, err = workload.Boot(cfg)
		Expect(err).To(HaveOccurred())
	})

	It("should run a concurrent workload without mismatches", func() {
		env, err := workload.Boot(cfg)
		Expect(err).NotTo(HaveOccurred())
		defer env.Close()

		before := env.System.Stats().Mappings

		ops := make([]atomic.Uint64, cfg.NumWorkers)
		var failed atomic.Uint64
		res, err := workload.Run(context.Background(), env, cfg,
			func(worker int, err error) {
				ops[worker].Add(1)
				if err != nil {
					failed.Add(1)
				}
			})

		Expect(err).NotTo(HaveOccurred())
		Expect(failed.Load()).To(BeZero())
		for w := range ops {
			Expect(ops[w].Load()).To(Equal(uint64(cfg.OpsPerWorker)))
		}
		Expect(res.Enters).To(BeNumerically(">", 0))
		Expect(res.Translations).To(BeNumerically(">", 0))
		Expect(env.System.Stats().Mappings).To(Equal(before))
	})

	It("should keep translations right on a small table", func() {
		cfg.MemorySize = 256 << 20
		cfg.NumBuckets = workload.ScenarioBuckets
		cfg.NumWorkers = 2
		cfg.PagesPerWorker = 4096
		cfg.OpsPerWorker = 3000

		env, err := workload.Boot(cfg)
		Expect(err).NotTo(HaveOccurred())
		defer env.Close()

		_, err = workload.Run(context.Background(), env, cfg, nil)

		Expect(err).NotTo(HaveOccurred())
	})

	It("should stop when the context is canceled", func() {
		env, err := workload.Boot(cfg)
		Expect(err).NotTo(HaveOccurred())
		defer env.Close()

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err = workload.Run(ctx, env, cfg, nil)

		Expect(err).To(MatchError(context.Canceled))
	})
})

var _ = Describe("Scenario", func() {
	It("should pass on a 2048-bucket table", func() {
		cfg := workload.DefaultConfig()
		cfg.MemorySize = 64 << 20
		cfg.NumCPUs = 1
		cfg.NumBuckets = workload.ScenarioBuckets

		env, err := workload.Boot(cfg)
		Expect(err).NotTo(HaveOccurred())
		defer env.Close()

		frame, err := env.Alloc.AllocPages(1)
		Expect(err).NotTo(HaveOccurred())

		checks := workload.Scenario(env.System, frame)

		Expect(checks).To(HaveLen(7))
		Expect(workload.Passed(checks)).To(BeTrue(), "%v", checks)
	})

	It("should report a wrong table size", func() {
		cfg := workload.DefaultConfig()
		cfg.MemorySize = 64 << 20
		cfg.NumCPUs = 1

		env, err := workload.Boot(cfg)
		Expect(err).NotTo(HaveOccurred())
		defer env.Close()

		frame, err := env.Alloc.AllocPages(1)
		Expect(err).NotTo(HaveOccurred())

		checks := workload.Scenario(env.System, frame)

		Expect(checks[0].Passed).To(BeFalse())
		Expect(workload.Passed(checks)).To(BeFalse())
	})
})
