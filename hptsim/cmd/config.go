package cmd

import (
	"log"
	"os"

	"github.com/shirou/gopsutil/cpu"
	"github.com/spf13/cobra"

	"github.com/sarchlab/hptsim/workload"
)

func defaultNumCPUs() int {
	n, err := cpu.Counts(true)
	if err != nil || n <= 0 {
		return workload.DefaultConfig().NumCPUs
	}

	return min(n, 16)
}

func addMachineFlags(cmd *cobra.Command) {
	def := workload.DefaultConfig()

	cmd.Flags().Int("cpus", defaultNumCPUs(), "number of processors")
	cmd.Flags().Uint64("memory-mb", def.MemorySize>>20,
		"physical memory size in MiB")
	cmd.Flags().Uint64("buckets", 0,
		"number of hash table buckets, 0 to size by memory")
	cmd.Flags().Int("tlb-sets", def.TLBNumSets, "number of sets of each TLB")
	cmd.Flags().Int("tlb-ways", def.TLBNumWays, "number of ways of each TLB")
	cmd.Flags().Bool("verbose", false, "log the boot summary")
}

func addWorkloadFlags(cmd *cobra.Command) {
	def := workload.DefaultConfig()

	cmd.Flags().Int("workers", 0, "number of workers, 0 for one per CPU")
	cmd.Flags().Int("pages", def.PagesPerWorker, "kernel pages per worker")
	cmd.Flags().Int("ops", def.OpsPerWorker, "operations per worker")
	cmd.Flags().Int64("seed", def.Seed, "random seed")
}

// configFromFlags reads the flags added by addMachineFlags and, when
// present, addWorkloadFlags.
func configFromFlags(cmd *cobra.Command) workload.Config {
	cfg := workload.DefaultConfig()
	flags := cmd.Flags()

	cfg.NumCPUs, _ = flags.GetInt("cpus")
	memoryMB, _ := flags.GetUint64("memory-mb")
	cfg.MemorySize = memoryMB << 20
	cfg.NumBuckets, _ = flags.GetUint64("buckets")
	cfg.TLBNumSets, _ = flags.GetInt("tlb-sets")
	cfg.TLBNumWays, _ = flags.GetInt("tlb-ways")

	if verbose, _ := flags.GetBool("verbose"); verbose {
		cfg.Logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	if flags.Lookup("workers") != nil {
		cfg.NumWorkers, _ = flags.GetInt("workers")
		if cfg.NumWorkers == 0 {
			cfg.NumWorkers = cfg.NumCPUs
		}

		cfg.PagesPerWorker, _ = flags.GetInt("pages")
		cfg.OpsPerWorker, _ = flags.GetInt("ops")
		cfg.Seed, _ = flags.GetInt64("seed")
	}

	return cfg
}
