// Package workload boots a simulated machine and drives the kernel mapping
// interface from many goroutines at once.
package workload

import (
	"fmt"
	"log"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/mmu"
	"github.com/sarchlab/hptsim/mem/vm/pmap"
)

// Fixed layout of the simulated machine.
const (
	KernelBase     = uint64(0x0040_0000)
	KernelTextSize = uint64(0x0010_0000)
	KernelSize     = uint64(0x0040_0000)
	FirstFreeAddr  = uint64(0x0100_0000)
	KernelVAStart  = uint64(0xC000_0000)
	KernelVAEnd    = KernelVAStart + vm.SegmentSize

	// workVAStart leaves room for the scratch pages at the start of the
	// kernel range.
	workVAStart = KernelVAStart + 0x0100_0000
)

// Config describes the machine and the load put on it.
type Config struct {
	NumCPUs        int
	MemorySize     uint64
	NumBuckets     uint64
	TLBNumSets     int
	TLBNumWays     int
	NumWorkers     int
	PagesPerWorker int
	OpsPerWorker   int
	Seed           int64
	Logger         *log.Logger
}

// DefaultConfig returns a small machine with one worker per CPU.
func DefaultConfig() Config {
	return Config{
		NumCPUs:        4,
		MemorySize:     256 << 20,
		TLBNumSets:     16,
		TLBNumWays:     4,
		NumWorkers:     4,
		PagesPerWorker: 256,
		OpsPerWorker:   10000,
		Seed:           1,
	}
}

func (c Config) validate() error {
	switch {
	case c.NumCPUs <= 0:
		return fmt.Errorf("number of CPUs must be positive, got %d", c.NumCPUs)
	case c.MemorySize < 2*FirstFreeAddr:
		return fmt.Errorf("memory size %#x is below the minimum %#x",
			c.MemorySize, 2*FirstFreeAddr)
	case c.NumWorkers <= 0 || c.PagesPerWorker <= 0:
		return fmt.Errorf("need at least one worker and one page per worker")
	case uint64(c.NumWorkers*c.PagesPerWorker)*vm.PageSize >
		KernelVAEnd-workVAStart:
		return fmt.Errorf("%d workers with %d pages do not fit the kernel range",
			c.NumWorkers, c.PagesPerWorker)
	}

	return nil
}

// Env is a booted machine.
type Env struct {
	Machine *mmu.Machine
	System  *pmap.System
	Tracker *phys.PageArray
	Alloc   *phys.BumpAllocator
}

// Boot builds a machine and runs the pmap bootstrap on it.
func Boot(cfg Config) (*Env, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	machine := mmu.MakeBuilder().
		WithNumCPUs(cfg.NumCPUs).
		WithTLBNumSets(cfg.TLBNumSets).
		WithTLBNumWays(cfg.TLBNumWays).
		WithStorageSize(cfg.MemorySize).
		Build("Machine")

	tracker := phys.NewPageArray(0, cfg.MemorySize)

	system, err := pmap.Bootstrap(pmap.BootConfig{
		MemoryRegions: phys.NewRegionList(phys.Region{
			Addr: FirstFreeAddr,
			Size: cfg.MemorySize - FirstFreeAddr,
		}),
		NumBuckets: cfg.NumBuckets,
		KernelImage: pmap.KernelImage{
			Base:     KernelBase,
			TextSize: KernelTextSize,
			Size:     KernelSize,
		},
		KernelVAStart: KernelVAStart,
		KernelVAEnd:   KernelVAEnd,
		Logger:        cfg.Logger,
	}, machine, tracker)
	if err != nil {
		machine.Close()
		return nil, fmt.Errorf("boot: %w", err)
	}

	return &Env{
		Machine: machine,
		System:  system,
		Tracker: tracker,
		Alloc:   phys.NewBumpAllocator(system.FreeRegions()),
	}, nil
}

// Close stops the processors.
func (e *Env) Close() {
	e.Machine.Close()
}

// ReclaimFrames returns every frame handed out since boot to the allocator.
// Nothing may still map them.
func (e *Env) ReclaimFrames() {
	e.Alloc = phys.NewBumpAllocator(e.System.FreeRegions())
}
