package mmu

import (
	"fmt"
	"log"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/mem/vm/tlb"
)

// A Builder can build machines.
type Builder struct {
	numCPUs     int
	tlbNumSets  int
	tlbNumWays  int
	snoopDepth  int
	storage     *phys.Storage
	storageSize uint64
}

// MakeBuilder creates a new builder
func MakeBuilder() Builder {
	return Builder{
		numCPUs:     1,
		tlbNumSets:  16,
		tlbNumWays:  4,
		snoopDepth:  64,
		storageSize: 64 << 20,
	}
}

// WithNumCPUs sets the number of processors.
func (b Builder) WithNumCPUs(n int) Builder {
	b.numCPUs = n
	return b
}

// WithTLBNumSets sets the number of sets of every TLB.
func (b Builder) WithTLBNumSets(n int) Builder {
	b.tlbNumSets = n
	return b
}

// WithTLBNumWays sets the number of ways of every TLB set.
func (b Builder) WithTLBNumWays(n int) Builder {
	b.tlbNumWays = n
	return b
}

// WithSnoopDepth sets how many invalidations can be queued at a CPU before
// TLBIE blocks.
func (b Builder) WithSnoopDepth(n int) Builder {
	b.snoopDepth = n
	return b
}

// WithStorage sets the physical storage the machine uses.
func (b Builder) WithStorage(s *phys.Storage) Builder {
	b.storage = s
	return b
}

// WithStorageSize sets the size of the storage created when none is given.
func (b Builder) WithStorageSize(size uint64) Builder {
	b.storageSize = size
	return b
}

// Build creates a machine and starts its CPUs. Call Close to stop them.
func (b Builder) Build(name string) *Machine {
	if b.numCPUs <= 0 {
		log.Panicf("machine %s needs at least one CPU", name)
	}

	m := &Machine{
		name:    name,
		storage: b.storage,
	}

	if m.storage == nil {
		m.storage = phys.NewStorage(b.storageSize)
	}

	for i := 0; i < b.numCPUs; i++ {
		cpuName := fmt.Sprintf("%s.CPU[%d]", name, i)
		c := &CPU{
			id:      i,
			name:    cpuName,
			machine: m,
			snoop:   make(chan hpt.VPN, b.snoopDepth),
			tlb: tlb.MakeBuilder().
				WithNumSets(b.tlbNumSets).
				WithNumWays(b.tlbNumWays).
				Build(cpuName + ".TLB"),
		}

		m.cpus = append(m.cpus, c)
	}

	m.start()

	return m
}
