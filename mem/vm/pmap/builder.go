package pmap

import (
	"log"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
)

// A Builder can build Systems.
type Builder struct {
	table       *hpt.Table
	tracker     phys.Tracker
	storage     *phys.Storage
	kernelImage phys.Region
	scratchBase uint64
	numScratch  int
}

// MakeBuilder creates a new builder
func MakeBuilder() Builder {
	return Builder{
		numScratch: 2,
	}
}

// WithTable sets the hash table the kernel mappings go to.
func (b Builder) WithTable(t *hpt.Table) Builder {
	b.table = t
	return b
}

// WithTracker sets the tracker of managed physical pages.
func (b Builder) WithTracker(t phys.Tracker) Builder {
	b.tracker = t
	return b
}

// WithStorage sets the physical storage the page helpers operate on.
func (b Builder) WithStorage(s *phys.Storage) Builder {
	b.storage = s
	return b
}

// WithKernelImage sets the identity-mapped range of the kernel image.
func (b Builder) WithKernelImage(r phys.Region) Builder {
	b.kernelImage = r
	return b
}

// WithScratchPages reserves n consecutive kernel virtual pages starting at
// base for the page helpers. n must be even; the pages are used in pairs.
func (b Builder) WithScratchPages(base uint64, n int) Builder {
	b.scratchBase = base
	b.numScratch = n
	return b
}

// Build creates a System.
func (b Builder) Build(name string) *System {
	if b.table == nil {
		log.Panicf("pmap %s needs a hash table", name)
	}

	if b.storage == nil {
		log.Panicf("pmap %s needs physical storage", name)
	}

	if b.numScratch < 2 || b.numScratch%2 != 0 {
		log.Panicf("pmap %s needs scratch pages in pairs", name)
	}

	s := &System{
		name:     name,
		table:    b.table,
		tracker:  b.tracker,
		storage:  b.storage,
		kernel:   &Pmap{pid: vm.KernelPID},
		identity: b.kernelImage,
		descs:    make(map[uint64]*hpt.Descriptor),
		scratch:  make(chan scratchPair, b.numScratch/2),
	}

	base := vm.AlignDown(b.scratchBase)
	for i := 0; i < b.numScratch; i += 2 {
		p := scratchPair{
			base + uint64(i)*vm.PageSize,
			base + uint64(i+1)*vm.PageSize,
		}
		s.scratchPages = append(s.scratchPages, p[0], p[1])
		s.scratch <- p
	}

	return s
}
