package pmap

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
)

// Stats counts the work of a System.
type Stats struct {
	Mappings    int
	Enters      uint64
	Removes     uint64
	Spills      uint64
	ZeroedPages uint64
	CopiedPages uint64
	Table       hpt.Stats
}

// A System owns the hash table and the kernel address space.
//
// Every kernel mapping keeps its descriptor in a store keyed by virtual page.
// The store lock is always taken before the table lock.
type System struct {
	name     string
	table    *hpt.Table
	tracker  phys.Tracker
	storage  *phys.Storage
	kernel   *Pmap
	identity phys.Region

	descLock sync.Mutex
	descs    map[uint64]*hpt.Descriptor

	scratchPages []uint64
	scratch      chan scratchPair
	freeRegions  phys.RegionList

	enters      atomic.Uint64
	removes     atomic.Uint64
	spills      atomic.Uint64
	zeroedPages atomic.Uint64
	copiedPages atomic.Uint64
}

// Name returns the name of the system.
func (s *System) Name() string {
	return s.name
}

// Kernel returns the kernel pmap.
func (s *System) Kernel() *Pmap {
	return s.kernel
}

// Table returns the hash table.
func (s *System) Table() *hpt.Table {
	return s.table
}

// Storage returns the physical storage the page helpers operate on.
func (s *System) Storage() *phys.Storage {
	return s.storage
}

// FreeRegions returns the physical memory left after bootstrap.
func (s *System) FreeRegions() phys.RegionList {
	return s.freeRegions
}

// KernelImage returns the identity-mapped range of the kernel image.
func (s *System) KernelImage() phys.Region {
	return s.identity
}

// ScratchPages returns the virtual pages reserved for the page helpers.
func (s *System) ScratchPages() []uint64 {
	return append([]uint64(nil), s.scratchPages...)
}

// Stats returns a snapshot of the counters.
func (s *System) Stats() Stats {
	s.descLock.Lock()
	n := len(s.descs)
	s.descLock.Unlock()

	return Stats{
		Mappings:    n,
		Enters:      s.enters.Load(),
		Removes:     s.removes.Load(),
		Spills:      s.spills.Load(),
		ZeroedPages: s.zeroedPages.Load(),
		CopiedPages: s.copiedPages.Load(),
		Table:       s.table.Stats(),
	}
}

// KEnter maps the kernel page that holds va to pa, replacing any previous
// mapping of that page. The mapping is wired. Granting write access to a
// managed page clears its executable attribute.
func (s *System) KEnter(va, pa uint64, prot vm.Prot, cache vm.CachePolicy) {
	va = vm.AlignDown(va)
	page, managed := s.pageFor(pa)

	s.descLock.Lock()
	defer s.descLock.Unlock()

	if old, ok := s.descs[va]; ok {
		s.table.Remove(old)
		delete(s.descs, va)
	}

	d := &hpt.Descriptor{}
	d.Fill(va, pa, prot, cache, managed, true)

	if managed && prot.Has(vm.ProtWrite) {
		page.ClearFlags(phys.FlagExecutable)
	}

	s.table.Insert(d)
	s.descs[va] = d
	s.enters.Add(1)
}

// KRemove unmaps every kernel page in [sva, eva). Pages that are not mapped
// are skipped.
func (s *System) KRemove(sva, eva uint64) {
	s.descLock.Lock()
	defer s.descLock.Unlock()

	for va := vm.AlignDown(sva); va < eva; va += vm.PageSize {
		d, ok := s.descs[va]
		if !ok {
			continue
		}

		s.table.Remove(d)
		delete(s.descs, va)
		s.removes.Add(1)
	}
}

// QEnter maps len(pas) consecutive kernel pages starting at va.
func (s *System) QEnter(va uint64, pas []uint64) {
	va = vm.AlignDown(va)
	for i, pa := range pas {
		s.KEnter(va+uint64(i)*vm.PageSize, pa, vm.ProtRW, vm.CacheWriteBack)
	}
}

// QRemove unmaps n consecutive kernel pages starting at va.
func (s *System) QRemove(va uint64, n int) {
	va = vm.AlignDown(va)
	s.KRemove(va, va+uint64(n)*vm.PageSize)
}

// Enter maps va to pa in pm, which must be the kernel pmap.
func (s *System) Enter(
	pm *Pmap,
	va, pa uint64,
	prot vm.Prot,
	cache vm.CachePolicy,
) {
	s.mustBeKernel(pm, "enter")
	s.KEnter(va, pa, prot, cache)
}

// Remove unmaps [sva, eva) from pm, which must be the kernel pmap.
func (s *System) Remove(pm *Pmap, sva, eva uint64) {
	s.mustBeKernel(pm, "remove")
	s.KRemove(sva, eva)
}

// Extract returns the physical address va is mapped to in pm, which must be
// the kernel pmap. The kernel image resolves without a table lookup. A
// mapping the table has evicted still extracts to the address it was entered
// with.
func (s *System) Extract(pm *Pmap, va uint64) (uint64, bool) {
	s.mustBeKernel(pm, "extract")

	if s.identity.Size > 0 && va >= s.identity.Addr && va < s.identity.End() {
		return va, true
	}

	s.descLock.Lock()
	defer s.descLock.Unlock()

	d, ok := s.descs[vm.AlignDown(va)]
	if !ok {
		return 0, false
	}

	offset := va & vm.PageMask
	if _, pte, found := s.table.Probe(d); found {
		return pte.PAddr() | offset, true
	}

	return d.PAddr() | offset, true
}

// Resident reports whether the kernel mapping of va is currently in the
// table.
func (s *System) Resident(va uint64) bool {
	s.descLock.Lock()
	defer s.descLock.Unlock()

	d, ok := s.descs[vm.AlignDown(va)]
	if !ok {
		return false
	}

	_, found := s.table.Locate(d)

	return found
}

// Spill reinstalls the kernel mapping of va if the table has evicted it. It
// returns whether an entry was installed.
func (s *System) Spill(va uint64) bool {
	s.descLock.Lock()
	defer s.descLock.Unlock()

	d, ok := s.descs[vm.AlignDown(va)]
	if !ok {
		return false
	}

	if _, found := s.table.Locate(d); found {
		return false
	}

	s.table.Insert(d)
	s.spills.Add(1)

	return true
}

// touch resolves a kernel virtual address through its table entry and
// records the access on the entry the way a processor would. An evicted
// mapping is spilled back first.
func (s *System) touch(va uint64, store bool) uint64 {
	s.descLock.Lock()
	defer s.descLock.Unlock()

	d, ok := s.descs[vm.AlignDown(va)]
	if !ok {
		log.Panicf("pmap: kernel address %#x is not mapped", va)
	}

	loc, pte, found := s.table.Probe(d)
	if !found {
		s.table.Insert(d)
		s.spills.Add(1)

		loc, pte, _ = s.table.Probe(d)
	}

	s.table.RecordAccess(loc, pte, store)

	return pte.PAddr() | va&vm.PageMask
}

func (s *System) pageFor(pa uint64) (*phys.Page, bool) {
	if s.tracker == nil {
		return nil, false
	}

	return s.tracker.PageFor(pa)
}
