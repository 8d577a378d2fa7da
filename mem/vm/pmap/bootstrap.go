package pmap

import (
	"errors"
	"fmt"
	"log"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/mem/vm/mmu"
)

// ErrInvalidBootConfig is returned when a BootConfig cannot describe a
// bootable machine.
var ErrInvalidBootConfig = errors.New("invalid boot configuration")

// KernelImage is where the loader placed the kernel. The image is identity
// mapped.
type KernelImage struct {
	Base     uint64
	TextSize uint64
	Size     uint64
}

// BootConfig is what the firmware and the loader tell the bootstrap.
type BootConfig struct {
	// MemoryRegions is the free physical memory. The hash table and the
	// partition table are carved from it.
	MemoryRegions phys.RegionList

	// MemorySize sizes the hash table. Zero means the end of the highest
	// memory region.
	MemorySize uint64

	// NumBuckets overrides the bucket count derived from MemorySize.
	NumBuckets uint64

	KernelImage KernelImage

	// [KernelVAStart, KernelVAEnd) is the kernel virtual range. Its first
	// pages become the scratch pages of the page helpers.
	KernelVAStart uint64
	KernelVAEnd   uint64

	// TimeBase drives victim selection. Nil means a free-running clock.
	TimeBase hpt.TimeBase

	// Logger receives a summary of the boot. Nil disables it.
	Logger *log.Logger
}

func (cfg BootConfig) memorySize() uint64 {
	if cfg.MemorySize != 0 {
		return cfg.MemorySize
	}

	return cfg.MemoryRegions.MaxAddr()
}

func (cfg BootConfig) validate(numCPUs int) error {
	n := cfg.NumBuckets
	if n != 0 && (n < hpt.MinBuckets || n&(n-1) != 0) {
		return fmt.Errorf("%w: %d buckets", ErrInvalidBootConfig, n)
	}

	img := cfg.KernelImage
	if img.TextSize > img.Size {
		return fmt.Errorf("%w: kernel text %#x larger than image %#x",
			ErrInvalidBootConfig, img.TextSize, img.Size)
	}

	need := uint64(2*numCPUs) * vm.PageSize
	if cfg.KernelVAEnd < cfg.KernelVAStart ||
		cfg.KernelVAEnd-cfg.KernelVAStart < need {
		return fmt.Errorf("%w: kernel range [%#x, %#x) cannot hold %d scratch pages",
			ErrInvalidBootConfig, cfg.KernelVAStart, cfg.KernelVAEnd, 2*numCPUs)
	}

	if cfg.KernelVAStart&vm.PageMask != 0 {
		return fmt.Errorf("%w: kernel range start %#x is not page aligned",
			ErrInvalidBootConfig, cfg.KernelVAStart)
	}

	return nil
}

func (cfg BootConfig) logf(format string, args ...any) {
	if cfg.Logger != nil {
		cfg.Logger.Printf(format, args...)
	}
}

// Bootstrap installs the hash table of machine and returns the kernel mapping
// system. It must run before any CPU translates. A machine can only be
// bootstrapped once.
func Bootstrap(
	cfg BootConfig,
	machine *mmu.Machine,
	tracker phys.Tracker,
) (*System, error) {
	if err := cfg.validate(machine.NumCPUs()); err != nil {
		return nil, err
	}

	for _, c := range machine.CPUs() {
		c.SLBIA()
		c.TLBIA()
	}

	numBuckets := cfg.NumBuckets
	if numBuckets == 0 {
		numBuckets = hpt.NumBucketsFor(cfg.memorySize())
	}

	htabSize := numBuckets * hpt.SlotsPerBucket * hpt.PTESize
	storage := machine.Storage()
	alloc := phys.NewBumpAllocator(cfg.MemoryRegions)

	htab, err := alloc.Alloc(htabSize, htabSize)
	if err != nil {
		return nil, fmt.Errorf("allocate hash table of %d bytes: %w",
			htabSize, err)
	}

	patb, err := alloc.AllocPages(1)
	if err != nil {
		return nil, fmt.Errorf("allocate partition table: %w", err)
	}

	if err := storage.Zero(htab, htabSize); err != nil {
		return nil, fmt.Errorf("zero hash table: %w", err)
	}

	if err := storage.Zero(patb, vm.PageSize); err != nil {
		return nil, fmt.Errorf("zero partition table: %w", err)
	}

	tb := hpt.MakeBuilder().
		WithNumBuckets(numBuckets).
		WithBarrier(machine).
		WithTracker(tracker)
	if cfg.TimeBase != nil {
		tb = tb.WithTimeBase(cfg.TimeBase)
	}

	table := tb.Build(machine.Name() + ".HTAB")
	table.SetBase(htab)
	machine.AttachTable(table)

	img := cfg.KernelImage
	s := MakeBuilder().
		WithTable(table).
		WithTracker(tracker).
		WithStorage(storage).
		WithKernelImage(phys.Region{Addr: img.Base, Size: img.Size}).
		WithScratchPages(cfg.KernelVAStart, 2*machine.NumCPUs()).
		Build(machine.Name() + ".Pmap")
	s.freeRegions = alloc.Remaining()

	for pa := htab; pa < htab+htabSize; pa += vm.PageSize {
		s.KEnter(pa, pa, vm.ProtRW, vm.CacheWriteBack)
	}

	mapKernelImage(s, img)

	if err := installPartitionTable(machine, patb, table); err != nil {
		return nil, err
	}

	segments := bootSegments(cfg, htab)
	if len(segments) > mmu.SLBSize {
		return nil, fmt.Errorf("%w: %d boot segments do not fit the SLB",
			ErrInvalidBootConfig, len(segments))
	}

	for _, c := range machine.CPUs() {
		for i, esid := range segments {
			c.SLBMTE(i, mmu.SLBEntry{ESID: esid, VSID: hpt.KernelVSID(esid)})
		}
	}

	cfg.logf("%s: %d buckets at %#x, partition table at %#x, %d segments",
		s.Name(), numBuckets, htab, patb, len(segments))

	return s, nil
}

func mapKernelImage(s *System, img KernelImage) {
	textEnd := vm.AlignUp(img.Base + img.TextSize)
	end := vm.AlignUp(img.Base + img.Size)

	for pa := vm.AlignDown(img.Base); pa < end; pa += vm.PageSize {
		prot := vm.ProtRW
		if pa < textEnd {
			prot = vm.ProtRX
		}

		s.KEnter(pa, pa, prot, vm.CacheWriteBack)
	}
}

func installPartitionTable(
	machine *mmu.Machine,
	patb uint64,
	table *hpt.Table,
) error {
	entry := mmu.PartitionTableEntry{
		HTABBase:   table.Base(),
		NumBuckets: table.NumBuckets(),
	}

	err := mmu.WritePartitionTableEntry(machine.Storage(), patb, entry)
	if err != nil {
		return err
	}

	ptcr := mmu.MakePTCR(patb, vm.PageSize)
	for _, c := range machine.CPUs() {
		if err := c.WritePTCR(ptcr); err != nil {
			return err
		}
	}

	return nil
}

// bootSegments lists, without repeats, the segments of the kernel image, of
// the hash table, and of the kernel virtual range.
func bootSegments(cfg BootConfig, htab uint64) []uint64 {
	var segments []uint64
	seen := make(map[uint64]bool)

	add := func(esid uint64) {
		if !seen[esid] {
			seen[esid] = true
			segments = append(segments, esid)
		}
	}

	add(hpt.ESID(cfg.KernelImage.Base))
	add(hpt.ESID(htab))

	for esid := hpt.ESID(cfg.KernelVAStart); esid <= hpt.ESID(cfg.KernelVAEnd-1); esid++ {
		add(esid)
	}

	return segments
}
