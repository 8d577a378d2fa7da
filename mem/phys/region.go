package phys

import (
	"errors"
	"fmt"
	"sort"

	"github.com/sarchlab/hptsim/mem/vm"
)

// ErrOutOfMemory is returned when no region can satisfy a boot allocation.
var ErrOutOfMemory = errors.New("boot allocator: out of memory")

// A Region is a free range of physical memory reported by the firmware.
type Region struct {
	Addr uint64
	Size uint64
}

// End returns the first address after the region.
func (r Region) End() uint64 {
	return r.Addr + r.Size
}

func (r Region) String() string {
	return fmt.Sprintf("[%#x, %#x)", r.Addr, r.End())
}

// RegionList is the firmware memory map. Regions are kept sorted by address.
type RegionList []Region

// NewRegionList copies and sorts the given regions, dropping empty ones.
func NewRegionList(regions ...Region) RegionList {
	l := make(RegionList, 0, len(regions))
	for _, r := range regions {
		if r.Size > 0 {
			l = append(l, r)
		}
	}

	sort.Slice(l, func(i, j int) bool { return l[i].Addr < l[j].Addr })

	return l
}

// TotalSize returns the sum of all region sizes.
func (l RegionList) TotalSize() uint64 {
	var total uint64
	for _, r := range l {
		total += r.Size
	}

	return total
}

// MaxAddr returns the end of the highest region.
func (l RegionList) MaxAddr() uint64 {
	var max uint64
	for _, r := range l {
		if r.End() > max {
			max = r.End()
		}
	}

	return max
}

// BumpAllocator hands out physical memory linearly from a RegionList. It
// cannot free. Regions are trimmed as they are consumed and dropped from the
// list once empty.
type BumpAllocator struct {
	regions RegionList
}

// NewBumpAllocator creates an allocator that consumes a copy of regions.
func NewBumpAllocator(regions RegionList) *BumpAllocator {
	return &BumpAllocator{regions: append(RegionList(nil), regions...)}
}

// Alloc returns the physical address of size bytes aligned to align, which
// must be a power of two. The bytes skipped for alignment are lost.
func (a *BumpAllocator) Alloc(size, align uint64) (uint64, error) {
	if align == 0 || align&(align-1) != 0 {
		return 0, fmt.Errorf("boot allocator: alignment %#x is not a power of 2", align)
	}

	for i := range a.regions {
		r := &a.regions[i]
		start := (r.Addr + align - 1) &^ (align - 1)
		if start < r.Addr || start+size > r.End() || start+size < start {
			continue
		}

		r.Size = r.End() - (start + size)
		r.Addr = start + size
		a.dropEmpty()

		return start, nil
	}

	return 0, fmt.Errorf("%w: %#x bytes aligned to %#x", ErrOutOfMemory, size, align)
}

// AllocPages allocates n page-aligned pages.
func (a *BumpAllocator) AllocPages(n uint64) (uint64, error) {
	return a.Alloc(n<<vm.Log2PageSize, vm.PageSize)
}

// Remaining returns the regions that are still free.
func (a *BumpAllocator) Remaining() RegionList {
	return a.regions
}

func (a *BumpAllocator) dropEmpty() {
	kept := a.regions[:0]
	for _, r := range a.regions {
		if r.Size > 0 {
			kept = append(kept, r)
		}
	}

	a.regions = kept
}
