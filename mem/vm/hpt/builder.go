package hpt

import (
	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
)

// A Builder can build hash tables.
type Builder struct {
	numBuckets uint64
	barrier    Barrier
	timeBase   TimeBase
	tracker    phys.Tracker
}

// MakeBuilder creates a builder with the smallest supported table.
func MakeBuilder() Builder {
	return Builder{
		numBuckets: MinBuckets,
	}
}

// WithNumBuckets sets the number of buckets. It must be a power of 2 and at
// least MinBuckets.
func (b Builder) WithNumBuckets(n uint64) Builder {
	b.numBuckets = n
	return b
}

// WithPhysicalMemorySize sizes the table for the given amount of physical
// memory.
func (b Builder) WithPhysicalMemorySize(bytes uint64) Builder {
	b.numBuckets = NumBucketsFor(bytes)
	return b
}

// WithBarrier sets the processor primitives used to invalidate entries.
func (b Builder) WithBarrier(barrier Barrier) Builder {
	b.barrier = barrier
	return b
}

// WithTimeBase sets the counter used to pick eviction victims.
func (b Builder) WithTimeBase(tb TimeBase) Builder {
	b.timeBase = tb
	return b
}

// WithTracker sets where the reference and change bits of managed entries
// are harvested to.
func (b Builder) WithTracker(tracker phys.Tracker) Builder {
	b.tracker = tracker
	return b
}

// Build creates the table.
func (b Builder) Build(name string) *Table {
	if b.numBuckets < MinBuckets || b.numBuckets&(b.numBuckets-1) != 0 {
		panic("number of buckets must be a power of 2 and at least 2048")
	}

	if b.barrier == nil {
		panic("barrier is required")
	}

	t := &Table{
		name:     name,
		buckets:  make([]Bucket, b.numBuckets),
		mask:     b.numBuckets - 1,
		barrier:  b.barrier,
		timeBase: b.timeBase,
		tracker:  b.tracker,
	}

	if t.timeBase == nil {
		t.timeBase = NewFreeRunningTimeBase()
	}

	return t
}

// NumBucketsFor returns the smallest power-of-2 bucket count whose double
// covers every page of memSize bytes, never less than MinBuckets.
func NumBucketsFor(memSize uint64) uint64 {
	pages := memSize >> vm.Log2PageSize

	n := uint64(1)
	for 2*n < pages {
		n <<= 1
	}

	return max(n, MinBuckets)
}
