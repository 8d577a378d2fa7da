// Package phys models the physical memory collaborators of the mapping core:
// tracked pages with sticky attribute flags, the firmware memory map with its
// boot-time bump allocator, and the byte storage behind physical addresses.
package phys

import (
	"sync/atomic"

	"github.com/sarchlab/hptsim/mem/vm"
)

// PageFlag is a sticky attribute of a tracked physical page.
type PageFlag uint32

// Page attributes harvested from the hardware PTE bits.
const (
	FlagReferenced PageFlag = 1 << iota
	FlagModified
	FlagExecutable
)

// A Page is the software record of a managed physical page.
type Page struct {
	PAddr uint64
	flags atomic.Uint32
}

// SetFlags ORs f into the page attributes. It never clears a bit.
func (p *Page) SetFlags(f PageFlag) {
	p.flags.Or(uint32(f))
}

// ClearFlags removes f from the page attributes.
func (p *Page) ClearFlags(f PageFlag) {
	p.flags.And(^uint32(f))
}

// HasFlags returns true if all of f are set.
func (p *Page) HasFlags(f PageFlag) bool {
	return PageFlag(p.flags.Load())&f == f
}

// Flags returns the current attributes.
func (p *Page) Flags() PageFlag {
	return PageFlag(p.flags.Load())
}

// A Tracker resolves a physical address to its managed page. Addresses that
// are not tracked (device memory, boot structures) report false.
type Tracker interface {
	PageFor(pAddr uint64) (*Page, bool)
}

// PageArray tracks every page of one contiguous physical range.
type PageArray struct {
	base  uint64
	pages []Page
}

// NewPageArray creates a tracker for [base, base+size). Both ends are rounded
// to page boundaries.
func NewPageArray(base, size uint64) *PageArray {
	start := vm.AlignDown(base)
	end := vm.AlignUp(base + size)

	a := &PageArray{
		base:  start,
		pages: make([]Page, (end-start)>>vm.Log2PageSize),
	}
	for i := range a.pages {
		a.pages[i].PAddr = start + uint64(i)<<vm.Log2PageSize
	}

	return a
}

// PageFor returns the page that contains pAddr.
func (a *PageArray) PageFor(pAddr uint64) (*Page, bool) {
	if pAddr < a.base {
		return nil, false
	}

	i := (pAddr - a.base) >> vm.Log2PageSize
	if i >= uint64(len(a.pages)) {
		return nil, false
	}

	return &a.pages[i], true
}

// NumPages returns the number of tracked pages.
func (a *PageArray) NumPages() int {
	return len(a.pages)
}
