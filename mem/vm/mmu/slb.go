package mmu

import (
	"fmt"
	"log"
)

// SLBSize is the number of segment lookaside buffer entries of a CPU.
const SLBSize = 64

// An SLBEntry maps an effective segment to a virtual segment.
type SLBEntry struct {
	ESID  uint64
	VSID  uint64
	Valid bool
}

func (e SLBEntry) String() string {
	if !e.Valid {
		return "slbe{-}"
	}

	return fmt.Sprintf("slbe{esid=%#x vsid=%#x}", e.ESID, e.VSID)
}

// SLBIA invalidates every SLB entry.
func (c *CPU) SLBIA() {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.slb = [SLBSize]SLBEntry{}
}

// SLBMTE writes entry e into SLB slot index. The entry is marked valid.
func (c *CPU) SLBMTE(index int, e SLBEntry) {
	if index < 0 || index >= SLBSize {
		log.Panicf("SLB index %d out of range", index)
	}

	c.lock.Lock()
	defer c.lock.Unlock()

	for i, other := range c.slb {
		if i != index && other.Valid && other.ESID == e.ESID {
			log.Panicf("%s: ESID %#x already in SLB slot %d",
				c.name, e.ESID, i)
		}
	}

	e.Valid = true
	c.slb[index] = e
}

// SLB returns a copy of the valid SLB entries.
func (c *CPU) SLB() []SLBEntry {
	c.lock.Lock()
	defer c.lock.Unlock()

	var entries []SLBEntry
	for _, e := range c.slb {
		if e.Valid {
			entries = append(entries, e)
		}
	}

	return entries
}

func (c *CPU) segmentLookup(esid uint64) (uint64, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for _, e := range c.slb {
		if e.Valid && e.ESID == esid {
			return e.VSID, true
		}
	}

	return 0, false
}
