package mmu

import (
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/mem/vm/tlb"
)

// Translation faults.
var (
	ErrTranslationOff = errors.New("translation is off")
	ErrSegmentFault   = errors.New("segment fault")
	ErrPageFault      = errors.New("page fault")
	ErrProtection     = errors.New("protection fault")
)

// Access is the kind of storage access being translated.
type Access int

// Access kinds.
const (
	AccessLoad Access = iota
	AccessStore
	AccessFetch
)

func (a Access) String() string {
	switch a {
	case AccessStore:
		return "store"
	case AccessFetch:
		return "fetch"
	default:
		return "load"
	}
}

// A Translation is the result of translating an effective address.
type Translation struct {
	EA     uint64
	PA     uint64
	VPN    hpt.VPN
	Loc    hpt.Location
	TLBHit bool
}

// A CPU is a processor of a Machine. It owns an SLB and a TLB and walks the
// hash table the machine is attached to.
type CPU struct {
	id      int
	name    string
	machine *Machine
	tlb     *tlb.TLB
	snoop   chan hpt.VPN

	lock      sync.Mutex
	slb       [SLBSize]SLBEntry
	ptcr      uint64
	partition PartitionTableEntry
}

// ID returns the index of the CPU in its machine.
func (c *CPU) ID() int {
	return c.id
}

// Name returns the name of the CPU.
func (c *CPU) Name() string {
	return c.name
}

// TLB returns the TLB of the CPU.
func (c *CPU) TLB() *tlb.TLB {
	return c.tlb
}

// TLBIA invalidates every TLB entry of this CPU.
func (c *CPU) TLBIA() {
	c.tlb.InvalidateAll()
}

// WritePTCR loads the partition-table control register and reads entry 0 of
// the partition table it points to.
func (c *CPU) WritePTCR(ptcr uint64) error {
	buf, err := c.machine.storage.Read(PTCRBase(ptcr), PartitionTableEntrySize)
	if err != nil {
		return fmt.Errorf("%s: read partition table: %w", c.name, err)
	}

	entry := DecodePartitionTableEntry(buf)

	c.lock.Lock()
	defer c.lock.Unlock()

	c.ptcr = ptcr
	c.partition = entry

	return nil
}

// PTCR returns the value of the partition-table control register.
func (c *CPU) PTCR() uint64 {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.ptcr
}

// Partition returns the partition-table entry loaded by WritePTCR.
func (c *CPU) Partition() PartitionTableEntry {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.partition
}

// Translate translates ea the way the processor does: segment lookup, TLB,
// then a walk of the hash table. A successful translation sets the reference
// bit of the entry, and the change bit for stores.
func (c *CPU) Translate(ea uint64, access Access) (Translation, error) {
	table, err := c.pageTable()
	if err != nil {
		return Translation{}, err
	}

	vsid, ok := c.segmentLookup(hpt.ESID(ea))
	if !ok {
		return Translation{}, fmt.Errorf("%w: %s ea %#x", ErrSegmentFault, access, ea)
	}

	vpn := hpt.VPNOf(vsid, ea)

	entry, hit, err := c.lookup(table, vpn)
	if err != nil {
		return Translation{}, fmt.Errorf("%w: %s ea %#x", err, access, ea)
	}

	if !permits(entry.PTE, access) {
		return Translation{}, fmt.Errorf("%w: %s ea %#x", ErrProtection, access, ea)
	}

	table.RecordAccess(entry.Loc, entry.PTE, access == AccessStore)

	return Translation{
		EA:     ea,
		PA:     entry.PTE.PAddr() | ea&vm.PageMask,
		VPN:    vpn,
		Loc:    entry.Loc,
		TLBHit: hit,
	}, nil
}

func (c *CPU) pageTable() (*hpt.Table, error) {
	c.lock.Lock()
	ptcr, partition := c.ptcr, c.partition
	c.lock.Unlock()

	table := c.machine.Table()
	if ptcr == 0 || table == nil {
		return nil, fmt.Errorf("%w on %s", ErrTranslationOff, c.name)
	}

	if partition.HTABBase != table.Base() ||
		partition.NumBuckets != table.NumBuckets() {
		log.Panicf("%s: partition table %s does not describe %s",
			c.name, partition, table.Name())
	}

	return table, nil
}

// lookup finds the translation of vpn in the TLB or walks the table for it.
// A walk that raced with an invalidation of the entry it found is retried.
func (c *CPU) lookup(table *hpt.Table, vpn hpt.VPN) (tlb.Entry, bool, error) {
	for {
		if entry, hit := c.tlb.Lookup(vpn); hit {
			return entry, true, nil
		}

		loc, pte, found := table.Search(vpn)
		if !found {
			return tlb.Entry{}, false, ErrPageFault
		}

		entry := tlb.Entry{VPN: vpn, PTE: pte, Loc: loc}
		c.tlb.Insert(entry)

		if sameTranslation(table.Read(loc), pte) {
			return entry, false, nil
		}

		c.tlb.Invalidate(vpn)
	}
}

// sameTranslation compares two images of a slot, ignoring the reference and
// change bits.
func sameTranslation(a, b hpt.PTE) bool {
	const rc = hpt.PTERef | hpt.PTEChg

	return a.Hi == b.Hi && a.Lo&^rc == b.Lo&^rc
}

func permits(pte hpt.PTE, access Access) bool {
	switch access {
	case AccessStore:
		return pte.Writable()
	case AccessFetch:
		return pte.Executable()
	default:
		return true
	}
}

func (c *CPU) snoopLoop(done func()) {
	for vpn := range c.snoop {
		c.tlb.Invalidate(vpn)
		done()
	}
}
