// Package hpt implements the hashed page table of a hash-MMU: the bucket
// array, the insertion and eviction algorithm, and the invalidation protocol
// that keeps every TLB consistent with it.
package hpt

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/sim/hooking"
)

// SlotsPerBucket is the number of PTEs in a bucket (a PTEG).
const SlotsPerBucket = 8

// MinBuckets is the smallest table the key format supports: the bucket index
// must cover the page-index bits missing from the key.
const MinBuckets = uint64(1) << apiLowBits

// PTESize is the size in bytes of one entry.
const PTESize = 16

type slot struct {
	hi atomic.Uint64
	lo atomic.Uint64
}

// A Bucket holds the entries that hash to one index.
type Bucket struct {
	slots [SlotsPerBucket]slot
}

// Stats counts what the table has done.
type Stats struct {
	Inserts       uint64
	PrimaryHits   uint64
	SecondaryHits uint64
	Evictions     uint64
	Invalidations uint64
	Removals      uint64
	Harvests      uint64
}

type counters struct {
	inserts       atomic.Uint64
	primaryHits   atomic.Uint64
	secondaryHits atomic.Uint64
	evictions     atomic.Uint64
	invalidations atomic.Uint64
	removals      atomic.Uint64
	harvests      atomic.Uint64
}

// Table is the process-wide hashed page table. Every slot read-modify-write
// happens under the table lock; table walkers read slots without it.
type Table struct {
	hooking.HookableBase

	name     string
	lock     sync.Mutex
	buckets  []Bucket
	mask     uint64
	base     atomic.Uint64
	barrier  Barrier
	timeBase TimeBase
	tracker  phys.Tracker
	counters counters
}

// Name returns the name of the table.
func (t *Table) Name() string {
	return t.name
}

// NumBuckets returns the number of buckets.
func (t *Table) NumBuckets() uint64 {
	return uint64(len(t.buckets))
}

// Mask returns the bucket index mask.
func (t *Table) Mask() uint64 {
	return t.mask
}

// SizeInBytes returns the size of the bucket array as the hardware sees it.
func (t *Table) SizeInBytes() uint64 {
	return t.NumBuckets() * SlotsPerBucket * PTESize
}

// Base returns the physical address the bucket array is placed at.
func (t *Table) Base() uint64 {
	return t.base.Load()
}

// SetBase records the physical address of the bucket array.
func (t *Table) SetBase(pa uint64) {
	t.base.Store(pa)
}

// BucketIndex returns the primary bucket of a page.
func (t *Table) BucketIndex(vsid, va uint64) uint64 {
	return ((vsid & VSIDHashMask) ^ vm.PageIndex(va)) & t.mask
}

// SecondaryIndex returns the complement of a bucket index.
func (t *Table) SecondaryIndex(idx uint64) uint64 {
	return ^idx & t.mask
}

// Stats returns a snapshot of the counters.
func (t *Table) Stats() Stats {
	c := &t.counters

	return Stats{
		Inserts:       c.inserts.Load(),
		PrimaryHits:   c.primaryHits.Load(),
		SecondaryHits: c.secondaryHits.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Removals:      c.removals.Load(),
		Harvests:      c.harvests.Load(),
	}
}

// Locate returns the slot that holds d, if d is resident.
func (t *Table) Locate(d *Descriptor) (Location, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	return t.locate(d)
}

// Probe returns the slot and the current entry of d, if d is resident.
func (t *Table) Probe(d *Descriptor) (Location, PTE, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	loc, found := t.locate(d)
	if !found {
		return Location{}, PTE{}, false
	}

	return loc, t.Read(loc), true
}

func (t *Table) locate(d *Descriptor) (Location, bool) {
	if d.Residency.Kind != Resident {
		return Location{}, false
	}

	loc := d.Residency.Loc
	if !t.inRange(loc) {
		return Location{}, false
	}

	want := d.PTE.key(loc.Secondary)
	if t.slotAt(loc).hi.Load()&pteKeyMask != want {
		return Location{}, false
	}

	return loc, true
}

// Read returns the entry held at loc.
func (t *Table) Read(loc Location) PTE {
	s := t.slotAt(loc)

	return PTE{Hi: s.hi.Load(), Lo: s.lo.Load()}
}

// Insert installs d, evicting an unrelated entry when both of its buckets
// are full. d's residency is updated to the slot that was used. Insert always
// succeeds.
func (t *Table) Insert(d *Descriptor) {
	t.lock.Lock()
	defer t.lock.Unlock()

	if loc, found := t.locate(d); found {
		t.invalidate(loc, d.VPN())
	}

	d.Residency = Residency{}
	t.counters.inserts.Add(1)

	primary := t.BucketIndex(d.VSID, d.VAddr)
	if i, ok := t.freeSlot(primary); ok {
		t.install(d, Location{Bucket: primary, Slot: i})
		t.counters.primaryHits.Add(1)

		return
	}

	secondary := t.SecondaryIndex(primary)
	if i, ok := t.freeSlot(secondary); ok {
		t.install(d, Location{Bucket: secondary, Slot: i, Secondary: true})
		t.counters.secondaryHits.Add(1)

		return
	}

	victim := t.pickVictim(primary, secondary)
	if t.slotAt(victim).hi.Load()&PTEValid != 0 {
		old := t.Read(victim)
		vpn := t.vpnAt(victim.Bucket, old)

		t.invalidate(victim, vpn)
		t.counters.evictions.Add(1)
		t.InvokeHook(hooking.HookCtx{
			Domain: t,
			Pos:    HookPosEvict,
			Item:   Event{VPN: vpn, Loc: victim, PTE: old},
		})
	}

	t.install(d, victim)
}

// Remove invalidates d if it is still resident and marks it unmapped. It
// returns whether an entry was invalidated.
func (t *Table) Remove(d *Descriptor) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	loc, found := t.locate(d)
	d.Residency = Residency{}

	if !found {
		return false
	}

	t.invalidate(loc, d.VPN())
	t.counters.removals.Add(1)

	return true
}

// Search walks the table the way the hardware does: primary bucket first,
// then secondary. It does not take the table lock and only trusts an entry
// whose key stayed valid across the read of its low word.
func (t *Table) Search(vpn VPN) (Location, PTE, bool) {
	primary := ((vpn.VSID & VSIDHashMask) ^ vpn.PageIndex) & t.mask
	api := (vpn.PageIndex >> apiLowBits) << PTEAPIShift & PTEAPIMask
	key := vpn.VSID<<PTEVSIDShift | api | PTEValid

	for _, loc := range []Location{
		{Bucket: primary},
		{Bucket: t.SecondaryIndex(primary), Secondary: true},
	} {
		want := key
		if loc.Secondary {
			want |= PTEHID
		}

		b := &t.buckets[loc.Bucket]
		for i := range b.slots {
			s := &b.slots[i]

			hi := s.hi.Load()
			if hi&pteKeyMask != want {
				continue
			}

			lo := s.lo.Load()
			if s.hi.Load() != hi {
				continue
			}

			loc.Slot = i

			return loc, PTE{Hi: hi, Lo: lo}, true
		}
	}

	return Location{}, PTE{}, false
}

// RecordAccess sets the reference bit, and the change bit for stores, of
// the entry at loc if it still holds the translation the walker found.
func (t *Table) RecordAccess(loc Location, found PTE, store bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	s := t.slotAt(loc)
	if s.hi.Load() != found.Hi {
		return
	}

	bits := PTERef
	if store {
		bits |= PTEChg
	}

	s.lo.Or(bits)
}

// SlotView is a read-only copy of a slot, used by monitoring.
type SlotView struct {
	Slot  int
	Valid bool
	Hi    uint64
	Lo    uint64
	VPN   string
	PAddr uint64
}

// Snapshot copies the content of one bucket.
func (t *Table) Snapshot(bucket uint64) []SlotView {
	if bucket >= t.NumBuckets() {
		log.Panicf("bucket %d out of range", bucket)
	}

	t.lock.Lock()
	defer t.lock.Unlock()

	views := make([]SlotView, 0, SlotsPerBucket)
	for i := 0; i < SlotsPerBucket; i++ {
		pte := t.Read(Location{Bucket: bucket, Slot: i})
		v := SlotView{Slot: i, Valid: pte.Valid(), Hi: pte.Hi, Lo: pte.Lo}

		if v.Valid {
			v.VPN = t.vpnAt(bucket, pte).String()
			v.PAddr = pte.PAddr()
		}

		views = append(views, v)
	}

	return views
}

// Occupancy returns the number of valid entries in the table.
func (t *Table) Occupancy() int {
	t.lock.Lock()
	defer t.lock.Unlock()

	n := 0
	for b := range t.buckets {
		for i := range t.buckets[b].slots {
			if t.buckets[b].slots[i].hi.Load()&PTEValid != 0 {
				n++
			}
		}
	}

	return n
}

func (t *Table) inRange(loc Location) bool {
	return loc.Bucket < t.NumBuckets() &&
		loc.Slot >= 0 && loc.Slot < SlotsPerBucket
}

func (t *Table) slotAt(loc Location) *slot {
	return &t.buckets[loc.Bucket].slots[loc.Slot]
}

func (t *Table) freeSlot(bucket uint64) (int, bool) {
	b := &t.buckets[bucket]
	for i := range b.slots {
		if b.slots[i].hi.Load()&PTEValid == 0 {
			return i, true
		}
	}

	return 0, false
}

func (t *Table) pickVictim(primary, secondary uint64) Location {
	r := int(t.timeBase.Read() % (2 * SlotsPerBucket))
	if r < SlotsPerBucket {
		return Location{Bucket: primary, Slot: r}
	}

	return Location{Bucket: secondary, Slot: r - SlotsPerBucket, Secondary: true}
}

// install writes d's image into the free (invalid) slot at loc. The low word
// is written first so that no walker can see a valid key with a stale frame.
func (t *Table) install(d *Descriptor, loc Location) {
	pte := d.PTE
	pte.Hi &^= PTEHID | PTEValid
	if loc.Secondary {
		pte.Hi |= PTEHID
	}

	s := t.slotAt(loc)
	s.lo.Store(pte.Lo)
	t.barrier.EIEIO()
	s.hi.Store(pte.Hi | PTEValid)

	d.Residency = ResidentAt(loc)

	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    HookPosInsert,
		Item:   Event{VPN: d.VPN(), Loc: loc, PTE: t.Read(loc)},
	})
}

// vpnAt reconstructs the virtual page of an entry from its key and the index
// of the bucket that holds it.
func (t *Table) vpnAt(bucket uint64, pte PTE) VPN {
	vsid := pte.VSID()

	primary := bucket
	if pte.Secondary() {
		primary = t.SecondaryIndex(bucket)
	}

	low := (primary ^ vsid&VSIDHashMask) & pageIndexLowMask
	high := (pte.Hi & PTEAPIMask) >> PTEAPIShift

	return VPN{VSID: vsid, PageIndex: high<<apiLowBits | low}
}
