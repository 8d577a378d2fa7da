// Package tlb provides the translation lookaside buffer of a simulated
// processor.
package tlb

import (
	"sync"
	"sync/atomic"

	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/mem/vm/tlb/internal"
)

// An Entry is a cached translation.
type Entry = internal.Entry

// Stats counts TLB activity.
type Stats struct {
	Hits          uint64
	Misses        uint64
	Invalidations uint64
	Flushes       uint64
}

// A TLB caches translations found by table walks. Lookups and invalidations
// may come from different goroutines.
type TLB struct {
	name    string
	lock    sync.Mutex
	numSets int
	numWays int
	sets    []internal.Set

	hits          atomic.Uint64
	misses        atomic.Uint64
	invalidations atomic.Uint64
	flushes       atomic.Uint64
}

// Name returns the name of the TLB.
func (t *TLB) Name() string {
	return t.name
}

func (t *TLB) reset() {
	t.sets = make([]internal.Set, t.numSets)
	for i := 0; i < t.numSets; i++ {
		t.sets[i] = internal.NewSet(t.numWays)
	}
}

func (t *TLB) setID(vpn hpt.VPN) int {
	return int(vpn.PageIndex % uint64(t.numSets))
}

// Lookup returns the cached translation of vpn.
func (t *TLB) Lookup(vpn hpt.VPN) (Entry, bool) {
	t.lock.Lock()
	defer t.lock.Unlock()

	set := t.sets[t.setID(vpn)]

	wayID, entry, found := set.Lookup(vpn)
	if !found {
		t.misses.Add(1)
		return Entry{}, false
	}

	set.Visit(wayID)
	t.hits.Add(1)

	return entry, true
}

// Insert caches a translation, replacing the least recently used way of its
// set if needed.
func (t *TLB) Insert(entry Entry) {
	t.lock.Lock()
	defer t.lock.Unlock()

	set := t.sets[t.setID(entry.VPN)]

	wayID, found := 0, false
	if wayID, _, found = set.Lookup(entry.VPN); !found {
		wayID, _ = set.Evict()
	}

	set.Update(wayID, entry)
	set.Visit(wayID)
}

// Invalidate drops the translation of vpn. It returns whether one was cached.
func (t *TLB) Invalidate(vpn hpt.VPN) bool {
	t.lock.Lock()
	defer t.lock.Unlock()

	t.invalidations.Add(1)

	return t.sets[t.setID(vpn)].Invalidate(vpn)
}

// InvalidateAll drops every cached translation.
func (t *TLB) InvalidateAll() {
	t.lock.Lock()
	defer t.lock.Unlock()

	for _, s := range t.sets {
		s.Reset()
	}

	t.flushes.Add(1)
}

// Stats returns a snapshot of the counters.
func (t *TLB) Stats() Stats {
	return Stats{
		Hits:          t.hits.Load(),
		Misses:        t.misses.Load(),
		Invalidations: t.invalidations.Load(),
		Flushes:       t.flushes.Load(),
	}
}
