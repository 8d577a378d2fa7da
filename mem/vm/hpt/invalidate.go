package hpt

import (
	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/sim/hooking"
)

// invalidate retires the entry at loc, which maps vpn. The caller holds the
// table lock. The reference and change bits of a managed entry are harvested
// before the valid bit is cleared; the slot may be reused once invalidate
// returns.
func (t *Table) invalidate(loc Location, vpn VPN) {
	s := t.slotAt(loc)
	old := PTE{Hi: s.hi.Load(), Lo: s.lo.Load()}

	if old.Managed() {
		t.harvest(old)
	}

	s.hi.Store(old.Hi &^ PTEValid)
	t.barrier.PTESync()
	t.barrier.TLBIE(vpn)
	t.barrier.EIEIO()
	t.barrier.TLBSync()
	t.barrier.PTESync()

	s.lo.Store(0)
	s.hi.Store(0)

	t.counters.invalidations.Add(1)
	t.InvokeHook(hooking.HookCtx{
		Domain: t,
		Pos:    HookPosInvalidate,
		Item:   Event{VPN: vpn, Loc: loc, PTE: old},
	})
}

// harvest ORs the hardware reference and change bits of pte into the
// attributes of the physical page it maps.
func (t *Table) harvest(pte PTE) {
	if t.tracker == nil {
		return
	}

	page, ok := t.tracker.PageFor(pte.PAddr())
	if !ok {
		return
	}

	if pte.Referenced() {
		page.SetFlags(phys.FlagReferenced)
	}

	if pte.Changed() {
		page.SetFlags(phys.FlagModified)
	}

	t.counters.harvests.Add(1)
}
