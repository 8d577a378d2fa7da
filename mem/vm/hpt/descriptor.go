package hpt

import (
	"fmt"

	"github.com/sarchlab/hptsim/mem/vm"
)

// Location addresses one slot of the table.
type Location struct {
	Bucket    uint64
	Slot      int
	Secondary bool
}

func (l Location) String() string {
	side := "P"
	if l.Secondary {
		side = "S"
	}

	return fmt.Sprintf("%d.%d%s", l.Bucket, l.Slot, side)
}

// ResidencyKind tells whether a descriptor believes it is in the table.
type ResidencyKind int

// Residency kinds.
const (
	Unmapped ResidencyKind = iota
	Resident
)

// Residency records where a descriptor was last installed. A Resident value
// is a belief, not a fact: eviction never updates it, so it must be checked
// with Table.Locate before use.
type Residency struct {
	Kind ResidencyKind
	Loc  Location
}

// ResidentAt returns the residency of an entry installed at loc.
func ResidentAt(loc Location) Residency {
	return Residency{Kind: Resident, Loc: loc}
}

// A Descriptor owns one logical mapping and the PTE image to (re)install.
type Descriptor struct {
	PID       vm.PID
	VAddr     uint64
	VSID      uint64
	Managed   bool
	Wired     bool
	PTE       PTE
	Residency Residency
}

// Fill initializes d to map va to pa in the kernel address space. The
// residency is reset.
func (d *Descriptor) Fill(
	va, pa uint64,
	prot vm.Prot,
	cache vm.CachePolicy,
	managed, wired bool,
) {
	va = vm.AlignDown(va)
	vsid := KernelVSID(ESID(va))

	*d = Descriptor{
		PID:     vm.KernelPID,
		VAddr:   va,
		VSID:    vsid,
		Managed: managed,
		Wired:   wired,
		PTE:     MakePTE(vsid, va, pa, prot, cache),
	}

	if managed {
		d.PTE.Hi |= PTESWManaged
	}

	if wired {
		d.PTE.Hi |= PTESWWired
	}
}

// VPN returns the virtual page the descriptor maps.
func (d *Descriptor) VPN() VPN {
	return VPNOf(d.VSID, d.VAddr)
}

// PAddr returns the physical page the descriptor maps.
func (d *Descriptor) PAddr() uint64 {
	return d.PTE.PAddr()
}

func (d *Descriptor) String() string {
	where := "unmapped"
	if d.Residency.Kind == Resident {
		where = d.Residency.Loc.String()
	}

	return fmt.Sprintf("desc{va=%#x pa=%#x %s}", d.VAddr, d.PAddr(), where)
}
