package hpt

import (
	"fmt"

	"github.com/sarchlab/hptsim/mem/vm"
)

// High word of a PTE.
const (
	PTEValid     uint64 = 0x0000_0000_0000_0001
	PTEHID       uint64 = 0x0000_0000_0000_0002 // resolved via the secondary bucket
	PTESWWired   uint64 = 0x0000_0000_0000_0008
	PTESWManaged uint64 = 0x0000_0000_0000_0010
	PTEAPIMask   uint64 = 0x0000_0000_0000_0F80
	PTEAVPNMask  uint64 = 0xFFFF_FFFF_FFFF_FF80

	PTEAPIShift  = 7
	PTEVSIDShift = 12

	// pteKeyMask selects the bits that identify a resident translation.
	pteKeyMask = PTEAVPNMask | PTEHID | PTEValid
)

// Low word of a PTE.
const (
	PTERPNMask   uint64 = 0xFFFF_FFFF_FFFF_F000
	PTERef       uint64 = 0x0000_0000_0000_0100
	PTEChg       uint64 = 0x0000_0000_0000_0080
	PTEW         uint64 = 0x0000_0000_0000_0040
	PTEI         uint64 = 0x0000_0000_0000_0020
	PTEM         uint64 = 0x0000_0000_0000_0010
	PTEG         uint64 = 0x0000_0000_0000_0008
	PTENoExec    uint64 = 0x0000_0000_0000_0004
	PTEPPMask    uint64 = 0x0000_0000_0000_0003
	PTEReadWrite uint64 = 0x0000_0000_0000_0002
	PTEReadOnly  uint64 = 0x0000_0000_0000_0003
)

// The page index is split between the API field of the key and the bucket
// index; apiLowBits is the number of index bits recovered from the bucket.
const (
	apiLowBits       = 11
	pageIndexLowMask = uint64(1)<<apiLowBits - 1
)

// PTE is the two-word hardware page table entry.
type PTE struct {
	Hi uint64
	Lo uint64
}

// Valid reports whether the entry is valid.
func (p PTE) Valid() bool {
	return p.Hi&PTEValid != 0
}

// Secondary reports whether the entry lives in its secondary bucket.
func (p PTE) Secondary() bool {
	return p.Hi&PTEHID != 0
}

// Wired reports the software wired bit.
func (p PTE) Wired() bool {
	return p.Hi&PTESWWired != 0
}

// Managed reports whether the mapped page is tracked by a phys.Tracker.
func (p PTE) Managed() bool {
	return p.Hi&PTESWManaged != 0
}

// VSID returns the segment id encoded in the key.
func (p PTE) VSID() uint64 {
	return p.Hi >> PTEVSIDShift
}

// PAddr returns the physical address of the mapped page.
func (p PTE) PAddr() uint64 {
	return p.Lo & PTERPNMask
}

// Referenced reports the hardware reference bit.
func (p PTE) Referenced() bool {
	return p.Lo&PTERef != 0
}

// Changed reports the hardware change bit.
func (p PTE) Changed() bool {
	return p.Lo&PTEChg != 0
}

// Writable reports whether the entry grants write access.
func (p PTE) Writable() bool {
	return p.Lo&PTEPPMask == PTEReadWrite
}

// Executable reports whether instruction fetch is allowed.
func (p PTE) Executable() bool {
	return p.Lo&PTENoExec == 0
}

// key returns the value a resident slot must hold in its key bits.
func (p PTE) key(secondary bool) uint64 {
	k := p.Hi&PTEAVPNMask | PTEValid
	if secondary {
		k |= PTEHID
	}

	return k
}

func (p PTE) String() string {
	return fmt.Sprintf("pte{hi=%#016x lo=%#016x}", p.Hi, p.Lo)
}

// MakePTE builds the image for mapping va in segment vsid to pa. The image is
// not valid until the table installs it.
func MakePTE(
	vsid, va, pa uint64,
	prot vm.Prot,
	cache vm.CachePolicy,
) PTE {
	pidx := vm.PageIndex(va)

	var p PTE
	p.Hi = vsid<<PTEVSIDShift |
		(pidx>>apiLowBits)<<PTEAPIShift&PTEAPIMask
	p.Lo = pa&PTERPNMask | cacheBits(cache) | protBits(prot)

	return p
}

func cacheBits(cache vm.CachePolicy) uint64 {
	switch cache {
	case vm.CacheWriteThrough:
		return PTEW | PTEM
	case vm.CacheInhibited:
		return PTEI
	case vm.CacheGuarded:
		return PTEI | PTEG
	default:
		return PTEM
	}
}

func protBits(prot vm.Prot) uint64 {
	var bits uint64
	if prot.Has(vm.ProtWrite) {
		bits |= PTEReadWrite
	} else {
		bits |= PTEReadOnly
	}

	if !prot.Has(vm.ProtExec) {
		bits |= PTENoExec
	}

	return bits
}
