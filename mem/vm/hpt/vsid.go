package hpt

import (
	"fmt"

	"github.com/sarchlab/hptsim/mem/vm"
)

// Segment id geometry. VSIDs are 52 bits wide and every kernel VSID carries
// KernelVSIDBit.
const (
	VSIDBits      = 52
	KernelVSIDBit = uint64(1) << (VSIDBits - 1)
	VSIDHashMask  = uint64(0x0000_007F_FFFF_FFFF)

	vsidMultiplier = 0x13BB
)

// ESID returns the effective segment id of an address.
func ESID(va uint64) uint64 {
	return va >> vm.Log2SegmentSize
}

// KernelVSID maps a kernel effective segment id to its virtual segment id.
func KernelVSID(esid uint64) uint64 {
	return (esid*vsidMultiplier)&(KernelVSIDBit-1) | KernelVSIDBit
}

// A VPN names one virtual page in the 80-bit virtual address space: a
// segment and the page index inside it. It is what a TLB invalidation
// targets.
type VPN struct {
	VSID      uint64
	PageIndex uint64
}

// VPNOf returns the virtual page that holds va in segment vsid.
func VPNOf(vsid, va uint64) VPN {
	return VPN{VSID: vsid, PageIndex: vm.PageIndex(va)}
}

func (v VPN) String() string {
	return fmt.Sprintf("%#x:%04x", v.VSID, v.PageIndex)
}
