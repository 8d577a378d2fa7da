// Package vm provides the vocabulary shared by the models of the hash-MMU
// address translation path.
package vm

import "strings"

// PID identifies an address space.
type PID uint32

// KernelPID is the only address space that can hold mappings.
const KernelPID PID = 0

// Page and segment geometry of the hash MMU.
const (
	Log2PageSize    = 12
	PageSize        = uint64(1) << Log2PageSize
	PageMask        = PageSize - 1
	Log2SegmentSize = 28
	SegmentSize     = uint64(1) << Log2SegmentSize
	SegmentMask     = SegmentSize - 1

	// PageIndexMask selects the page-within-segment bits of an address.
	PageIndexMask = SegmentMask &^ PageMask
)

// AlignDown rounds addr down to a page boundary.
func AlignDown(addr uint64) uint64 {
	return addr &^ PageMask
}

// AlignUp rounds addr up to a page boundary.
func AlignUp(addr uint64) uint64 {
	return (addr + PageMask) &^ PageMask
}

// PageIndex returns the index of the page that holds addr inside its 256 MiB
// segment.
func PageIndex(addr uint64) uint64 {
	return (addr & PageIndexMask) >> Log2PageSize
}

// Prot is a set of access rights.
type Prot uint8

// Access rights.
const (
	ProtNone  Prot = 0
	ProtRead  Prot = 1 << 0
	ProtWrite Prot = 1 << 1
	ProtExec  Prot = 1 << 2

	ProtRW  = ProtRead | ProtWrite
	ProtRX  = ProtRead | ProtExec
	ProtAll = ProtRead | ProtWrite | ProtExec
)

// Has reports whether p grants all the rights in q.
func (p Prot) Has(q Prot) bool {
	return p&q == q
}

func (p Prot) String() string {
	if p == ProtNone {
		return "---"
	}

	var b strings.Builder
	for _, r := range []struct {
		bit Prot
		c   byte
	}{{ProtRead, 'r'}, {ProtWrite, 'w'}, {ProtExec, 'x'}} {
		if p.Has(r.bit) {
			b.WriteByte(r.c)
		} else {
			b.WriteByte('-')
		}
	}

	return b.String()
}

// CachePolicy selects the storage attributes of a mapping.
type CachePolicy uint8

// Cache policies.
const (
	CacheWriteBack CachePolicy = iota
	CacheWriteThrough
	CacheInhibited
	CacheGuarded
)

func (c CachePolicy) String() string {
	switch c {
	case CacheWriteBack:
		return "wb"
	case CacheWriteThrough:
		return "wt"
	case CacheInhibited:
		return "ci"
	case CacheGuarded:
		return "ci+g"
	default:
		return "unknown"
	}
}
