package mmu

import (
	"encoding/binary"
	"fmt"
	"log"
	"math/bits"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm"
)

// PartitionTableEntrySize is the size of one partition-table entry.
const PartitionTableEntrySize = 16

// Field layout of the first partition-table entry word and of the PTCR.
const (
	htabOrgMask  uint64 = 0x0FFF_FFFF_FFFC_0000
	htabSizeMask uint64 = 0x0000_0000_0000_001F
	patbMask     uint64 = 0x0FFF_FFFF_FFFF_F000
	patsMask     uint64 = 0x0000_0000_0000_001F

	minLog2Buckets = 11
)

// A PartitionTableEntry tells the processor where the hash table lives and
// how many buckets it has.
type PartitionTableEntry struct {
	HTABBase   uint64
	NumBuckets uint64
}

func (e PartitionTableEntry) String() string {
	return fmt.Sprintf("patb{htab=%#x buckets=%d}", e.HTABBase, e.NumBuckets)
}

// Encode returns the big-endian storage image of the entry.
func (e PartitionTableEntry) Encode() []byte {
	if e.HTABBase&^htabOrgMask != 0 {
		log.Panicf("hash table base %#x is not 256 KiB aligned", e.HTABBase)
	}

	log2 := bits.TrailingZeros64(e.NumBuckets)
	if e.NumBuckets == 0 || e.NumBuckets&(e.NumBuckets-1) != 0 ||
		log2 < minLog2Buckets {
		log.Panicf("invalid bucket count %d", e.NumBuckets)
	}

	buf := make([]byte, PartitionTableEntrySize)
	binary.BigEndian.PutUint64(buf[0:8],
		e.HTABBase|uint64(log2-minLog2Buckets))

	return buf
}

// DecodePartitionTableEntry parses an entry written by Encode.
func DecodePartitionTableEntry(buf []byte) PartitionTableEntry {
	w := binary.BigEndian.Uint64(buf[0:8])

	return PartitionTableEntry{
		HTABBase:   w & htabOrgMask,
		NumBuckets: uint64(1) << (w&htabSizeMask + minLog2Buckets),
	}
}

// WritePartitionTableEntry stores entry 0 of the partition table at patb.
func WritePartitionTableEntry(
	s *phys.Storage,
	patb uint64,
	e PartitionTableEntry,
) error {
	if err := s.Write(patb, e.Encode()); err != nil {
		return fmt.Errorf("write partition table entry: %w", err)
	}

	return nil
}

// MakePTCR returns the register value for a partition table of size bytes
// placed at patb.
func MakePTCR(patb, size uint64) uint64 {
	if patb&^patbMask != 0 || patb&vm.PageMask != 0 {
		log.Panicf("partition table base %#x is not page aligned", patb)
	}

	if size < vm.PageSize || size&(size-1) != 0 {
		log.Panicf("invalid partition table size %d", size)
	}

	return patb | uint64(bits.TrailingZeros64(size)-vm.Log2PageSize)
}

// PTCRBase returns the partition table base encoded in a PTCR value.
func PTCRBase(ptcr uint64) uint64 {
	return ptcr & patbMask
}

// PTCRSize returns the partition table size encoded in a PTCR value.
func PTCRSize(ptcr uint64) uint64 {
	return uint64(1) << (ptcr&patsMask + vm.Log2PageSize)
}
