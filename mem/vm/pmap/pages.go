package pmap

import (
	"fmt"
	"log"

	"github.com/sarchlab/hptsim/mem/vm"
)

// scratchPair is the pair of scratch pages one processor would own. Pairs
// are always borrowed whole.
type scratchPair [2]uint64

func (s *System) borrowScratch() scratchPair {
	return <-s.scratch
}

func (s *System) returnScratch(p scratchPair) {
	s.scratch <- p
}

// ZeroPage clears the physical page at pa through a temporary kernel
// mapping.
func (s *System) ZeroPage(pa uint64) error {
	return s.ZeroPageArea(pa, 0, vm.PageSize)
}

// ZeroPageArea clears size bytes at offset off of the physical page at pa
// through a temporary kernel mapping. The mapping is gone when ZeroPageArea
// returns.
func (s *System) ZeroPageArea(pa, off, size uint64) error {
	if off > vm.PageSize || size > vm.PageSize-off {
		log.Panicf("pmap: zero of %d bytes at %d crosses the page", size, off)
	}

	pa = vm.AlignDown(pa)

	pair := s.borrowScratch()
	defer s.returnScratch(pair)

	va := pair[0]

	s.KEnter(va, pa, vm.ProtRW, vm.CacheWriteBack)
	defer s.KRemove(va, va+vm.PageSize)

	target := s.touch(va+off, true)
	if err := s.storage.Zero(target, size); err != nil {
		return fmt.Errorf("zero page %#x: %w", pa, err)
	}

	s.zeroedPages.Add(1)

	return nil
}

// CopyPage copies the physical page at src to the one at dst through two
// temporary kernel mappings.
func (s *System) CopyPage(src, dst uint64) error {
	src, dst = vm.AlignDown(src), vm.AlignDown(dst)

	pair := s.borrowScratch()
	defer s.returnScratch(pair)

	srcVA, dstVA := pair[0], pair[1]

	s.KEnter(srcVA, src, vm.ProtRead, vm.CacheWriteBack)
	defer s.KRemove(srcVA, srcVA+vm.PageSize)

	s.KEnter(dstVA, dst, vm.ProtRW, vm.CacheWriteBack)
	defer s.KRemove(dstVA, dstVA+vm.PageSize)

	data, err := s.storage.Read(s.touch(srcVA, false), vm.PageSize)
	if err != nil {
		return fmt.Errorf("copy page %#x: %w", src, err)
	}

	if err := s.storage.Write(s.touch(dstVA, true), data); err != nil {
		return fmt.Errorf("copy page to %#x: %w", dst, err)
	}

	s.copiedPages.Add(1)

	return nil
}
