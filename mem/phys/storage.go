package phys

import (
	"errors"
	"sync"

	"github.com/sarchlab/hptsim/mem/vm"
)

// ErrBeyondCapacity is returned for accesses past the end of a Storage.
var ErrBeyondCapacity = errors.New(
	"accessing physical address beyond the storage capacity")

// A Storage keeps the bytes behind physical addresses.
//
// Storage is allocated in page-sized units on first touch, so a large
// physical address space costs nothing until it is used.
type Storage struct {
	sync.Mutex
	unitSize uint64
	capacity uint64
	data     map[uint64][]byte
}

// NewStorage creates a storage object with the specified capacity.
func NewStorage(capacity uint64) *Storage {
	storage := new(Storage)

	storage.unitSize = vm.PageSize
	storage.capacity = capacity
	storage.data = make(map[uint64][]byte)

	return storage
}

// Capacity returns the size of the physical address space.
func (s *Storage) Capacity() uint64 {
	return s.capacity
}

func (s *Storage) createOrGetStorageUnit(address uint64) ([]byte, error) {
	if address >= s.capacity {
		return nil, ErrBeyondCapacity
	}

	baseAddr, _ := s.parseAddress(address)
	unit, ok := s.data[baseAddr]
	if !ok {
		unit = make([]byte, s.unitSize)
		s.data[baseAddr] = unit
	}

	return unit, nil
}

func (s *Storage) parseAddress(addr uint64) (baseAddr, inUnitAddr uint64) {
	inUnitAddr = addr % s.unitSize
	baseAddr = addr - inUnitAddr

	return
}

// Read returns length bytes starting at address.
func (s *Storage) Read(address uint64, length uint64) ([]byte, error) {
	s.Lock()
	defer s.Unlock()

	res := make([]byte, length)
	err := s.walk(address, length, func(unit []byte, dataOffset uint64) {
		copy(res[dataOffset:], unit)
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}

// Write stores data starting at address.
func (s *Storage) Write(address uint64, data []byte) error {
	s.Lock()
	defer s.Unlock()

	return s.walk(address, uint64(len(data)),
		func(unit []byte, dataOffset uint64) {
			copy(unit, data[dataOffset:])
		})
}

// Zero clears length bytes starting at address.
func (s *Storage) Zero(address uint64, length uint64) error {
	s.Lock()
	defer s.Unlock()

	return s.walk(address, length, func(unit []byte, _ uint64) {
		clear(unit)
	})
}

// walk calls fn with the in-unit slice that covers each chunk of
// [address, address+length) and the chunk's offset from address.
func (s *Storage) walk(
	address, length uint64,
	fn func(unit []byte, dataOffset uint64),
) error {
	currAddr := address
	dataOffset := uint64(0)

	for dataOffset < length {
		unit, err := s.createOrGetStorageUnit(currAddr)
		if err != nil {
			return err
		}

		_, inUnitAddr := s.parseAddress(currAddr)
		lenToAccess := min(length-dataOffset, s.unitSize-inUnitAddr)

		fn(unit[inUnitAddr:inUnitAddr+lenToAccess], dataOffset)

		dataOffset += lenToAccess
		currAddr += lenToAccess
	}

	return nil
}
