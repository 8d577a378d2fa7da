// Package internal provides the set-associative storage of a TLB.
package internal

import (
	"sort"

	"github.com/sarchlab/hptsim/mem/vm/hpt"
)

// An Entry is a cached translation: the virtual page, the entry the table
// walk found, and where the walk found it.
type Entry struct {
	VPN hpt.VPN
	PTE hpt.PTE
	Loc hpt.Location
}

// A Set holds a fixed number of ways replaced in LRU order.
type Set interface {
	Lookup(vpn hpt.VPN) (wayID int, entry Entry, found bool)
	Update(wayID int, entry Entry)
	Evict() (wayID int, ok bool)
	Visit(wayID int)
	Invalidate(vpn hpt.VPN) bool
	Reset()
}

// NewSet creates a new TLB set.
func NewSet(numWays int) Set {
	s := &setImpl{}
	s.blocks = make([]*block, numWays)
	s.visitList = make([]*block, 0, numWays)
	s.wayIDs = make(map[hpt.VPN]int)

	for i := range s.blocks {
		b := &block{}
		s.blocks[i] = b
		b.wayID = i
		s.Visit(i)
	}

	return s
}

type block struct {
	entry     Entry
	valid     bool
	wayID     int
	lastVisit uint64
}

type setImpl struct {
	blocks     []*block
	wayIDs     map[hpt.VPN]int
	visitList  []*block
	visitCount uint64
}

func (s *setImpl) Lookup(vpn hpt.VPN) (
	wayID int,
	entry Entry,
	found bool,
) {
	wayID, ok := s.wayIDs[vpn]
	if !ok {
		return 0, Entry{}, false
	}

	b := s.blocks[wayID]

	return b.wayID, b.entry, true
}

func (s *setImpl) Update(wayID int, entry Entry) {
	b := s.blocks[wayID]
	if b.valid {
		delete(s.wayIDs, b.entry.VPN)
	}

	b.entry = entry
	b.valid = true
	s.wayIDs[entry.VPN] = wayID
}

// Evict returns the least recently used way. Invalid ways are always used
// before valid ones.
func (s *setImpl) Evict() (wayID int, ok bool) {
	if len(s.visitList) == 0 {
		return 0, false
	}

	for _, b := range s.blocks {
		if !b.valid {
			return b.wayID, true
		}
	}

	leastVisited := s.visitList[0]

	return leastVisited.wayID, true
}

func (s *setImpl) Visit(wayID int) {
	b := s.blocks[wayID]

	for i, v := range s.visitList {
		if v.wayID == wayID {
			s.visitList = append(s.visitList[:i], s.visitList[i+1:]...)
			break
		}
	}

	s.visitCount++
	b.lastVisit = s.visitCount

	index := sort.Search(len(s.visitList), func(i int) bool {
		return s.visitList[i].lastVisit > b.lastVisit
	})

	s.visitList = append(s.visitList, nil)
	copy(s.visitList[index+1:], s.visitList[index:])
	s.visitList[index] = b
}

func (s *setImpl) Invalidate(vpn hpt.VPN) bool {
	wayID, ok := s.wayIDs[vpn]
	if !ok {
		return false
	}

	delete(s.wayIDs, vpn)
	b := s.blocks[wayID]
	b.valid = false
	b.entry = Entry{}

	return true
}

func (s *setImpl) Reset() {
	for _, b := range s.blocks {
		b.valid = false
		b.entry = Entry{}
	}

	clear(s.wayIDs)
}
