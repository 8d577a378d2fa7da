// Package mmu models the processors that share a hash table: their segment
// lookaside buffers, TLBs, partition-table registers, and the broadcast TLB
// invalidation they take part in.
package mmu

import (
	"log"
	"sync"
	"sync/atomic"

	"github.com/sarchlab/hptsim/mem/phys"
	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/sim/hooking"
)

// HookPosTLBIE marks a broadcast TLB invalidation. The item is the hpt.VPN.
var HookPosTLBIE = &hooking.HookPos{Name: "TLBIE"}

// BarrierStats counts the barrier primitives a machine has executed.
type BarrierStats struct {
	PTESyncs uint64
	TLBIEs   uint64
	EIEIOs   uint64
	TLBSyncs uint64
}

// A Machine is a set of CPUs sharing physical storage and one hash table. It
// implements hpt.Barrier.
type Machine struct {
	hooking.HookableBase

	name    string
	cpus    []*CPU
	storage *phys.Storage
	table   atomic.Pointer[hpt.Table]

	broadcastLock sync.Mutex
	pending       sync.WaitGroup
	snoopers      sync.WaitGroup
	closeOnce     sync.Once
	closed        bool

	pteSyncs atomic.Uint64
	tlbies   atomic.Uint64
	eieios   atomic.Uint64
	tlbSyncs atomic.Uint64
}

// Name returns the name of the machine.
func (m *Machine) Name() string {
	return m.name
}

// CPUs returns the processors of the machine.
func (m *Machine) CPUs() []*CPU {
	return m.cpus
}

// NumCPUs returns the number of processors.
func (m *Machine) NumCPUs() int {
	return len(m.cpus)
}

// Storage returns the physical storage of the machine.
func (m *Machine) Storage() *phys.Storage {
	return m.storage
}

// AttachTable makes t the table the CPUs walk. The table must use m as its
// barrier.
func (m *Machine) AttachTable(t *hpt.Table) {
	m.table.Store(t)
}

// Table returns the attached table, or nil.
func (m *Machine) Table() *hpt.Table {
	return m.table.Load()
}

// PTESync orders all earlier accesses before all later ones.
func (m *Machine) PTESync() {
	m.pteSyncs.Add(1)
}

// EIEIO orders the preceding stores before the following ones.
func (m *Machine) EIEIO() {
	m.eieios.Add(1)
}

// TLBIE sends the invalidation of vpn to every CPU. It does not wait for the
// CPUs to act on it. TLBIE panics once the machine is closed.
func (m *Machine) TLBIE(vpn hpt.VPN) {
	m.broadcastLock.Lock()
	defer m.broadcastLock.Unlock()

	if m.closed {
		log.Panicf("%s: TLBIE after Close", m.name)
	}

	m.tlbies.Add(1)
	m.pending.Add(len(m.cpus))

	for _, c := range m.cpus {
		c.snoop <- vpn
	}

	m.InvokeHook(hooking.HookCtx{
		Domain: m,
		Pos:    HookPosTLBIE,
		Item:   vpn,
	})
}

// TLBSync blocks until every CPU has acted on every invalidation broadcast
// so far.
func (m *Machine) TLBSync() {
	m.broadcastLock.Lock()
	defer m.broadcastLock.Unlock()

	m.pending.Wait()
	m.tlbSyncs.Add(1)
}

// BarrierStats returns a snapshot of the barrier counters.
func (m *Machine) BarrierStats() BarrierStats {
	return BarrierStats{
		PTESyncs: m.pteSyncs.Load(),
		TLBIEs:   m.tlbies.Load(),
		EIEIOs:   m.eieios.Load(),
		TLBSyncs: m.tlbSyncs.Load(),
	}
}

// Close stops the CPUs. The machine cannot broadcast invalidations after
// Close returns.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.broadcastLock.Lock()
		m.closed = true
		m.broadcastLock.Unlock()

		for _, c := range m.cpus {
			close(c.snoop)
		}

		m.snoopers.Wait()
	})
}

func (m *Machine) start() {
	for _, c := range m.cpus {
		m.snoopers.Add(1)

		go func(c *CPU) {
			defer m.snoopers.Done()
			c.snoopLoop(m.pending.Done)
		}(c)
	}
}
