// Package pmap is the machine-dependent mapping layer of the kernel address
// space on a hash-MMU. It turns enter and remove requests into hash-table
// entries and keeps them findable after the table has silently evicted
// them.
package pmap

import (
	"errors"
	"log"

	"github.com/sarchlab/hptsim/mem/vm"
)

// ErrNotSupported is returned by the per-process operations, which only the
// kernel address space would need and which are not implemented.
var ErrNotSupported = errors.New("pmap: operation not supported")

// A Pmap is an address space. Only the kernel pmap can hold mappings.
type Pmap struct {
	pid vm.PID
}

// PID returns the address space id.
func (pm *Pmap) PID() vm.PID {
	return pm.pid
}

// IsKernel reports whether pm is the kernel address space.
func (pm *Pmap) IsKernel() bool {
	return pm.pid == vm.KernelPID
}

func (s *System) mustBeKernel(pm *Pmap, op string) {
	if pm != s.kernel {
		pid := vm.PID(0)
		if pm != nil {
			pid = pm.pid
		}

		log.Panicf("pmap: %s on non-kernel pmap %d", op, pid)
	}
}

// Create would create a user address space.
func (s *System) Create() (*Pmap, error) {
	return nil, ErrNotSupported
}

// Destroy would release a user address space.
func (s *System) Destroy(_ *Pmap) error {
	return ErrNotSupported
}

// Copy would copy mappings between address spaces.
func (s *System) Copy(_, _ *Pmap, _, _, _ uint64) error {
	return ErrNotSupported
}

// Protect would change the protection of a range of an address space.
func (s *System) Protect(_ *Pmap, _, _ uint64, _ vm.Prot) error {
	return ErrNotSupported
}

// PageProtect would lower the protection of every mapping of a page.
func (s *System) PageProtect(_ uint64, _ vm.Prot) error {
	return ErrNotSupported
}

// IsModified always reports false.
func (s *System) IsModified(_ uint64) bool {
	return false
}

// IsReferenced always reports false.
func (s *System) IsReferenced(_ uint64) bool {
	return false
}

// ClearModify always reports that nothing was cleared.
func (s *System) ClearModify(_ uint64) bool {
	return false
}

// ClearReference always reports that nothing was cleared.
func (s *System) ClearReference(_ uint64) bool {
	return false
}

// TsReferenced always reports no references.
func (s *System) TsReferenced(_ uint64) int {
	return 0
}
