package workload

import (
	"fmt"

	"github.com/sarchlab/hptsim/mem/vm"
	"github.com/sarchlab/hptsim/mem/vm/pmap"
)

// ScenarioBuckets is the table size the reference scenario is defined for.
const ScenarioBuckets = 2048

// A Check is one step of the reference scenario.
type Check struct {
	Name   string
	Passed bool
	Detail string
}

func (c Check) String() string {
	status := "PASS"
	if !c.Passed {
		status = "FAIL"
	}

	return fmt.Sprintf("[%s] %s: %s", status, c.Name, c.Detail)
}

// Scenario runs the reference mapping scenario on s and reports every check.
// zeroFrame is a free frame used for the scratch mapping check.
func Scenario(s *pmap.System, zeroFrame uint64) []Check {
	const (
		va = uint64(0x0010_0000)
		pa = uint64(0x0020_0000)
	)

	var checks []Check

	add := func(name string, passed bool, format string, args ...any) {
		checks = append(checks, Check{
			Name:   name,
			Passed: passed,
			Detail: fmt.Sprintf(format, args...),
		})
	}

	kernel := s.Kernel()

	add("buckets", s.Table().NumBuckets() == ScenarioBuckets,
		"%d buckets, %d slots",
		s.Table().NumBuckets(), s.Table().SizeInBytes()/16)

	s.KEnter(va, pa, vm.ProtRW, vm.CacheWriteBack)

	got, ok := s.Extract(kernel, va)
	add("extract", ok && got == pa, "%#x -> %#x (%t)", va, got, ok)

	got, ok = s.Extract(kernel, va+1)
	add("extract offset", ok && got == pa+1, "%#x -> %#x (%t)", va+1, got, ok)

	s.KRemove(va, va+vm.PageSize)

	got, ok = s.Extract(kernel, va)
	add("remove", !ok, "%#x -> %#x (%t)", va, got, ok)

	add("scratch before zero", !anyResident(s), "scratch pages unmapped")

	err := s.ZeroPage(zeroFrame)
	add("zero page", err == nil, "frame %#x (err %v)", zeroFrame, err)

	add("scratch after zero", !anyResident(s), "scratch pages unmapped")

	return checks
}

func anyResident(s *pmap.System) bool {
	for _, va := range s.ScratchPages() {
		if _, ok := s.Extract(s.Kernel(), va); ok {
			return true
		}
	}

	return false
}

// Passed reports whether every check passed.
func Passed(checks []Check) bool {
	for _, c := range checks {
		if !c.Passed {
			return false
		}
	}

	return true
}
