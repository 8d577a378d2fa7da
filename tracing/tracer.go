// Package tracing turns the hooks of the hash table and the machine into a
// stream of records that can be stored or printed.
package tracing

import (
	"fmt"

	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/sim/hooking"
)

// A Record describes one change to the hash table or one broadcast
// invalidation. Hi, Lo, and VSID are kept as hex strings because the key of a
// kernel entry does not fit a signed 64-bit column.
type Record struct {
	Seq       uint64
	Domain    string
	What      string
	VSID      string
	PageIndex uint64
	Bucket    uint64
	Slot      int
	Secondary bool
	PAddr     uint64
	Hi        string
	Lo        string
}

// MakeRecord converts a table event into a record.
func MakeRecord(domain, what string, e hpt.Event) Record {
	return Record{
		Domain:    domain,
		What:      what,
		VSID:      fmt.Sprintf("%#x", e.VPN.VSID),
		PageIndex: e.VPN.PageIndex,
		Bucket:    e.Loc.Bucket,
		Slot:      e.Loc.Slot,
		Secondary: e.Loc.Secondary,
		PAddr:     e.PTE.PAddr(),
		Hi:        fmt.Sprintf("%#016x", e.PTE.Hi),
		Lo:        fmt.Sprintf("%#016x", e.PTE.Lo),
	}
}

// A Tracer consumes trace records. Trace may be called from many goroutines.
type Tracer interface {
	Trace(r Record)
}

// NamedHookable represent something both have a name and can be hooked
type NamedHookable interface {
	hooking.Named
	hooking.Hookable
}
