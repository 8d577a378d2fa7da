package hpt

import "github.com/sarchlab/hptsim/sim/hooking"

// Hook positions of a Table. Hooks run with the table lock held and must not
// call back into the table.
var (
	HookPosInsert     = &hooking.HookPos{Name: "PTEInsert"}
	HookPosEvict      = &hooking.HookPos{Name: "PTEEvict"}
	HookPosInvalidate = &hooking.HookPos{Name: "PTEInvalidate"}
)

// Event is the item passed to the table hooks.
type Event struct {
	VPN VPN
	Loc Location
	PTE PTE
}
