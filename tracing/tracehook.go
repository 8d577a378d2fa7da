package tracing

import (
	"fmt"
	"reflect"
	"sync/atomic"

	"github.com/sarchlab/hptsim/mem/vm/hpt"
	"github.com/sarchlab/hptsim/sim/hooking"
)

// CollectTrace let the tracer to collect trace from a domain
func CollectTrace(domain NamedHookable, tracer Tracer) {
	hooks := domain.Hooks()
	for _, hook := range hooks {
		hook, ok := hook.(*traceHook)
		if ok && hook.t == tracer {
			panic(fmt.Sprintf(
				"domain %s already has tracer %s",
				domain.Name(), reflect.TypeOf(tracer)))
		}
	}

	h := traceHook{t: tracer}
	domain.AcceptHook(&h)
}

// A traceHook converts hook invocations into records.
type traceHook struct {
	t   Tracer
	seq atomic.Uint64
}

// Func calls the tracer when the hook is triggered. Items that are neither
// table events nor virtual pages are ignored.
func (h *traceHook) Func(ctx hooking.HookCtx) {
	var r Record

	switch item := ctx.Item.(type) {
	case hpt.Event:
		r = MakeRecord(ctx.Domain.Name(), ctx.Pos.Name, item)
	case hpt.VPN:
		r = MakeRecord(ctx.Domain.Name(), ctx.Pos.Name, hpt.Event{VPN: item})
		r.Hi, r.Lo = "", ""
	default:
		return
	}

	r.Seq = h.seq.Add(1)
	h.t.Trace(r)
}
