package vm

import (
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/zone"
)

// Frame is one VM-closure activation (§3 "Activation frame"). Native
// calls don't push a Frame: the dispatch loop drives them to completion
// synchronously inside OpCall and nothing about them needs to survive
// across a bytecode dispatch step.
type Frame struct {
	closure     *Closure
	closureHeap *value.Heap // kept for SET_CAPTURE's arena-mask bookkeeping
	ip          int
	base        int // index into Machine.stack where this frame's args begin
	zone        *zone.Zone
}
