package vm

import (
	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/value"
)

// Function is an immutable compiled bytecode function (§3 "Bytecode
// function"). A module's entry point is a Function with NumCaptures 0;
// every nested fn literal compiles to one more Function reachable
// through an ancestor's SubFns.
type Function struct {
	Instrs      []Instr
	Constants   []value.Value
	SubFns      []*Function
	NumArgs     int
	NumLocals   int
	NumCaptures int
	StackSize   int
	Origin      string

	// DebugInfo[i] is the source range instruction i was compiled from,
	// or nil if the compile option strip_debug_info was set.
	DebugInfo []corelisp.SourceInfo
}
