package runtime

import (
	"github.com/corelisp/corelisp/compiler"
)

// newCompiler builds a compiler.Compiler for a single Compile call,
// allocating its constant-string storage in the Env's permanent zone
// since a compiled Function outlives whatever per-call Context produced
// it (§4.6 "constZone ... ordinarily the environment's permanent
// zone").
func newCompiler(e *Env, debug compiler.DebugTable) *compiler.Compiler {
	return compiler.New(e.symtab, e.zenv.Permanent(), compiler.WithDebugTable(debug))
}
