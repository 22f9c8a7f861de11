package compiler

import (
	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
)

type builtinKind int

const (
	bDef builtinKind = iota
	bSet
	bIf
	bFn
	bDo
	bLt
	bLte
	bGt
	bGte
	bPlus
	bSub
	bList
	bPut
	bGet
)

func builtinKindOf(name symbol.ID) (builtinKind, bool) {
	switch name {
	case symDef:
		return bDef, true
	case symSet:
		return bSet, true
	case symIf:
		return bIf, true
	case symFn:
		return bFn, true
	case symDo:
		return bDo, true
	case symLt:
		return bLt, true
	case symLte:
		return bLte, true
	case symGt:
		return bGt, true
	case symGte:
		return bGte, true
	case symPlus:
		return bPlus, true
	case symMinus:
		return bSub, true
	case symList:
		return bList, true
	case symPut:
		return bPut, true
	case symGet:
		return bGet, true
	}
	return 0, false
}

// accessKind names which stack region a resolved name lives in.
type accessKind int

const (
	accLocal accessKind = iota
	accArg
	accCapture
)

type resolved struct {
	kind accessKind
	slot int
}

type localVar struct {
	name symbol.ID
	slot int
}

// captureInfo records one capture slot: the name it was introduced for
// and where, in the enclosing function, its value is taken from at
// MAKE_CLOSURE time.
type captureInfo struct {
	name       symbol.ID
	sourceOp   vm.Opcode // OpCapArg, OpCapLocal or OpCapCapture
	sourceSlot int
}

// funcState is the compiler's per-function-scope record: arguments,
// locals (with a scope-mark stack for do-blocks), captures resolved
// lazily from enclosing functions, and the instruction/constant/
// subfunction streams being assembled for this function.
type funcState struct {
	parent *funcState
	origin string

	args           []symbol.ID
	locals         []localVar
	numLocalsAlloc int
	scopeMarks     []int

	captures      []captureInfo
	captureLookup map[symbol.ID]int

	instrs []vm.Instr
	debug  []corelisp.SourceInfo
	curSrc corelisp.SourceInfo

	constants []value.Value
	constIdx  map[value.Value]int
	strIdx    map[string]int
	subfns    []*vm.Function

	labelCounter       int
	curDepth, maxDepth int
}

func newFuncState(parent *funcState, origin string) *funcState {
	return &funcState{parent: parent, origin: origin}
}

func (fs *funcState) pushScope() {
	fs.scopeMarks = append(fs.scopeMarks, len(fs.locals))
}

func (fs *funcState) popScope() {
	n := len(fs.scopeMarks)
	mark := fs.scopeMarks[n-1]
	fs.scopeMarks = fs.scopeMarks[:n-1]
	fs.locals = fs.locals[:mark]
}

func (fs *funcState) declareLocal(name symbol.ID) (int, error) {
	if fs.numLocalsAlloc >= MaxLocals {
		return 0, corelisp.NewError(corelisp.ErrLimitMaxLocals, "function would exceed max local count (%d)", MaxLocals)
	}
	slot := fs.numLocalsAlloc
	fs.numLocalsAlloc++
	fs.locals = append(fs.locals, localVar{name: name, slot: slot})
	return slot, nil
}

func (fs *funcState) declareArg(name symbol.ID) error {
	if len(fs.args) >= MaxArgs {
		return corelisp.NewError(corelisp.ErrLimitMaxArguments, "function would exceed max argument count (%d)", MaxArgs)
	}
	for _, a := range fs.args {
		if a == name {
			return corelisp.NewError(corelisp.ErrSyntaxErrorDupNames, "duplicate argument name in fn parameter list")
		}
	}
	fs.args = append(fs.args, name)
	return nil
}

func (fs *funcState) resolveLocal(name symbol.ID) (int, bool) {
	for i := len(fs.locals) - 1; i >= 0; i-- {
		if fs.locals[i].name == name {
			return fs.locals[i].slot, true
		}
	}
	return 0, false
}

func (fs *funcState) resolveArg(name symbol.ID) (int, bool) {
	for i, a := range fs.args {
		if a == name {
			return i, true
		}
	}
	return 0, false
}

// resolve looks a name up at the current function level (locals, then
// args, then already-synthesized captures); on a miss it recurses into
// the parent function, and on a hit there synthesizes a new capture
// entry at this level sourced from whatever access kind the outer
// resolution returned. This is what makes a capture miss at the
// referring function ripple a new capture through every intermediate
// function down from the one that actually owns the binding (§4.6
// "Capture discovery").
func (fs *funcState) resolve(name symbol.ID) (resolved, bool, error) {
	if i, ok := fs.resolveLocal(name); ok {
		return resolved{accLocal, i}, true, nil
	}
	if i, ok := fs.resolveArg(name); ok {
		return resolved{accArg, i}, true, nil
	}
	if i, ok := fs.captureLookup[name]; ok {
		return resolved{accCapture, i}, true, nil
	}
	if fs.parent == nil {
		return resolved{}, false, nil
	}
	outer, found, err := fs.parent.resolve(name)
	if err != nil {
		return resolved{}, false, err
	}
	if !found {
		return resolved{}, false, nil
	}
	if len(fs.captures) >= MaxCaptures {
		return resolved{}, false, corelisp.NewError(corelisp.ErrLimitMaxCaptures, "function would exceed max capture count (%d)", MaxCaptures)
	}
	var src vm.Opcode
	switch outer.kind {
	case accLocal:
		src = vm.OpCapLocal
	case accArg:
		src = vm.OpCapArg
	case accCapture:
		src = vm.OpCapCapture
	}
	idx := len(fs.captures)
	fs.captures = append(fs.captures, captureInfo{name: name, sourceOp: src, sourceSlot: outer.slot})
	if fs.captureLookup == nil {
		fs.captureLookup = make(map[symbol.ID]int)
	}
	fs.captureLookup[name] = idx
	return resolved{accCapture, idx}, true, nil
}

// visibleNames collects every name bound anywhere in the function
// chain, plus the built-in form/intrinsic names, for the "did you
// mean" suggestion on a name-error.
func (fs *funcState) visibleNames(symtab *symbol.Table) []string {
	var names []string
	for f := fs; f != nil; f = f.parent {
		for _, l := range f.locals {
			names = append(names, symtab.Lookup(l.name))
		}
		for _, a := range f.args {
			names = append(names, symtab.Lookup(a))
		}
		for _, cp := range f.captures {
			names = append(names, symtab.Lookup(cp.name))
		}
	}
	return append(names, "def", "set", "if", "fn", "do", "+", "-", "<", "<=", ">", ">=", "list", "put", "get")
}

func (fs *funcState) emit(op vm.Opcode, arg int32) {
	fs.instrs = append(fs.instrs, vm.Instr{Op: op, Arg: arg})
	fs.debug = append(fs.debug, fs.curSrc)
	fs.trackDepth(op, arg)
}

// emitPseudo appends a MAKE_CLOSURE capture-source instruction: data
// consumed directly by the MAKE_CLOSURE handler, never dispatched by
// the run loop, so it carries no source info and no stack-depth effect.
func (fs *funcState) emitPseudo(op vm.Opcode, arg int32) {
	fs.instrs = append(fs.instrs, vm.Instr{Op: op, Arg: arg})
	fs.debug = append(fs.debug, corelisp.SourceInfo{})
}

func (fs *funcState) newLabel() (int, error) {
	if fs.labelCounter >= MaxLabels {
		return 0, corelisp.NewError(corelisp.ErrLimitMaxLabels, "function would exceed max label count (%d)", MaxLabels)
	}
	id := fs.labelCounter
	fs.labelCounter++
	return id, nil
}

func (fs *funcState) placeLabel(id int) {
	fs.instrs = append(fs.instrs, vm.Instr{Op: vm.OpLabel, Arg: int32(id)})
	fs.debug = append(fs.debug, corelisp.SourceInfo{})
}

// trackDepth keeps a running estimate of the function's max value-stack
// depth (Function.StackSize), used only as a sizing hint.
func (fs *funcState) trackDepth(op vm.Opcode, arg int32) {
	delta := 0
	switch op {
	case vm.OpNil, vm.OpTrue, vm.OpFalse, vm.OpSmallInt, vm.OpConstant,
		vm.OpGetLocal, vm.OpGetArg, vm.OpGetCapture, vm.OpMakeClosure:
		delta = 1
	case vm.OpPop:
		delta = -int(arg)
	case vm.OpSetLocal, vm.OpSetArg, vm.OpSetCapture, vm.OpJumpIfFalse:
		delta = -1
	case vm.OpCall:
		delta = -int(arg)
	case vm.OpReturn:
		delta = -1
	case vm.OpLt, vm.OpLte, vm.OpGt, vm.OpGte:
		delta = -1
	case vm.OpPlus, vm.OpSub:
		delta = 1 - int(arg)
	case vm.OpMakeList:
		delta = 1 - int(arg)
	case vm.OpPut:
		delta = -2
	case vm.OpGet:
		delta = -1
	}
	fs.curDepth += delta
	if fs.curDepth > fs.maxDepth {
		fs.maxDepth = fs.curDepth
	}
}
