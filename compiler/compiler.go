// Package compiler translates parsed S-expression values into vm.Function
// bytecode (§4.6): lexical scope resolution, capture discovery across
// nested function scopes, constant pooling, label patching, and the
// NIL;POP peephole pass.
package compiler

import (
	"fmt"
	"math"

	"github.com/agnivade/levenshtein"
	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/container"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
	"github.com/corelisp/corelisp/zone"
)

// Built-in special-form and intrinsic symbol ids. These are fixed by
// symbol.New's bootstrap order, so the compiler never has to look them
// up through the table at compile time.
const (
	symDef symbol.ID = iota
	symSet
	symIf
	symFn
	symDo
	symPlus
	symMinus
	symLt
	symLte
	symGt
	symGte
	symList
	symPut
	symGet
)

// Compile-time limits (§4.6 "Limits").
const (
	MaxArgs         = 255   // UINT8_MAX
	MaxLocals       = 65535 // UINT16_MAX
	MaxCaptures     = 65535
	MaxLabels       = 65535
	MaxSubFunctions = 255 // UINT8_MAX
	MaxInstructions = 32767 // INT16_MAX
)

// DebugKey names one argument slot of a parsed list — the unit the
// reader attaches source locations to ("a per-list-slot debug-info
// lookup using the parser-supplied mapping from (list_value,
// slot_index) to source range", §4.6).
type DebugKey struct {
	List *value.Heap
	Slot int
}

// DebugTable maps a parsed list's slot to the source range it was read
// from. A missing entry yields the zero SourceInfo.
type DebugTable map[DebugKey]corelisp.SourceInfo

// Opt configures a Compiler at construction.
type Opt func(*Compiler)

// WithDebugTable supplies the reader's slot->source-range mapping.
func WithDebugTable(t DebugTable) Opt {
	return func(c *Compiler) { c.debug = t }
}

// WithStripDebugInfo omits per-instruction source info from compiled
// functions (§4.6 "the compile option strip_debug_info").
func WithStripDebugInfo() Opt {
	return func(c *Compiler) { c.stripDebug = true }
}

// Compiler holds the state shared across one or more Compile calls: the
// symbol table (for built-in name resolution and error messages) and
// the zone constant string payloads are allocated in.
type Compiler struct {
	symtab     *symbol.Table
	constZone  *zone.Zone
	debug      DebugTable
	stripDebug bool
}

// New builds a Compiler. constZone is where string constants' byte
// storage is allocated — ordinarily the environment's permanent zone,
// since a compiled Function outlives any particular execution zone and
// CONSTANT always copies out of it at read time regardless.
func New(symtab *symbol.Table, constZone *zone.Zone, opts ...Opt) *Compiler {
	c := &Compiler{symtab: symtab, constZone: constZone}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Compile compiles a top-level sequence of expressions (program, a
// value.KindList) into a zero-capture entry-point Function ("Output: a
// VM closure with no captures when compiling a module entry", §4.6).
func (c *Compiler) Compile(origin string, program value.Value) (*vm.Function, error) {
	return c.compileEntry(origin, program)
}

// CompileModule is Compile under the module calling convention: the
// entry function takes two arguments, import and export, which the
// module system binds to the registry's native closures when it
// initializes the module.
func (c *Compiler) CompileModule(origin string, program value.Value) (*vm.Function, error) {
	return c.compileEntry(origin, program, "import", "export")
}

func (c *Compiler) compileEntry(origin string, program value.Value, params ...string) (*vm.Function, error) {
	if program.Kind() != value.KindList {
		return nil, corelisp.NewError(corelisp.ErrUnexpectedType, "a compiled program must be a list of top-level expressions")
	}
	fs := newFuncState(nil, origin)
	for _, p := range params {
		if err := fs.declareArg(c.symtab.Intern(p)); err != nil {
			return nil, err
		}
	}
	if err := c.compileSequence(fs, program, 0); err != nil {
		return nil, err
	}
	fs.emit(vm.OpReturn, 0)
	return c.finish(fs)
}

// compileSequence implements "expressions in a sequence are joined by
// NIL; POP; expr" (§4.6): it seeds the stack with NIL, then for every
// element pops the previous result and compiles the next expression.
// The peephole pass in finish later collapses the leading NIL;POP pair
// (and any other NIL immediately followed by POP 1), leaving exactly
// the last expression's value — or nil, if the sequence is empty.
func (c *Compiler) compileSequence(fs *funcState, listVal value.Value, startIdx int) error {
	elems := container.AsList(listVal)
	n := elems.Len()
	fs.curSrc = corelisp.SourceInfo{}
	fs.emit(vm.OpNil, 0)
	for i := startIdx; i < n; i++ {
		fs.emit(vm.OpPop, 1)
		fs.curSrc = c.srcAt(listVal, i)
		if err := c.compileExpr(fs, elems.Get(i)); err != nil {
			return err
		}
	}
	return nil
}

func (c *Compiler) srcAt(list value.Value, slot int) corelisp.SourceInfo {
	if c.stripDebug || c.debug == nil || !list.IsHeap() {
		return corelisp.SourceInfo{}
	}
	return c.debug[DebugKey{List: list.Heap(), Slot: slot}]
}

func (c *Compiler) compileExpr(fs *funcState, v value.Value) error {
	switch v.Kind() {
	case value.KindNil:
		fs.emit(vm.OpNil, 0)
		return nil
	case value.KindBool:
		if v.AsBool() {
			fs.emit(vm.OpTrue, 0)
		} else {
			fs.emit(vm.OpFalse, 0)
		}
		return nil
	case value.KindInt:
		n := v.AsInt()
		if n >= math.MinInt16 && n <= math.MaxInt16 {
			fs.emit(vm.OpSmallInt, n)
			return nil
		}
		idx := c.internScalar(fs, v)
		fs.emit(vm.OpConstant, int32(idx))
		return nil
	case value.KindFloat:
		idx := c.internScalar(fs, v)
		fs.emit(vm.OpConstant, int32(idx))
		return nil
	case value.KindString:
		idx := c.internString(fs, v.AsString())
		fs.emit(vm.OpConstant, int32(idx))
		return nil
	case value.KindSymbol:
		return c.compileRef(fs, v.AsSymbol())
	case value.KindList:
		return c.compileForm(fs, v)
	default:
		return corelisp.NewError(corelisp.ErrUnexpectedType, "a value of kind %s cannot appear as an expression", v.Kind())
	}
}

func (c *Compiler) compileRef(fs *funcState, name symbol.ID) error {
	r, found, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if !found {
		// An unbound `nil` is the nil literal.
		if c.symtab.Lookup(name) == "nil" {
			fs.emit(vm.OpNil, 0)
			return nil
		}
		return c.nameError(fs, name)
	}
	switch r.kind {
	case accLocal:
		fs.emit(vm.OpGetLocal, int32(r.slot))
	case accArg:
		fs.emit(vm.OpGetArg, int32(r.slot))
	case accCapture:
		fs.emit(vm.OpGetCapture, int32(r.slot))
	}
	return nil
}

func (c *Compiler) nameError(fs *funcState, name symbol.ID) error {
	target := c.symtab.Lookup(name)
	best, bestDist := "", -1
	for _, cand := range fs.visibleNames(c.symtab) {
		d := levenshtein.ComputeDistance(target, cand)
		if bestDist == -1 || d < bestDist {
			best, bestDist = cand, d
		}
	}
	msg := fmt.Sprintf("undefined name %q", target)
	if best != "" && bestDist <= 2 {
		msg = fmt.Sprintf("%s (did you mean %q?)", msg, best)
	}
	return corelisp.NewError(corelisp.ErrNameError, "%s", msg)
}

// compileForm compiles a list value as code: the empty list is a
// syntax error, a head symbol that resolves to a built-in (and is not
// itself shadowed by a binding) dispatches to that built-in or
// intrinsic, and everything else is an ordinary call.
func (c *Compiler) compileForm(fs *funcState, v value.Value) error {
	l := container.AsList(v)
	if l.Len() == 0 {
		return corelisp.NewError(corelisp.ErrSyntaxErrorEmptyList, "cannot evaluate an empty list")
	}
	head := l.Get(0)
	if head.Kind() == value.KindSymbol {
		name := head.AsSymbol()
		_, shadowed, err := fs.resolve(name)
		if err != nil {
			return err
		}
		if !shadowed {
			if bk, ok := builtinKindOf(name); ok {
				return c.compileBuiltin(fs, bk, v, l)
			}
		}
	}
	return c.compileCall(fs, v, l)
}

func (c *Compiler) compileBuiltin(fs *funcState, bk builtinKind, form value.Value, l *container.List) error {
	switch bk {
	case bDef:
		return c.compileDef(fs, form, l)
	case bSet:
		return c.compileSet(fs, form, l)
	case bIf:
		return c.compileIf(fs, form, l)
	case bFn:
		return c.compileFn(fs, form, l)
	case bDo:
		return c.compileDo(fs, form, l)
	case bLt, bLte, bGt, bGte:
		return c.compileCompare(fs, bk, form, l)
	case bPlus, bSub:
		return c.compileArith(fs, bk, form, l)
	case bList:
		return c.compileListLit(fs, form, l)
	case bPut:
		return c.compilePut(fs, form, l)
	case bGet:
		return c.compileGet(fs, form, l)
	}
	return corelisp.NewError(corelisp.ErrPanic, "unreachable built-in kind")
}

// compileDef implements (def name value?). The bound name is not
// visible while compiling its own init expression, matching ordinary
// lexical-binding semantics; def's own result is the bound value.
func (c *Compiler) compileDef(fs *funcState, form value.Value, l *container.List) error {
	if l.Len() != 2 && l.Len() != 3 {
		return corelisp.NewError(corelisp.ErrSyntaxErrorDef, "def expects (def name value?), got %d forms", l.Len())
	}
	nameVal := l.Get(1)
	if nameVal.Kind() != value.KindSymbol {
		return corelisp.NewError(corelisp.ErrSyntaxErrorDef, "def's first argument must be a symbol")
	}
	if l.Len() == 3 {
		fs.curSrc = c.srcAt(form, 2)
		if err := c.compileExpr(fs, l.Get(2)); err != nil {
			return err
		}
	} else {
		fs.emit(vm.OpNil, 0)
	}
	slot, err := fs.declareLocal(nameVal.AsSymbol())
	if err != nil {
		return err
	}
	fs.emit(vm.OpSetLocal, int32(slot))
	fs.emit(vm.OpGetLocal, int32(slot))
	return nil
}

// compileSet implements (set name value), storing to whichever of
// local/arg/capture name currently resolves to.
func (c *Compiler) compileSet(fs *funcState, form value.Value, l *container.List) error {
	if l.Len() != 3 {
		return corelisp.NewError(corelisp.ErrSyntaxErrorSet, "set expects (set name value), got %d forms", l.Len())
	}
	nameVal := l.Get(1)
	if nameVal.Kind() != value.KindSymbol {
		return corelisp.NewError(corelisp.ErrSyntaxErrorSet, "set's first argument must be a symbol")
	}
	name := nameVal.AsSymbol()
	r, found, err := fs.resolve(name)
	if err != nil {
		return err
	}
	if !found {
		return c.nameError(fs, name)
	}
	fs.curSrc = c.srcAt(form, 2)
	if err := c.compileExpr(fs, l.Get(2)); err != nil {
		return err
	}
	switch r.kind {
	case accLocal:
		fs.emit(vm.OpSetLocal, int32(r.slot))
		fs.emit(vm.OpGetLocal, int32(r.slot))
	case accArg:
		fs.emit(vm.OpSetArg, int32(r.slot))
		fs.emit(vm.OpGetArg, int32(r.slot))
	case accCapture:
		fs.emit(vm.OpSetCapture, int32(r.slot))
		fs.emit(vm.OpGetCapture, int32(r.slot))
	}
	return nil
}

// compileIf implements 2- or 3-ary (if cond then else?).
func (c *Compiler) compileIf(fs *funcState, form value.Value, l *container.List) error {
	if l.Len() != 3 && l.Len() != 4 {
		return corelisp.NewError(corelisp.ErrSyntaxErrorIf, "if expects (if cond then else?), got %d forms", l.Len())
	}
	fs.curSrc = c.srcAt(form, 1)
	if err := c.compileExpr(fs, l.Get(1)); err != nil {
		return err
	}
	elseLabel, err := fs.newLabel()
	if err != nil {
		return err
	}
	endLabel, err := fs.newLabel()
	if err != nil {
		return err
	}
	fs.emit(vm.OpJumpIfFalse, int32(elseLabel))
	fs.curSrc = c.srcAt(form, 2)
	if err := c.compileExpr(fs, l.Get(2)); err != nil {
		return err
	}
	fs.emit(vm.OpJump, int32(endLabel))
	fs.placeLabel(elseLabel)
	if l.Len() == 4 {
		fs.curSrc = c.srcAt(form, 3)
		if err := c.compileExpr(fs, l.Get(3)); err != nil {
			return err
		}
	} else {
		fs.emit(vm.OpNil, 0)
	}
	fs.placeLabel(endLabel)
	return nil
}

// compileFn implements (fn (args...) body...): a fresh function scope,
// a sequence body ending in RETURN, and a MAKE_CLOSURE plus its capture
// pseudo-instructions emitted into the enclosing function.
func (c *Compiler) compileFn(fs *funcState, form value.Value, l *container.List) error {
	if l.Len() < 2 {
		return corelisp.NewError(corelisp.ErrSyntaxErrorFn, "fn expects (fn (args...) body...)")
	}
	paramsVal := l.Get(1)
	if paramsVal.Kind() != value.KindList {
		return corelisp.NewError(corelisp.ErrSyntaxErrorFn, "fn's parameter list must itself be a list")
	}
	params := container.AsList(paramsVal)
	child := newFuncState(fs, fs.origin)
	for i := 0; i < params.Len(); i++ {
		p := params.Get(i)
		if p.Kind() != value.KindSymbol {
			return corelisp.NewError(corelisp.ErrSyntaxErrorFn, "fn parameters must be symbols")
		}
		if err := child.declareArg(p.AsSymbol()); err != nil {
			return err
		}
	}
	if err := c.compileSequence(child, form, 2); err != nil {
		return err
	}
	child.emit(vm.OpReturn, 0)
	subFn, err := c.finish(child)
	if err != nil {
		return err
	}
	if len(fs.subfns) >= MaxSubFunctions {
		return corelisp.NewError(corelisp.ErrLimitMaxFunctions, "function would exceed max nested subfunction count (%d)", MaxSubFunctions)
	}
	fnIdx := len(fs.subfns)
	fs.subfns = append(fs.subfns, subFn)
	fs.emit(vm.OpMakeClosure, vm.EncodeClosureArg(fnIdx, len(child.captures)))
	for _, cap := range child.captures {
		fs.emitPseudo(cap.sourceOp, int32(cap.sourceSlot))
	}
	return nil
}

// compileDo implements (do body...): a new local scope in the same
// function (no new captures, no new frame).
func (c *Compiler) compileDo(fs *funcState, form value.Value, l *container.List) error {
	fs.pushScope()
	defer fs.popScope()
	return c.compileSequence(fs, form, 1)
}

func (c *Compiler) compileCompare(fs *funcState, bk builtinKind, form value.Value, l *container.List) error {
	if l.Len() != 3 {
		return corelisp.NewError(corelisp.ErrWrongArity, "comparison expects exactly 2 arguments, got %d", l.Len()-1)
	}
	for i := 1; i <= 2; i++ {
		fs.curSrc = c.srcAt(form, i)
		if err := c.compileExpr(fs, l.Get(i)); err != nil {
			return err
		}
	}
	switch bk {
	case bLt:
		fs.emit(vm.OpLt, 0)
	case bLte:
		fs.emit(vm.OpLte, 0)
	case bGt:
		fs.emit(vm.OpGt, 0)
	case bGte:
		fs.emit(vm.OpGte, 0)
	}
	return nil
}

func (c *Compiler) compileArith(fs *funcState, bk builtinKind, form value.Value, l *container.List) error {
	name := "+"
	if bk == bSub {
		name = "-"
	}
	argc := l.Len() - 1
	if argc < 1 {
		return corelisp.NewError(corelisp.ErrWrongArity, "%s requires at least one argument", name)
	}
	if argc > MaxArgs {
		return corelisp.NewError(corelisp.ErrLimitMaxArguments, "%s would exceed max argument count (%d)", name, MaxArgs)
	}
	for i := 1; i < l.Len(); i++ {
		fs.curSrc = c.srcAt(form, i)
		if err := c.compileExpr(fs, l.Get(i)); err != nil {
			return err
		}
	}
	switch {
	case bk == bSub && argc == 1:
		fs.emit(vm.OpNeg, 0)
	case bk == bSub:
		fs.emit(vm.OpSub, int32(argc))
	default:
		fs.emit(vm.OpPlus, int32(argc))
	}
	return nil
}

func (c *Compiler) compileListLit(fs *funcState, form value.Value, l *container.List) error {
	argc := l.Len() - 1
	if argc > MaxArgs {
		return corelisp.NewError(corelisp.ErrLimitMaxArguments, "list would exceed max argument count (%d)", MaxArgs)
	}
	for i := 1; i < l.Len(); i++ {
		fs.curSrc = c.srcAt(form, i)
		if err := c.compileExpr(fs, l.Get(i)); err != nil {
			return err
		}
	}
	fs.emit(vm.OpMakeList, int32(argc))
	return nil
}

func (c *Compiler) compilePut(fs *funcState, form value.Value, l *container.List) error {
	if l.Len() != 4 {
		return corelisp.NewError(corelisp.ErrWrongArity, "put expects (put container key value), got %d arguments", l.Len()-1)
	}
	for i := 1; i <= 3; i++ {
		fs.curSrc = c.srcAt(form, i)
		if err := c.compileExpr(fs, l.Get(i)); err != nil {
			return err
		}
	}
	fs.emit(vm.OpPut, 3)
	return nil
}

func (c *Compiler) compileGet(fs *funcState, form value.Value, l *container.List) error {
	if l.Len() != 3 {
		return corelisp.NewError(corelisp.ErrWrongArity, "get expects (get container key), got %d arguments", l.Len()-1)
	}
	for i := 1; i <= 2; i++ {
		fs.curSrc = c.srcAt(form, i)
		if err := c.compileExpr(fs, l.Get(i)); err != nil {
			return err
		}
	}
	fs.emit(vm.OpGet, 2)
	return nil
}

// compileCall compiles an ordinary call: every argument pushed in
// order, then the callee expression (so it ends up on top, matching
// the VM's CALL convention), then CALL argc.
func (c *Compiler) compileCall(fs *funcState, form value.Value, l *container.List) error {
	argc := l.Len() - 1
	if argc > MaxArgs {
		return corelisp.NewError(corelisp.ErrLimitMaxArguments, "call would exceed max argument count (%d)", MaxArgs)
	}
	for i := 1; i < l.Len(); i++ {
		fs.curSrc = c.srcAt(form, i)
		if err := c.compileExpr(fs, l.Get(i)); err != nil {
			return err
		}
	}
	fs.curSrc = c.srcAt(form, 0)
	if err := c.compileExpr(fs, l.Get(0)); err != nil {
		return err
	}
	fs.emit(vm.OpCall, int32(argc))
	return nil
}

func (c *Compiler) internScalar(fs *funcState, v value.Value) int {
	if fs.constIdx == nil {
		fs.constIdx = make(map[value.Value]int)
	}
	if idx, ok := fs.constIdx[v]; ok {
		return idx
	}
	idx := len(fs.constants)
	fs.constants = append(fs.constants, v)
	fs.constIdx[v] = idx
	return idx
}

func (c *Compiler) internString(fs *funcState, s string) int {
	if fs.strIdx == nil {
		fs.strIdx = make(map[string]int)
	}
	if idx, ok := fs.strIdx[s]; ok {
		return idx
	}
	sv := value.NewString(c.constZone, c.constZone.ID(), s)
	idx := len(fs.constants)
	fs.constants = append(fs.constants, sv)
	fs.strIdx[s] = idx
	return idx
}

// finish runs the peephole pass and label patching, enforces the
// instruction-count limit, and assembles the immutable Function.
func (c *Compiler) finish(fs *funcState) (*vm.Function, error) {
	instrs, debug := peephole(fs.instrs, fs.debug)
	instrs, debug, err := patchLabels(instrs, debug)
	if err != nil {
		return nil, err
	}
	if len(instrs) > MaxInstructions {
		return nil, corelisp.NewError(corelisp.ErrLimitMaxInstructions, "function would exceed max instruction count (%d)", MaxInstructions)
	}
	fn := &vm.Function{
		Instrs:      instrs,
		Constants:   fs.constants,
		SubFns:      fs.subfns,
		NumArgs:     len(fs.args),
		NumLocals:   fs.numLocalsAlloc,
		NumCaptures: len(fs.captures),
		StackSize:   fs.maxDepth,
		Origin:      fs.origin,
	}
	if !c.stripDebug {
		fn.DebugInfo = debug
	}
	return fn, nil
}

// peephole removes every NIL immediately followed by POP 1, collapsing
// compileSequence's NIL-seeded chain down to the sequence's last value
// (§4.6 "Label patching" step 1).
func peephole(instrs []vm.Instr, debug []corelisp.SourceInfo) ([]vm.Instr, []corelisp.SourceInfo) {
	out := make([]vm.Instr, 0, len(instrs))
	outDebug := make([]corelisp.SourceInfo, 0, len(debug))
	for i := 0; i < len(instrs); i++ {
		if instrs[i].Op == vm.OpNil && i+1 < len(instrs) && instrs[i+1].Op == vm.OpPop && instrs[i+1].Arg == 1 {
			i++
			continue
		}
		out = append(out, instrs[i])
		outDebug = append(outDebug, debug[i])
	}
	return out, outDebug
}

// patchLabels drops LABEL pseudo-ops, recording their final offsets,
// then rewrites every JUMP/JUMP_IF_FALSE operand from a label id to a
// relative displacement (§4.6 "Label patching" steps 2-3).
func patchLabels(instrs []vm.Instr, debug []corelisp.SourceInfo) ([]vm.Instr, []corelisp.SourceInfo, error) {
	final := make([]vm.Instr, 0, len(instrs))
	finalDebug := make([]corelisp.SourceInfo, 0, len(debug))
	offsets := make(map[int]int)
	for i, instr := range instrs {
		if instr.Op == vm.OpLabel {
			offsets[int(instr.Arg)] = len(final)
			continue
		}
		final = append(final, instr)
		finalDebug = append(finalDebug, debug[i])
	}
	for idx := range final {
		switch final[idx].Op {
		case vm.OpJump, vm.OpJumpIfFalse:
			target, ok := offsets[int(final[idx].Arg)]
			if !ok {
				return nil, nil, corelisp.NewError(corelisp.ErrPanic, "unresolved label in jump operand")
			}
			final[idx].Arg = int32(target - idx - 1)
		}
	}
	return final, finalDebug, nil
}
