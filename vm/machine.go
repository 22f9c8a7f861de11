package vm

import (
	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/container"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/zone"
	"github.com/sirupsen/logrus"
)

// DefaultMaxStackSize bounds the explicit value stack, independent of
// the zone stack's own max_stack_frames bound (every VM-closure CALL
// also enters a zone, so zone.DefaultMaxDepth already bounds recursion
// depth; this additionally bounds per-frame temp-stack growth runaway).
const DefaultMaxStackSize = 1 << 16

// Opt configures a Machine at construction.
type Opt func(*Machine)

// WithMaxStackSize overrides DefaultMaxStackSize.
func WithMaxStackSize(n int) Opt {
	return func(m *Machine) {
		if n > 0 {
			m.maxStackSize = n
		}
	}
}

// WithLogger attaches a logger used for Debug-level call/return entries.
func WithLogger(l *logrus.Logger) Opt {
	return func(m *Machine) { m.log = l }
}

// Machine is the bytecode interpreter (§4.7): a single explicit value
// stack shared by every activation frame, and a frame stack layered
// over package zone's zone stack (a VM-closure CALL always opens
// exactly one zone; RETURN always closes exactly one). It must never be
// shared across goroutines, matching the zone.Context it wraps.
type Machine struct {
	zctx         *zone.Context
	stack        []value.Value
	frames       []Frame
	maxStackSize int
	log          *logrus.Logger
}

// NewMachine builds a Machine driving zctx.
func NewMachine(zctx *zone.Context, opts ...Opt) *Machine {
	m := &Machine{zctx: zctx, maxStackSize: DefaultMaxStackSize}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Machine) Zones() *zone.Context { return m.zctx }

// Reset clears the value stack and frame stack and rewinds the
// underlying zone.Context back to empty, so a retired Machine can be
// reused for a fresh top-level call instead of discarded.
func (m *Machine) Reset() {
	m.stack = m.stack[:0]
	m.frames = m.frames[:0]
	m.zctx.Reset()
}

func (m *Machine) push(v value.Value) error {
	if len(m.stack) >= m.maxStackSize {
		return corelisp.NewError(corelisp.ErrLimitStackOverflow, "value stack would exceed max_stack_size (%d)", m.maxStackSize)
	}
	m.stack = append(m.stack, v)
	return nil
}

func (m *Machine) pop() value.Value {
	v := m.stack[len(m.stack)-1]
	m.stack = m.stack[:len(m.stack)-1]
	return v
}

// popN pops the top n values off the stack, returning them in the
// order they were pushed (bottom of the popped span first).
func (m *Machine) popN(n int) []value.Value {
	start := len(m.stack) - n
	out := append([]value.Value(nil), m.stack[start:]...)
	m.stack = m.stack[:start]
	return out
}

func wrongArity(want, got int) error {
	return corelisp.NewError(corelisp.ErrWrongArity, "expected at least %d arguments, got %d", want, got)
}

// Call is the embedding API's call(zone, fn, argv) (§6). zone is
// expected to be the execution context's current zone. The result, of
// a native or a VM closure alike, is copied into whatever zone is
// current when Call is issued; callZone itself is not consulted.
func (m *Machine) Call(callZone *zone.Zone, fn value.Value, argv []value.Value) (value.Value, error) {
	base := len(m.stack)
	for _, a := range argv {
		if err := m.push(a); err != nil {
			m.stack = m.stack[:base]
			return value.Nil(), err
		}
	}
	if err := m.push(fn); err != nil {
		m.stack = m.stack[:base]
		return value.Nil(), err
	}
	floor := len(m.frames)
	if err := m.dispatchCall(len(argv)); err != nil {
		m.stack = m.stack[:base]
		return value.Nil(), err
	}
	if len(m.frames) > floor {
		return m.run(floor)
	}
	return m.pop(), nil
}

// Apply is the embedding API's apply(zone, fn, args_list): like Call,
// but the argument vector comes from a list value.
func (m *Machine) Apply(callZone *zone.Zone, fn value.Value, args value.Value) (value.Value, error) {
	if args.Kind() != value.KindList {
		return value.Nil(), corelisp.NewError(corelisp.ErrUnexpectedType, "apply's argument vector must be a list, got %s", args.Kind())
	}
	l := container.AsList(args)
	argv := make([]value.Value, l.Len())
	for i := 0; i < l.Len(); i++ {
		argv[i] = l.Get(i)
	}
	return m.Call(callZone, fn, argv)
}

// dispatchCall implements CALL's semantics (§4.7): the callee sits on
// top of the stack with its argc arguments already pushed below it.
func (m *Machine) dispatchCall(argc int) error {
	calleeIdx := len(m.stack) - 1
	fn := m.stack[calleeIdx]
	base := calleeIdx - argc

	switch {
	case IsClosure(fn):
		cl := AsClosure(fn)
		if argc < cl.Fn.NumArgs {
			return wrongArity(cl.Fn.NumArgs, argc)
		}
		carry := append([]value.Value{fn}, m.stack[base:calleeIdx]...)
		newZone, err := m.zctx.EnterZone(carry...)
		if err != nil {
			return err
		}
		args := append([]value.Value(nil), m.stack[base:base+cl.Fn.NumArgs]...)
		m.stack = m.stack[:base]
		for _, a := range args {
			if err := m.push(a); err != nil {
				return err
			}
		}
		for i := 0; i < cl.Fn.NumLocals; i++ {
			if err := m.push(value.Nil()); err != nil {
				return err
			}
		}
		m.frames = append(m.frames, Frame{closure: cl, closureHeap: fn.Heap(), base: base, zone: newZone})
		if m.log != nil {
			m.log.WithFields(logrus.Fields{"depth": len(m.frames)}).Debug("vm call")
		}
		return nil
	case IsNativeClosure(fn):
		argv := append([]value.Value(nil), m.stack[base:calleeIdx]...)
		m.stack = m.stack[:base]
		result, err := m.callNative(m.zctx.Current(), fn, argv)
		if err != nil {
			return err
		}
		return m.push(result)
	default:
		return corelisp.NewError(corelisp.ErrUnexpectedType, "call target is not callable (got %s)", fn.Kind())
	}
}

func (m *Machine) callNative(callerZone *zone.Zone, fn value.Value, argv []value.Value) (value.Value, error) {
	nc := AsNativeClosure(fn)
	work := callerZone
	opened := false
	if !nc.NoAlloc {
		carry := append([]value.Value{fn}, argv...)
		z, err := m.zctx.EnterZone(carry...)
		if err != nil {
			return value.Nil(), err
		}
		work = z
		opened = true
	}
	result, err := nc.Fn(m, work, argv)
	if opened {
		if exitErr := m.zctx.ExitZone(work); exitErr != nil && err == nil {
			err = exitErr
		}
	}
	if err != nil {
		return value.Nil(), err
	}
	return value.Copy(callerZone, callerZone.ID(), result)
}

// unwind truncates stack/frames back to floor on error, exiting every
// zone opened by the frames being discarded so a failed call never
// leaks an entered-but-never-exited zone, and tags the propagating
// error with each frame's source location (innermost first).
func (m *Machine) unwind(floor int, err error) (value.Value, error) {
	cerr, _ := err.(*corelisp.Error)
	for len(m.frames) > floor {
		f := m.frames[len(m.frames)-1]
		m.frames = m.frames[:len(m.frames)-1]
		if cerr != nil && f.closure.Fn.DebugInfo != nil && f.ip-1 >= 0 && f.ip-1 < len(f.closure.Fn.DebugInfo) {
			cerr.WithSource(f.closure.Fn.DebugInfo[f.ip-1])
		}
		_ = m.zctx.ExitZone(f.zone)
		m.stack = m.stack[:f.base]
	}
	return value.Nil(), err
}

// run drives the dispatch loop until the frame at index floor returns.
func (m *Machine) run(floor int) (value.Value, error) {
	for {
		f := &m.frames[len(m.frames)-1]
		if f.ip < 0 || f.ip >= len(f.closure.Fn.Instrs) {
			return m.unwind(floor, corelisp.NewError(corelisp.ErrPanic, "instruction pointer out of range"))
		}
		instr := f.closure.Fn.Instrs[f.ip]
		f.ip++

		switch instr.Op {
		case OpNop:
			// no-op

		case OpNil:
			if err := m.push(value.Nil()); err != nil {
				return m.unwind(floor, err)
			}
		case OpTrue:
			if err := m.push(value.Bool(true)); err != nil {
				return m.unwind(floor, err)
			}
		case OpFalse:
			if err := m.push(value.Bool(false)); err != nil {
				return m.unwind(floor, err)
			}
		case OpSmallInt:
			if err := m.push(value.Int(instr.Arg)); err != nil {
				return m.unwind(floor, err)
			}
		case OpConstant:
			cur := m.zctx.Current()
			copied, err := value.Copy(cur, cur.ID(), f.closure.Fn.Constants[instr.Arg])
			if err != nil {
				return m.unwind(floor, err)
			}
			if err := m.push(copied); err != nil {
				return m.unwind(floor, err)
			}

		case OpPop:
			m.stack = m.stack[:len(m.stack)-int(instr.Arg)]

		case OpGetLocal:
			if err := m.push(m.stack[f.base+f.closure.Fn.NumArgs+int(instr.Arg)]); err != nil {
				return m.unwind(floor, err)
			}
		case OpSetLocal:
			m.stack[f.base+f.closure.Fn.NumArgs+int(instr.Arg)] = m.pop()
		case OpGetArg:
			if err := m.push(m.stack[f.base+int(instr.Arg)]); err != nil {
				return m.unwind(floor, err)
			}
		case OpSetArg:
			// Raw aliasing, per spec §9's open question: argv is never
			// defensively copied on entry.
			m.stack[f.base+int(instr.Arg)] = m.pop()

		case OpGetCapture:
			if err := m.push(f.closure.Captures[instr.Arg]); err != nil {
				return m.unwind(floor, err)
			}
		case OpSetCapture:
			v := m.pop()
			target := m.zctx.ZoneAt(f.closureHeap.Owner)
			if target == nil {
				target = m.zctx.Current()
			}
			copied, err := value.Copy(target, f.closureHeap.Owner, v)
			if err != nil {
				return m.unwind(floor, err)
			}
			f.closure.Captures[instr.Arg] = copied
			f.closureHeap.AddArenaBits(value.ArenaMaskOf(copied))

		case OpCall:
			if err := m.dispatchCall(int(instr.Arg)); err != nil {
				return m.unwind(floor, err)
			}

		case OpReturn:
			result := m.pop()
			parent := f.zone.Parent()
			copied, err := value.Copy(parent, parent.ID(), result)
			if err != nil {
				return m.unwind(floor, err)
			}
			if err := m.zctx.ExitZone(f.zone); err != nil {
				return m.unwind(floor, err)
			}
			m.stack = m.stack[:f.base]
			m.frames = m.frames[:len(m.frames)-1]
			if m.log != nil {
				m.log.WithFields(logrus.Fields{"depth": len(m.frames)}).Debug("vm return")
			}
			if len(m.frames) == floor {
				return copied, nil
			}
			if err := m.push(copied); err != nil {
				return m.unwind(floor, err)
			}

		case OpJump:
			f.ip += int(instr.Arg)
		case OpJumpIfFalse:
			if !m.pop().Truthy() {
				f.ip += int(instr.Arg)
			}

		case OpMakeClosure:
			if err := m.makeClosure(f, instr.Arg); err != nil {
				return m.unwind(floor, err)
			}

		case OpLt, OpLte, OpGt, OpGte:
			if err := m.compare(instr.Op); err != nil {
				return m.unwind(floor, err)
			}
		case OpPlus:
			if err := m.variadicArith(int(instr.Arg), false); err != nil {
				return m.unwind(floor, err)
			}
		case OpSub:
			if err := m.variadicArith(int(instr.Arg), true); err != nil {
				return m.unwind(floor, err)
			}
		case OpNeg:
			if err := m.negate(); err != nil {
				return m.unwind(floor, err)
			}

		case OpMakeList:
			if err := m.makeList(int(instr.Arg)); err != nil {
				return m.unwind(floor, err)
			}
		case OpPut:
			if err := m.putOp(int(instr.Arg)); err != nil {
				return m.unwind(floor, err)
			}
		case OpGet:
			if err := m.getOp(int(instr.Arg)); err != nil {
				return m.unwind(floor, err)
			}

		default:
			return m.unwind(floor, corelisp.NewError(corelisp.ErrPanic, "unreachable opcode %s in dispatch", instr.Op))
		}
	}
}

func (m *Machine) makeClosure(f *Frame, arg int32) error {
	fnIdx, ncap := DecodeClosureArg(arg)
	subfn := f.closure.Fn.SubFns[fnIdx]
	caps := make([]value.Value, ncap)
	cur := m.zctx.Current()
	for i := 0; i < ncap; i++ {
		pseudo := f.closure.Fn.Instrs[f.ip]
		f.ip++
		var src value.Value
		switch pseudo.Op {
		case OpCapArg:
			src = m.stack[f.base+int(pseudo.Arg)]
		case OpCapLocal:
			src = m.stack[f.base+f.closure.Fn.NumArgs+int(pseudo.Arg)]
		case OpCapCapture:
			src = f.closure.Captures[pseudo.Arg]
		default:
			return corelisp.NewError(corelisp.ErrPanic, "malformed MAKE_CLOSURE capture source %s", pseudo.Op)
		}
		copied, err := value.Copy(cur, cur.ID(), src)
		if err != nil {
			return err
		}
		caps[i] = copied
	}
	return m.push(NewClosure(cur, subfn, caps))
}

func (m *Machine) compare(op Opcode) error {
	b := m.pop()
	a := m.pop()
	var cmp int
	switch {
	case a.IsInt() && b.IsInt():
		ai, bi := a.AsInt(), b.AsInt()
		switch {
		case ai < bi:
			cmp = -1
		case ai > bi:
			cmp = 1
		}
	case a.IsFloat() && b.IsFloat():
		af, bf := a.AsFloat(), b.AsFloat()
		switch {
		case af < bf:
			cmp = -1
		case af > bf:
			cmp = 1
		}
	default:
		return corelisp.NewError(corelisp.ErrUnexpectedType, "comparison requires two ints or two reals, got %s and %s", a.Kind(), b.Kind())
	}
	var result bool
	switch op {
	case OpLt:
		result = cmp < 0
	case OpLte:
		result = cmp <= 0
	case OpGt:
		result = cmp > 0
	case OpGte:
		result = cmp >= 0
	}
	return m.push(value.Bool(result))
}

func (m *Machine) variadicArith(n int, subtract bool) error {
	if n == 0 {
		return corelisp.NewError(corelisp.ErrWrongArity, "+/- require at least one argument")
	}
	args := m.popN(n)

	allInt := true
	for _, a := range args {
		if !a.IsInt() {
			allInt = false
			break
		}
	}
	if allInt {
		acc := args[0].AsInt()
		for _, a := range args[1:] {
			if subtract {
				acc -= a.AsInt()
			} else {
				acc += a.AsInt()
			}
		}
		return m.push(value.Int(acc))
	}

	for _, a := range args {
		if !a.IsFloat() {
			return corelisp.NewError(corelisp.ErrUnexpectedType, "+/- require all-int or all-real operands")
		}
	}
	acc := args[0].AsFloat()
	for _, a := range args[1:] {
		if subtract {
			acc -= a.AsFloat()
		} else {
			acc += a.AsFloat()
		}
	}
	return m.push(value.Float(acc))
}

func (m *Machine) negate() error {
	v := m.pop()
	switch {
	case v.IsInt():
		return m.push(value.Int(-v.AsInt()))
	case v.IsFloat():
		return m.push(value.Float(-v.AsFloat()))
	default:
		return corelisp.NewError(corelisp.ErrUnexpectedType, "NEG requires an int or real, got %s", v.Kind())
	}
}

func (m *Machine) makeList(n int) error {
	elems := m.popN(n)
	cur := m.zctx.Current()
	h := container.NewList(cur.ID(), n, nil)
	lv := value.FromHeap(value.KindList, h)
	lst := container.AsList(lv)
	for _, e := range elems {
		if err := lst.Push(cur, h, e); err != nil {
			return err
		}
	}
	return m.push(lv)
}

func (m *Machine) getOp(argc int) error {
	if argc != 2 {
		return wrongArity(2, argc)
	}
	key := m.pop()
	c := m.pop()
	switch c.Kind() {
	case value.KindList:
		if !key.IsInt() {
			return corelisp.NewError(corelisp.ErrUnexpectedType, "list index must be an int, got %s", key.Kind())
		}
		return m.push(container.AsList(c).Get(int(key.AsInt())))
	case value.KindMap:
		return m.push(container.AsMap(c).Get(key))
	default:
		return corelisp.NewError(corelisp.ErrUnexpectedType, "get target must be a list or map, got %s", c.Kind())
	}
}

// containerZone resolves the live zone owning a container value: the
// allocation target for values written into it, so stored copies land
// in the container's own arena rather than the (possibly deeper)
// current zone's. Falls back to the current zone when the owner is not
// on the current ancestry chain.
func (m *Machine) containerZone(c value.Value) *zone.Zone {
	if z := m.zctx.ZoneAt(c.Heap().Owner); z != nil {
		return z
	}
	return m.zctx.Current()
}

func (m *Machine) putOp(argc int) error {
	if argc != 3 {
		return wrongArity(3, argc)
	}
	val := m.pop()
	key := m.pop()
	c := m.pop()
	switch c.Kind() {
	case value.KindList:
		if !key.IsInt() {
			return corelisp.NewError(corelisp.ErrUnexpectedType, "list index must be an int, got %s", key.Kind())
		}
		old, err := container.AsList(c).Set(m.containerZone(c), c.Heap(), int(key.AsInt()), val)
		if err != nil {
			return err
		}
		return m.push(old)
	case value.KindMap:
		old, err := container.AsMap(c).Set(m.containerZone(c), c.Heap(), key, val)
		if err != nil {
			return err
		}
		return m.push(old)
	default:
		return corelisp.NewError(corelisp.ErrUnexpectedType, "put target must be a list or map, got %s", c.Kind())
	}
}
