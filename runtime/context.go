package runtime

import (
	"github.com/google/uuid"

	"github.com/corelisp/corelisp/reader"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
	"github.com/corelisp/corelisp/zone"
)

// Context is the per-call execution handle a host drives code through
// (mara_exec_ctx_t): its own zone stack and bytecode machine layered
// over the Env it was pulled from, plus a correlation id threaded
// through the errors it returns. A Context must never be shared across
// goroutines (§5 "Concurrency & Resource Model").
type Context struct {
	env     *Env
	zctx    *zone.Context
	machine *vm.Machine
	id      uuid.UUID
}

func newContextFrom(e *Env, zctx *zone.Context) *Context {
	var vmOpts []vm.Opt
	if e.maxStackSize > 0 {
		vmOpts = append(vmOpts, vm.WithMaxStackSize(e.maxStackSize))
	}
	if e.log != nil {
		vmOpts = append(vmOpts, vm.WithLogger(e.log))
	}
	return &Context{
		env:     e,
		zctx:    zctx,
		machine: vm.NewMachine(zctx, vmOpts...),
		id:      uuid.New(),
	}
}

func (c *Context) reset() {
	c.machine.Reset()
}

// ID returns the correlation id a host can join against its own logs.
func (c *Context) ID() uuid.UUID { return c.id }

// Env returns the Context's owning Env.
func (c *Context) Env() *Env { return c.env }

// Zone returns the Context's current (top of stack) zone, the default
// allocation target for values built by host code driving this Context.
func (c *Context) Zone() *zone.Zone { return c.zctx.Current() }

// ReturnZone returns the zone a result produced at the current level
// should be copied into to survive the current zone's exit (§6
// "get_return").
func (c *Context) ReturnZone() *zone.Zone { return c.zctx.ReturnZone() }

// ErrorZone returns the Context's dedicated error zone (§6 "get_error"):
// storage for error payloads that must outlive the unwinding of every
// intermediate zone, only reclaimed when the Context itself is retired.
func (c *Context) ErrorZone() *zone.Zone { return c.zctx.ErrorZone() }

// ZoneOf resolves the zone identity owning v's storage (§6
// "get_zone_of"), defaulting to the current zone for non-heap values.
func (c *Context) ZoneOf(v value.Value) value.ZoneID { return c.zctx.ZoneOf(v) }

// Machine returns the underlying bytecode machine, for hosts that need
// direct Call/Apply access beyond the Run/Call convenience wrappers.
func (c *Context) Machine() *vm.Machine { return c.machine }

// Compile parses src (named filename, for error messages) into a single
// compiled entry-point Function, ready to Run.
func (c *Context) Compile(filename, src string) (*vm.Function, error) {
	res, err := reader.ParseAll(c.Zone(), c.env.symtab, filename, src)
	if err != nil {
		return nil, err
	}
	comp := newCompiler(c.env, res.Debug)
	return comp.Compile(filename, res.Value)
}

// Run compiles and calls fn with no arguments in the Context's current
// zone, the embedding API's top-level "eval source text" operation
// (§6). It is the Go-native equivalent of mara_parse + mara_compile +
// mara_call chained together.
func (c *Context) Run(filename, src string) (value.Value, error) {
	fn, err := c.Compile(filename, src)
	if err != nil {
		return value.Value{}, err
	}
	closure := vm.NewClosure(c.Zone(), fn, nil)
	return c.machine.Call(c.Zone(), closure, nil)
}

// Call invokes an already-compiled or native callable value with args,
// in the Context's current zone.
func (c *Context) Call(fn value.Value, args ...value.Value) (value.Value, error) {
	return c.machine.Call(c.Zone(), fn, args)
}

// Import resolves a module export through the Env's registry, the
// Context-bound convenience wrapper a host uses instead of compiling an
// explicit (import ...) call (§6 "Module system").
func (c *Context) Import(name, calling, export string) (value.Value, error) {
	return c.env.Registry().Import(c.machine, c.Zone(), name, calling, export)
}

// InitModule registers and initializes a host-built module entry under
// name, the embedding API's init_module (§6).
func (c *Context) InitModule(name string, entry value.Value) error {
	return c.env.Registry().InitModule(c.machine, c.Zone(), name, entry)
}
