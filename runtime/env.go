// Package runtime assembles the reader, compiler, vm, and module
// packages into the single embedding-facing façade spec.md's §6
// "Embedding API" describes: an Env a host constructs once per process
// (or per isolated sandbox) and any number of per-call Contexts pulled
// from it, mirroring mara_env_t / mara_exec_ctx_t in the original
// runtime.
package runtime

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/corelisp/corelisp/module"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/zone"
)

// Opt configures an Env at construction.
type Opt func(*Env)

// WithLogger installs a structured logger consulted by every Context
// pulled from this Env, matching the logging convention already used by
// zone.Context and vm.Machine.
func WithLogger(l *logrus.Logger) Opt {
	return func(e *Env) { e.log = l }
}

// WithMaxDepth bounds every Context's zone nesting depth (passed through
// to zone.NewContext).
func WithMaxDepth(n int) Opt {
	return func(e *Env) { e.maxDepth = n }
}

// WithMaxStackSize bounds every Context's VM value stack.
func WithMaxStackSize(n int) Opt {
	return func(e *Env) { e.maxStackSize = n }
}

// WithCompiledCache installs a bounded LRU of compiled module bodies,
// sized to n entries, consulted by the standard loader so a module
// dropped and re-imported across Reload doesn't pay for recompilation.
func WithCompiledCache(n int) Opt {
	return func(e *Env) { e.compiledCacheSize = n }
}

// Env is the long-lived, single-owner runtime instance: one symbol
// table, one permanent zone, one module registry, shared by every
// Context it mints. An Env is not safe for concurrent use by itself.
// Each Context it hands out owns its own zone.Context and vm.Machine
// and must stay on one goroutine; several Contexts may run on separate
// goroutines against one Env (§5 "Concurrency & Resource Model").
type Env struct {
	symtab   *symbol.Table
	zenv     *zone.Env
	registry *module.Registry
	log      *logrus.Logger

	maxDepth          int
	maxStackSize      int
	compiledCacheSize int

	ctxPool sync.Pool
}

// New builds a fresh Env: a symbol table holding only the pre-interned
// built-in names, an empty permanent
// zone, and a module registry with no loaders registered yet.
func New(opts ...Opt) *Env {
	e := &Env{
		symtab: symbol.New(),
		zenv:   zone.NewEnv(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logrus.New()
	}
	e.registry = module.New(e.symtab, e.zenv.Permanent())
	if e.compiledCacheSize > 0 {
		e.registry.SetCompiledCache(module.NewCompiledCache(e.compiledCacheSize))
	}
	e.ctxPool.New = func() any { return e.newContext() }
	return e
}

func (e *Env) Symbols() *symbol.Table   { return e.symtab }
func (e *Env) Registry() *module.Registry { return e.registry }
func (e *Env) Logger() *logrus.Logger   { return e.log }
func (e *Env) Zones() *zone.Env         { return e.zenv }

// Reload forwards to the module registry's Reload, the embedding API's
// "reload(env)" (§6, SPEC_FULL.md's resolution of mara_reload): drop
// cached module instances so the next import reinitializes them, while
// leaving the symbol table and permanent zone untouched.
func (e *Env) Reload() {
	e.registry.Reload()
}

// Reset is the embedding API's "reset(env) → bool": return the Env to
// its post-New state as far as program-visible caches go. Module
// instances and compiled bodies are dropped; the symbol table and
// permanent zone only grow and carry no program-visible state, so they
// are kept. Reports whether the reset took effect (always true here —
// the return slot exists for hosts that swap in an Env implementation
// with contexts it cannot safely reset under).
func (e *Env) Reset() bool {
	e.registry.Reload()
	return true
}

func (e *Env) zoneOpts() []zone.Opt {
	var opts []zone.Opt
	if e.maxDepth > 0 {
		opts = append(opts, zone.WithMaxDepth(e.maxDepth))
	}
	if e.log != nil {
		opts = append(opts, zone.WithLogger(e.log))
	}
	return opts
}

func (e *Env) newContext() *Context {
	zctx := zone.NewContext(e.zenv, e.zoneOpts()...)
	return newContextFrom(e, zctx)
}

// Begin pulls a Context off the pool (building a fresh one if the pool
// is empty), the per-call execution handle a host runs code through.
func (e *Env) Begin() *Context {
	c := e.ctxPool.Get().(*Context)
	c.id = uuid.New()
	return c
}

// End returns ctx to the pool after rewinding its zone stack and value
// stack back to empty, so a later Begin reuses the arenas instead of
// allocating a fresh rotation pool every call.
func (e *Env) End(ctx *Context) {
	ctx.reset()
	e.ctxPool.Put(ctx)
}
