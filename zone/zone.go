// Package zone implements the stack-nested region hierarchy built on
// top of package arena: per-zone finalizers, the arena-rotation
// algorithm that substitutes for tracing GC, and the dedicated
// permanent and error zones that never participate in rotation.
package zone

import (
	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/arena"
	"github.com/corelisp/corelisp/value"
	"github.com/sirupsen/logrus"
)

// DefaultMaxDepth bounds how many zones (and therefore arenas in a
// Context's rotation pool) may be nested at once before
// core/limit-reached/stack-overflow is raised.
const DefaultMaxDepth = 256

// Finalizer is a zero-argument cleanup registered with Zone.Defer, run
// in LIFO order when the zone exits. It is a type alias (not a defined
// type) so that any package accepting a plain func() — such as
// container's ZoneAllocator — is satisfied by Zone.Defer directly.
type Finalizer = func()

// Zone is one stack frame in the region hierarchy.
type Zone struct {
	ctx        *Context
	parent     *Zone
	arenaRef   *arena.Arena
	poolIdx    int // index into ctx.pool, or -1 for permanent/error zones
	level      int32
	snap       arena.Snapshot
	finalizers []Finalizer
	source     *corelisp.SourceInfo
}

// ID returns the value.ZoneID other packages stamp into heap headers.
func (z *Zone) ID() value.ZoneID {
	return value.ZoneID{Level: z.level, ArenaIdx: int32(z.poolIdx)}
}

// Alloc satisfies value.Allocator, bump-allocating from z's arena.
func (z *Zone) Alloc(size, align int) []byte { return z.arenaRef.Alloc(size, align) }

func (z *Zone) Level() int32  { return z.level }
func (z *Zone) Parent() *Zone { return z.parent }

// Defer registers fn to run when z exits, LIFO with respect to other
// deferred callbacks on the same zone.
func (z *Zone) Defer(fn Finalizer) { z.finalizers = append(z.finalizers, fn) }

// SetSource attaches a captured source location used for error
// reporting when an error propagates through this zone.
func (z *Zone) SetSource(info corelisp.SourceInfo) { z.source = &info }

func (z *Zone) Source() *corelisp.SourceInfo { return z.source }

func (z *Zone) runFinalizers() {
	for i := len(z.finalizers) - 1; i >= 0; i-- {
		z.finalizers[i]()
	}
}

// Env is the process-wide root: a permanent zone that never exits, and
// the chunk free-list every Context's arena pool shares.
type Env struct {
	freeList  *arena.FreeList
	permanent *Zone
}

// NewEnv builds a fresh Env with an empty permanent zone. The permanent
// zone sits at level -1, strictly shallower than every context's own
// level-0 zone, so copying a context-owned value into it is never
// mistaken for an identity copy.
func NewEnv() *Env {
	fl := arena.NewFreeList()
	a := arena.New(arena.WithFreeList(fl))
	return &Env{
		freeList:  fl,
		permanent: &Zone{arenaRef: a, poolIdx: -1, level: -1},
	}
}

func (e *Env) Permanent() *Zone        { return e.permanent }
func (e *Env) FreeList() *arena.FreeList { return e.freeList }

// Opt configures a Context at construction.
type Opt func(*Context)

// WithMaxDepth overrides DefaultMaxDepth.
func WithMaxDepth(n int) Opt {
	return func(c *Context) {
		if n > 0 {
			c.maxDepth = n
		}
	}
}

// WithLogger attaches a logger used for Debug-level zone lifecycle
// entries. The zero value of *logrus.Logger is not usable; omit this
// option to run silently.
func WithLogger(l *logrus.Logger) Opt {
	return func(c *Context) { c.log = l }
}

// Context is an execution context's zone-stack-and-arena-pool engine:
// thread-local state that must never be shared across goroutines.
type Context struct {
	env       *Env
	pool      []*arena.Arena
	inUse     []bool
	current   *Zone
	errorZone *Zone
	maxDepth  int
	log       *logrus.Logger
}

// NewContext builds a Context whose first (level 0) zone is already
// entered, backed by a rotation pool of maxDepth+1 arenas plus one
// dedicated arena for the error zone.
func NewContext(env *Env, opts ...Opt) *Context {
	c := &Context{env: env, maxDepth: DefaultMaxDepth}
	for _, opt := range opts {
		opt(c)
	}

	n := c.maxDepth + 1
	c.pool = make([]*arena.Arena, n)
	c.inUse = make([]bool, n)
	for i := range c.pool {
		c.pool[i] = arena.New(arena.WithFreeList(env.freeList))
	}

	errArena := arena.New(arena.WithFreeList(env.freeList))
	c.errorZone = &Zone{ctx: c, arenaRef: errArena, poolIdx: -1, level: 0, parent: env.permanent}

	c.inUse[0] = true
	c.current = &Zone{ctx: c, arenaRef: c.pool[0], poolIdx: 0, level: 0, parent: env.permanent}
	return c
}

func (c *Context) Env() *Env         { return c.env }
func (c *Context) Current() *Zone    { return c.current }
func (c *Context) ErrorZone() *Zone  { return c.errorZone }

// ZoneAt walks up from the current zone to the live ancestor matching
// id, used when a heap object's owner ZoneID names a zone that isn't
// the current one (e.g. a closure's capture slot, owned by whichever
// zone the closure was last copied into). The ancestry chain ends at
// the environment's permanent zone; the context's error zone, which is
// nobody's parent, is matched separately. Returns nil if id names a
// zone outside all of those (a dangling ZoneID, which would itself be
// a zone-invariant violation elsewhere in the runtime).
func (c *Context) ZoneAt(id value.ZoneID) *Zone {
	for z := c.current; z != nil; z = z.parent {
		if z.level == id.Level && int32(z.poolIdx) == id.ArenaIdx {
			return z
		}
	}
	if c.errorZone.level == id.Level && int32(c.errorZone.poolIdx) == id.ArenaIdx {
		return c.errorZone
	}
	return nil
}

// ReturnZone mirrors mara_get_return_zone: the zone a RETURN should copy
// its result into — the current zone's parent, or the current zone
// itself if it has none (a context's outermost zone).
func (c *Context) ReturnZone() *Zone {
	if c.current.parent != nil {
		return c.current.parent
	}
	return c.current
}

// ZoneOf resolves the owning zone identity of a value, defaulting to
// the current zone for non-heap values (matching mara_get_zone_of's
// "obj != NULL ? obj->zone : local zone" fallback).
func (c *Context) ZoneOf(v value.Value) value.ZoneID {
	if id, ok := value.OwnerOf(v); ok {
		return id
	}
	return c.current.ID()
}

func maskBit(idx int) uint64 {
	if idx < 0 || idx >= 64 {
		return 0
	}
	return uint64(1) << uint(idx)
}

// EnterZone implements the arena-rotation algorithm from §4.3: pick an
// arena disjoint from every arena referenced by the current zone or by
// any value in carry, so that when the new zone exits and its arena is
// rewound, nothing reachable from the caller is touched.
func (c *Context) EnterZone(carry ...value.Value) (*Zone, error) {
	if int(c.current.level)+1 > c.maxDepth {
		return nil, corelisp.NewError(corelisp.ErrLimitStackOverflow,
			"zone depth would exceed max_stack_frames (%d)", c.maxDepth)
	}

	for i := range c.inUse {
		c.inUse[i] = false
	}
	if c.current.poolIdx >= 0 {
		c.inUse[c.current.poolIdx] = true
	}
	for _, v := range carry {
		mask := value.ArenaMaskOf(v)
		for i := range c.inUse {
			if mask&maskBit(i) != 0 {
				c.inUse[i] = true
			}
		}
	}

	idx := -1
	for i, used := range c.inUse {
		if !used {
			idx = i
			break
		}
	}
	if idx == -1 {
		idx = len(c.pool)
		c.pool = append(c.pool, arena.New(arena.WithFreeList(c.env.freeList)))
		c.inUse = append(c.inUse, false)
	}
	c.inUse[idx] = true

	z := &Zone{
		ctx:      c,
		arenaRef: c.pool[idx],
		poolIdx:  idx,
		level:    c.current.level + 1,
		parent:   c.current,
		snap:     c.pool[idx].Snapshot(),
	}
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"level": z.level, "arena": idx}).Debug("zone enter")
	}
	c.current = z
	return z, nil
}

// ExitZone runs z's finalizers LIFO, rewinds its arena, and pops it.
// z must be the current zone.
func (c *Context) ExitZone(z *Zone) error {
	if z != c.current {
		return corelisp.NewError(corelisp.ErrPanic, "zone_exit called on a non-current zone")
	}
	z.runFinalizers()
	z.arenaRef.Restore(z.snap)
	if z.poolIdx >= 0 {
		c.inUse[z.poolIdx] = false
	}
	c.current = z.parent
	if c.log != nil {
		c.log.WithFields(logrus.Fields{"level": z.level}).Debug("zone exit")
	}
	return nil
}

// Reset rewinds the whole zone stack back to an empty level-0 zone,
// running every open zone's finalizers LIFO on the way down and
// resetting every arena touched back to empty. It lets a host return a
// retired Context to a pool and reuse its rotation pool of arenas
// rather than discard them, the way EnterZone/ExitZone reuse a single
// arena across calls at one level.
func (c *Context) Reset() {
	for c.current.level > 0 {
		z := c.current
		z.runFinalizers()
		if z.poolIdx >= 0 {
			c.inUse[z.poolIdx] = false
		}
		c.current = z.parent
	}
	c.current.runFinalizers()
	c.current.finalizers = nil
	for _, a := range c.pool {
		a.Reset()
	}
	for i := range c.inUse {
		c.inUse[i] = false
	}
	c.inUse[0] = true
}

// Snapshot captures the current zone and its arena state for later
// Restore.
type Snapshot struct {
	zone      *Zone
	arenaSnap arena.Snapshot
}

func (c *Context) Snapshot() Snapshot {
	return Snapshot{zone: c.current, arenaSnap: c.current.arenaRef.Snapshot()}
}

// Restore pops every zone opened since s was captured (running their
// finalizers LIFO and rewinding each popped zone's arena) and rewinds
// s.zone's arena to its captured state.
func (c *Context) Restore(s Snapshot) {
	for c.current != s.zone {
		z := c.current
		z.runFinalizers()
		z.arenaRef.Restore(z.snap)
		if z.poolIdx >= 0 {
			c.inUse[z.poolIdx] = false
		}
		c.current = z.parent
	}
	c.current.arenaRef.Restore(s.arenaSnap)
}
