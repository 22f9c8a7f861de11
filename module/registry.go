// Package module implements the module system (component I in
// SPEC_FULL.md's module map): a loader chain, a once-only
// initialization cache with cycle detection, and relative-import
// qualification. It is grounded on the original mara runtime's
// src/module.c, translated from C structs into zone-allocated values
// through the value/container packages already used by compiler and vm.
package module

import (
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/container"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
	"github.com/corelisp/corelisp/zone"
)

// mainKey is the well-known export slot a module's own return value is
// filed under (mara_init_module's "*main*" key).
const mainKey = "*main*"

// Loader resolves a module name to a callable entry-point value, or
// returns a zero Value with ok=false if it doesn't recognize the name
// (mara_module_loader_t). calling is the name of the module performing
// the import, supplied so a loader can qualify relative paths itself if
// it wants to.
type Loader func(symtab *symbol.Table, z *zone.Zone, name, calling string) (entry value.Value, ok bool, err error)

// CompiledCache is the interface the filesystem-backed standard loader
// uses to avoid recompiling a module's source on every import; eviction
// here is harmless because recompiling is idempotent, unlike the
// canonical module-instance cache below.
type CompiledCache interface {
	Get(path string) (*vm.Function, bool)
	Add(path string, fn *vm.Function)
	Purge()
}

// lruCompiledCache adapts hashicorp/golang-lru/v2 to CompiledCache.
type lruCompiledCache struct {
	c *lru.Cache[string, *vm.Function]
}

// NewCompiledCache builds a bounded LRU cache of compiled module bodies.
func NewCompiledCache(size int) CompiledCache {
	c, err := lru.New[string, *vm.Function](size)
	if err != nil {
		// size<=0; fall back to a single-entry cache rather than fail
		// construction over a caller's bad tuning value.
		c, _ = lru.New[string, *vm.Function](1)
	}
	return &lruCompiledCache{c: c}
}

func (l *lruCompiledCache) Get(path string) (*vm.Function, bool) { return l.c.Get(path) }
func (l *lruCompiledCache) Add(path string, fn *vm.Function)     { l.c.Add(path, fn) }
func (l *lruCompiledCache) Purge()                               { l.c.Purge() }

// Registry is the per-environment module system: the canonical instance
// cache (never evicted -- eviction of "currently loading" cycle-detection
// state would be a correctness bug, unlike the auxiliary compiled-body
// cache a filesystem loader may keep), the loader chain, and a
// singleflight group collapsing concurrent imports of the same name.
type Registry struct {
	mu       sync.Mutex
	symtab   *symbol.Table
	permZone *zone.Zone
	cache    *value.Heap // *container.Map, lives in permZone: name -> Value
	loaders  []Loader
	compiled CompiledCache
	group    singleflight.Group
}

// New builds a Registry whose canonical cache is allocated in permZone
// (normally the environment's permanent zone, so module instances
// outlive any single execution context).
func New(symtab *symbol.Table, permZone *zone.Zone) *Registry {
	return &Registry{
		symtab:   symtab,
		permZone: permZone,
		cache:    container.NewMap(permZone.ID()),
	}
}

// AddLoader appends a loader to the chain (mara_add_module_loader);
// loaders are tried in registration order on a cache miss.
func (r *Registry) AddLoader(l Loader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loaders = append(r.loaders, l)
}

// SetCompiledCache installs the auxiliary compiled-body cache a
// filesystem-backed loader consults; nil disables caching.
func (r *Registry) SetCompiledCache(c CompiledCache) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.compiled = c
}

func (r *Registry) CompiledCache() CompiledCache {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.compiled
}

// qualify resolves a "./"-prefixed name relative to the importing
// module's own name, matching mara_internal_import's handling of
// relative imports.
func qualify(name, calling string) string {
	if !strings.HasPrefix(name, "./") {
		return name
	}
	dir := calling
	if i := strings.LastIndexByte(calling, '/'); i >= 0 {
		dir = calling[:i]
	} else {
		dir = ""
	}
	rest := strings.TrimPrefix(name, "./")
	if dir == "" {
		return rest
	}
	return dir + "/" + rest
}

// Import resolves name (qualified relative to calling) to the value its
// module exported under export, loading and initializing the module on
// first use (mara_internal_import).
func (r *Registry) Import(m *vm.Machine, z *zone.Zone, name, calling, export string) (value.Value, error) {
	qualified := qualify(name, calling)

	cacheMap := container.AsMap(value.FromHeap(value.KindMap, r.cache))
	nameVal := value.Symbol(r.symtab.Intern(qualified))

	r.mu.Lock()
	existing := cacheMap.Get(nameVal)
	r.mu.Unlock()

	switch {
	case existing.IsHeap() && existing.Kind() == value.KindMap:
		mod := container.AsMap(existing)
		if !hasKey(mod, r.symtab, export) {
			return value.Value{}, corelisp.NewError(corelisp.ErrNameError, "module %q has no export %q", qualified, export)
		}
		return mod.Get(value.Symbol(r.symtab.Intern(export))), nil
	case existing.IsBool() && !existing.AsBool():
		return value.Value{}, corelisp.NewError(corelisp.ErrCircularDependency, "module %q is still loading (circular import)", qualified)
	}

	// Missing: load it, collapsing concurrent loads of the same name.
	_, err, _ := r.group.Do(qualified, func() (any, error) {
		return nil, r.load(m, z, qualified, calling)
	})
	if err != nil {
		return value.Value{}, err
	}

	r.mu.Lock()
	mod := cacheMap.Get(nameVal)
	r.mu.Unlock()
	if !mod.IsHeap() || mod.Kind() != value.KindMap {
		return value.Value{}, corelisp.NewError(corelisp.ErrModuleNotFound, "no loader produced module %q", qualified)
	}
	modMap := container.AsMap(mod)
	if !hasKey(modMap, r.symtab, export) {
		return value.Value{}, corelisp.NewError(corelisp.ErrNameError, "module %q has no export %q", qualified, export)
	}
	return modMap.Get(value.Symbol(r.symtab.Intern(export))), nil
}

func hasKey(m *container.Map, symtab *symbol.Table, name string) bool {
	found := false
	id := symtab.Intern(name)
	m.Foreach(func(_, key value.Value) bool {
		if key.IsSymbol() && key.AsSymbol() == id {
			found = true
			return false
		}
		return true
	})
	return found
}

// load runs the loader chain for name and, on the first loader to
// produce an entry point, initializes the module (mara_internal_import's
// "missing" branch plus mara_init_module).
func (r *Registry) load(m *vm.Machine, z *zone.Zone, name, calling string) error {
	cacheMap := container.AsMap(value.FromHeap(value.KindMap, r.cache))
	nameVal := value.Symbol(r.symtab.Intern(name))

	r.mu.Lock()
	already := cacheMap.Get(nameVal)
	r.mu.Unlock()
	if already.IsHeap() || (already.IsBool() && !already.AsBool()) {
		// Another singleflight caller (or a retry) already resolved this.
		return nil
	}

	r.mu.Lock()
	loaders := append([]Loader(nil), r.loaders...)
	r.mu.Unlock()

	var entry value.Value
	found := false
	for _, ld := range loaders {
		e, ok, err := ld(r.symtab, z, name, calling)
		if err != nil {
			return err
		}
		if ok {
			entry, found = e, true
			break
		}
	}
	if !found {
		return corelisp.NewError(corelisp.ErrModuleNotFound, "no loader could resolve module %q", name)
	}

	return r.initModule(m, z, name, entry)
}

// InitModule initializes a host-supplied entry point under name without
// going through the loader chain (the embedding API's init_module): the
// entry is called with import/export bound exactly as a loaded module's
// would be, and its export map is filed in the canonical cache. A name
// already loaded (or still loading) yields core/duplicated-module.
func (r *Registry) InitModule(m *vm.Machine, z *zone.Zone, name string, entry value.Value) error {
	return r.initModule(m, z, name, entry)
}

// initModule calls entry's body with fresh import/export closures bound
// to name, filing the module's map into the canonical cache on success
// and reverting the cache entry to "missing" on failure so a later
// import can retry (mara_init_module).
func (r *Registry) initModule(m *vm.Machine, z *zone.Zone, name string, entry value.Value) error {
	if !vm.IsClosure(entry) && !vm.IsNativeClosure(entry) {
		return corelisp.NewError(corelisp.ErrUnexpectedType, "module %q entry point is not callable", name)
	}

	cacheMap := container.AsMap(value.FromHeap(value.KindMap, r.cache))
	nameVal := value.Symbol(r.symtab.Intern(name))

	r.mu.Lock()
	existing := cacheMap.Get(nameVal)
	if existing.IsHeap() || (existing.IsBool() && !existing.AsBool()) {
		r.mu.Unlock()
		return corelisp.NewError(corelisp.ErrDuplicatedModule, "module %q is already loaded or loading", name)
	}
	if _, err := cacheMap.Set(r.permZone, r.cache, nameVal, value.Bool(false)); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()

	modHeap := container.NewMap(z.ID())
	modMap := container.AsMap(value.FromHeap(value.KindMap, modHeap))

	importFn := vm.NewNativeClosure(z, r.makeImport(name), value.Nil(), false)
	exportFn := vm.NewNativeClosure(z, r.makeExport(modMap, modHeap, z), value.Nil(), false)

	result, err := m.Call(z, entry, []value.Value{importFn, exportFn})
	if err != nil {
		r.mu.Lock()
		cacheMap.Set(r.permZone, r.cache, nameVal, value.Nil())
		r.mu.Unlock()
		return err
	}

	if _, err := modMap.Set(z, modHeap, value.Symbol(r.symtab.Intern(mainKey)), result); err != nil {
		return err
	}

	permMod, err := value.Copy(r.permZone, r.permZone.ID(), value.FromHeap(value.KindMap, modHeap))
	if err != nil {
		return err
	}

	r.mu.Lock()
	_, err = cacheMap.Set(r.permZone, r.cache, nameVal, permMod)
	r.mu.Unlock()
	return err
}

func (r *Registry) makeImport(calling string) vm.NativeFunc {
	return func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
		if len(argv) != 2 {
			return value.Value{}, corelisp.NewError(corelisp.ErrWrongArity, "import expects 2 arguments, got %d", len(argv))
		}
		if !argv[0].IsSymbol() && !argv[0].IsString() {
			return value.Value{}, corelisp.NewError(corelisp.ErrUnexpectedType, "import module name must be a string or symbol")
		}
		name := symbolOrString(r.symtab, argv[0])
		export := symbolOrString(r.symtab, argv[1])
		return r.Import(ctx, workZone, name, calling, export)
	}
}

func (r *Registry) makeExport(modMap *container.Map, modHeap *value.Heap, z *zone.Zone) vm.NativeFunc {
	return func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
		if len(argv) != 2 {
			return value.Value{}, corelisp.NewError(corelisp.ErrWrongArity, "export expects 2 arguments, got %d", len(argv))
		}
		if !argv[0].IsSymbol() && !argv[0].IsString() {
			return value.Value{}, corelisp.NewError(corelisp.ErrUnexpectedType, "export name must be a string or symbol")
		}
		key := value.Symbol(r.symtab.Intern(symbolOrString(r.symtab, argv[0])))
		copied, err := value.Copy(z, z.ID(), argv[1])
		if err != nil {
			return value.Value{}, err
		}
		if _, err := modMap.Set(z, modHeap, key, copied); err != nil {
			return value.Value{}, err
		}
		return argv[1], nil
	}
}

func symbolOrString(symtab *symbol.Table, v value.Value) string {
	if v.IsSymbol() {
		return symtab.Lookup(v.AsSymbol())
	}
	return v.AsString()
}

// Reload drops every cached module record, matching SPEC_FULL.md's
// resolution of mara_reload: module *instances* and the compiled-body
// cache are dropped so the next import recompiles and reinitializes
// from scratch, but the registry's loader chain, symbol table, and
// permanent zone are left untouched.
func (r *Registry) Reload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = container.NewMap(r.permZone.ID())
	if r.compiled != nil {
		r.compiled.Purge()
	}
}
