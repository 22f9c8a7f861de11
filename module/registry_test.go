package module

import (
	"sync"
	"testing"

	"github.com/fortytw2/leaktest"

	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
	"github.com/corelisp/corelisp/zone"
)

func newTestRig() (*Registry, *vm.Machine, *zone.Zone, *symbol.Table) {
	symtab := symbol.New()
	zctx := zone.NewContext(zone.NewEnv())
	m := vm.NewMachine(zctx)
	z := zctx.Current()
	r := New(symtab, zctx.Env().Permanent())
	return r, m, z, symtab
}

func TestImportLoadsAndCachesModule(t *testing.T) {
	r, m, z, symtab := newTestRig()
	exportSym := symtab.Intern("thing")
	want := value.Int(42)

	r.AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		if name != "mathlib" {
			return value.Value{}, false, nil
		}
		fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
			exportFn := argv[1]
			_, err := ctx.Call(workZone, exportFn, []value.Value{value.Symbol(exportSym), want})
			return want, err
		}
		return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
	})

	got, err := r.Import(m, z, "mathlib", "main", "thing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsInt() || got.AsInt() != 42 {
		t.Fatalf("expected 42, got %+v", got)
	}

	// Second import hits the canonical cache, not the loader again.
	got2, err := r.Import(m, z, "mathlib", "main", "thing")
	if err != nil {
		t.Fatalf("unexpected error on cached import: %v", err)
	}
	if got2.AsInt() != 42 {
		t.Fatalf("expected cached 42, got %+v", got2)
	}
}

func TestImportUnknownModuleErrors(t *testing.T) {
	r, m, z, _ := newTestRig()
	_, err := r.Import(m, z, "nope", "main", "x")
	if err == nil {
		t.Fatalf("expected an error for an unresolved module")
	}
	ce, ok := err.(*corelisp.Error)
	if !ok {
		t.Fatalf("expected a corelisp.Error, got %T: %v", err, err)
	}
	if ce.Type != corelisp.ErrModuleNotFound {
		t.Fatalf("expected core/module-not-found, got %s", ce.Type)
	}
}

func TestImportUnknownExportErrors(t *testing.T) {
	r, m, z, _ := newTestRig()
	r.AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
			return value.Nil(), nil
		}
		return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
	})
	_, err := r.Import(m, z, "empty", "main", "missing")
	if err == nil {
		t.Fatalf("expected an error for a missing export")
	}
}

// TestCircularImportDetected is scenario S4: module a imports module b
// and module b imports module a back, before either finishes loading.
func TestCircularImportDetected(t *testing.T) {
	r, m, z, _ := newTestRig()

	r.AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		switch name {
		case "a":
			fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
				importFn := argv[0]
				return ctx.Call(workZone, importFn, []value.Value{value.NewString(workZone, workZone.ID(), "b"), value.NewString(workZone, workZone.ID(), "thing")})
			}
			return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
		case "b":
			fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
				importFn := argv[0]
				return ctx.Call(workZone, importFn, []value.Value{value.NewString(workZone, workZone.ID(), "a"), value.NewString(workZone, workZone.ID(), "thing")})
			}
			return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
		}
		return value.Value{}, false, nil
	})

	_, err := r.Import(m, z, "a", "main", "thing")
	if err == nil {
		t.Fatalf("expected a circular-dependency error")
	}
	ce, ok := err.(*corelisp.Error)
	if !ok {
		t.Fatalf("expected a corelisp.Error, got %T: %v", err, err)
	}
	if ce.Type != corelisp.ErrCircularDependency {
		t.Fatalf("expected core/circular-dependency, got %s", ce.Type)
	}
}

// TestConcurrentImportsCollapseWithoutLeaking drives several execution
// contexts importing the same module name at once (§5: "Multiple
// contexts may coexist inside one environment"). singleflight should
// collapse them into a single load; leaktest guards against a goroutine
// left behind by a load that never returns.
func TestConcurrentImportsCollapseWithoutLeaking(t *testing.T) {
	defer leaktest.Check(t)()

	symtab := symbol.New()
	env := zone.NewEnv()
	r := New(symtab, env.Permanent())

	var loads int32
	var mu sync.Mutex
	r.AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		mu.Lock()
		loads++
		mu.Unlock()
		fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
			exportFn := argv[1]
			return ctx.Call(workZone, exportFn, []value.Value{value.Symbol(symtab.Intern("v")), value.Int(7)})
		}
		return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
	})

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			zctx := zone.NewContext(env)
			m := vm.NewMachine(zctx)
			_, errs[i] = r.Import(m, zctx.Current(), "shared", "main", "v")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("import %d: unexpected error: %v", i, err)
		}
	}
	if loads != 1 {
		t.Fatalf("expected exactly one load across %d concurrent importers, loader ran %d times", n, loads)
	}
}

// TestInitModuleRegistersHostModule drives the init_module path: a
// host-built entry point filed directly, then resolved through Import,
// and a second registration under the same name rejected.
func TestInitModuleRegistersHostModule(t *testing.T) {
	r, m, z, symtab := newTestRig()
	entry := vm.NewNativeClosure(z, func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
		exportFn := argv[1]
		return ctx.Call(workZone, exportFn, []value.Value{value.Symbol(symtab.Intern("pi")), value.Float(3.14)})
	}, value.Nil(), false)

	if err := r.InitModule(m, z, "host-math", entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got, err := r.Import(m, z, "host-math", "main", "pi")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsFloat() || got.AsFloat() != 3.14 {
		t.Fatalf("expected 3.14, got %+v", got)
	}

	err = r.InitModule(m, z, "host-math", entry)
	ce, ok := err.(*corelisp.Error)
	if !ok || ce.Type != corelisp.ErrDuplicatedModule {
		t.Fatalf("expected core/duplicated-module, got %v", err)
	}
}

func TestRelativeImportQualification(t *testing.T) {
	if got := qualify("./sibling", "pkg/a"); got != "pkg/sibling" {
		t.Fatalf("expected pkg/sibling, got %s", got)
	}
	if got := qualify("./root", "main"); got != "root" {
		t.Fatalf("expected root, got %s", got)
	}
	if got := qualify("absolute/name", "pkg/a"); got != "absolute/name" {
		t.Fatalf("expected absolute/name unchanged, got %s", got)
	}
}

func TestReloadDropsCachedModules(t *testing.T) {
	r, m, z, _ := newTestRig()
	calls := 0
	r.AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		calls++
		fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
			exportFn := argv[1]
			return ctx.Call(workZone, exportFn, []value.Value{value.Symbol(symtab.Intern("v")), value.Int(int32(calls))})
		}
		return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
	})

	first, err := r.Import(m, z, "once", "main", "v")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.Reload()
	second, err := r.Import(m, z, "once", "main", "v")
	if err != nil {
		t.Fatalf("unexpected error after reload: %v", err)
	}
	if first.AsInt() == second.AsInt() {
		t.Fatalf("expected Reload to force reinitialization, got same value twice: %v", first)
	}
	if calls != 2 {
		t.Fatalf("expected the loader to run twice across reload, ran %d times", calls)
	}
}
