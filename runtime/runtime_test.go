package runtime

import (
	"bytes"
	"strings"
	"testing"

	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/container"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
	"github.com/corelisp/corelisp/zone"
)

// TestRunArithmetic is scenario S1: (+ 1 2 3) => 6.
func TestRunArithmetic(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	got, err := ctx.Run("<test>", "(+ 1 2 3)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsInt() || got.AsInt() != 6 {
		t.Fatalf("expected 6, got %+v", got)
	}
}

// TestRunIfBranch is scenario S3: (if (< 3 4) "yes" "no") => "yes".
func TestRunIfBranch(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	got, err := ctx.Run("<test>", `(if (< 3 4) "yes" "no")`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsString() || got.AsString() != "yes" {
		t.Fatalf("expected \"yes\", got %+v", got)
	}
}

// TestRunListPutGet is scenario S5: (def xs (list 1 2 3)) (put xs 1 99)
// (get xs 1) => 99.
func TestRunListPutGet(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	got, err := ctx.Run("<test>", "(def xs (list 1 2 3)) (put xs 1 99) (get xs 1)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsInt() || got.AsInt() != 99 {
		t.Fatalf("expected 99, got %+v", got)
	}
}

// TestRunClosureCaptureFidelity is scenario 7 from §8: a closure over a
// def'd local returns that value, and a later `set` on the same name (if
// reachable) would be observed by a later call.
func TestRunClosureCaptureFidelity(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	got, err := ctx.Run("<test>", "((fn () (def x 1) (fn () x)))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !vm.IsClosure(got) {
		t.Fatalf("expected a closure value, got %+v", got)
	}
	result, err := ctx.Call(got)
	if err != nil {
		t.Fatalf("unexpected error calling closure: %v", err)
	}
	if !result.IsInt() || result.AsInt() != 1 {
		t.Fatalf("expected 1, got %+v", result)
	}
}

// TestRunSquareWithHostMultiply is scenario S2's shape: (fn (mul x)
// (mul x x)) called with a host-registered product intrinsic and 7
// yields 49 (the surface language has no *, so the intrinsic arrives as
// an argument).
func TestRunSquareWithHostMultiply(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	square, err := ctx.Run("<test>", "(fn (mul x) (mul x x))")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mul := Bind(ctx.Zone(), "*", 2, func(m *vm.Machine, z *zone.Zone, argv []value.Value) (value.Value, error) {
		return value.Int(argv[0].AsInt() * argv[1].AsInt()), nil
	})
	got, err := ctx.Call(square, mul, value.Int(7))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsInt() || got.AsInt() != 49 {
		t.Fatalf("expected 49, got %+v", got)
	}
}

// TestRunListSurvivesInnerZone is scenario S6: a list built in the
// caller's zone passed through a function that opens (and exits) its
// own zone comes back fully readable, never dangling into the inner
// zone's rewound arena.
func TestRunListSurvivesInnerZone(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	got, err := ctx.Run("<test>", "(def xs (list 1 2 3)) ((fn (l) l) xs)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Kind() != value.KindList {
		t.Fatalf("expected a list, got %+v", got)
	}
	l := container.AsList(got)
	for i := 0; i < 3; i++ {
		if v := l.Get(i); !v.IsInt() || v.AsInt() != int32(i+1) {
			t.Fatalf("element %d: expected %d, got %+v", i, i+1, v)
		}
	}
}

// TestImportCircularDependency is scenario S4: module a imports module b
// which imports module a back before either finishes loading.
func TestImportCircularDependency(t *testing.T) {
	e := New()
	e.Registry().AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		var other string
		switch name {
		case "a":
			other = "b"
		case "b":
			other = "a"
		default:
			return value.Value{}, false, nil
		}
		fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
			importFn := argv[0]
			return ctx.Call(workZone, importFn, []value.Value{
				value.NewString(workZone, workZone.ID(), other),
				value.NewString(workZone, workZone.ID(), "x"),
			})
		}
		return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
	})

	ctx := e.Begin()
	defer e.End(ctx)

	_, err := ctx.Import("a", "main", "x")
	if err == nil {
		t.Fatalf("expected a circular-dependency error")
	}
	ce, ok := err.(*corelisp.Error)
	if !ok {
		t.Fatalf("expected a *corelisp.Error, got %T: %v", err, err)
	}
	if ce.Type != corelisp.ErrCircularDependency {
		t.Fatalf("expected core/circular-dependency, got %s", ce.Type)
	}
}

// TestBindChecksArity exercises the supplemented mara/bind.h-style helper.
func TestBindChecksArity(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	double := Bind(ctx.Zone(), "double", 1, func(m *vm.Machine, z *zone.Zone, argv []value.Value) (value.Value, error) {
		return value.Int(argv[0].AsInt() * 2), nil
	})

	got, err := ctx.Call(double, value.Int(21))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.AsInt() != 42 {
		t.Fatalf("expected 42, got %+v", got)
	}

	_, err = ctx.Call(double, value.Int(1), value.Int(2))
	if err == nil {
		t.Fatalf("expected a wrong-arity error for an extra argument")
	}
	ce, ok := err.(*corelisp.Error)
	if !ok || ce.Type != corelisp.ErrWrongArity {
		t.Fatalf("expected core/wrong-arity, got %v", err)
	}
}

// TestPrintValueRendersContainers exercises the supplemented
// mara_print_value equivalent across scalar and container kinds.
func TestPrintValueRendersContainers(t *testing.T) {
	e := New()
	ctx := e.Begin()
	defer e.End(ctx)

	got, err := ctx.Run("<test>", `(list 1 "two" nil)`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var buf bytes.Buffer
	PrintValue(&buf, e.Symbols(), got, DefaultPrintOptions)
	want := `(1 "two" nil)`
	if buf.String() != want {
		t.Fatalf("expected %q, got %q", want, buf.String())
	}
}

// TestPrintErrorFormatsTypeAndMessage exercises the supplemented
// mara_print_error equivalent.
func TestPrintErrorFormatsTypeAndMessage(t *testing.T) {
	err := corelisp.NewError(corelisp.ErrNameError, "undefined name %q", "foo")
	var buf bytes.Buffer
	PrintError(&buf, err)
	if !strings.Contains(buf.String(), "core/name-error") || !strings.Contains(buf.String(), `undefined name "foo"`) {
		t.Fatalf("unexpected rendering: %q", buf.String())
	}
}

// TestReloadForcesReinitialization exercises Env.Reload (SPEC_FULL's
// resolution of the open mara_reload question).
func TestReloadForcesReinitialization(t *testing.T) {
	e := New()
	calls := 0
	e.Registry().AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		calls++
		n := calls
		fn := func(ctx *vm.Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error) {
			exportFn := argv[1]
			return ctx.Call(workZone, exportFn, []value.Value{value.Symbol(symtab.Intern("v")), value.Int(int32(n))})
		}
		return vm.NewNativeClosure(z, fn, value.Nil(), false), true, nil
	})

	ctx := e.Begin()
	defer e.End(ctx)

	first, err := ctx.Import("once", "main", "v")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	e.Reload()
	second, err := ctx.Import("once", "main", "v")
	if err != nil {
		t.Fatalf("unexpected error after reload: %v", err)
	}
	if first.AsInt() == second.AsInt() {
		t.Fatalf("expected Reload to force a fresh module instance, got %v twice", first.AsInt())
	}
}
