package runtime

import (
	"testing"
	"testing/fstest"

	"github.com/corelisp/corelisp"
)

func loaderFS() fstest.MapFS {
	return fstest.MapFS{
		"mathlib.lisp": {Data: []byte(`(export "answer" (+ 40 2))`)},
		"app.lisp":     {Data: []byte(`(+ (import "mathlib" "answer") 1)`)},
	}
}

// TestStandardLoaderLoadsFromFS drives a two-module program entirely
// through the fs-backed standard loader: app imports mathlib's export
// and its own entry result lands under *main*.
func TestStandardLoaderLoadsFromFS(t *testing.T) {
	e := New(WithCompiledCache(8))
	e.AddStandardLoader(loaderFS())
	ctx := e.Begin()
	defer e.End(ctx)

	got, err := ctx.Import("app", "main", "*main*")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !got.IsInt() || got.AsInt() != 43 {
		t.Fatalf("expected 43, got %+v", got)
	}
}

// TestStandardLoaderPopulatesCompiledCache verifies the compiled-body
// LRU holds a module after its first import.
func TestStandardLoaderPopulatesCompiledCache(t *testing.T) {
	e := New(WithCompiledCache(8))
	e.AddStandardLoader(loaderFS())
	ctx := e.Begin()
	defer e.End(ctx)

	if _, err := ctx.Import("mathlib", "main", "answer"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := e.Registry().CompiledCache().Get("mathlib.lisp"); !ok {
		t.Fatal("expected mathlib.lisp in the compiled cache after its first import")
	}
}

// TestStandardLoaderMissingModuleFallsThrough verifies a name the fs
// doesn't hold yields core/module-not-found (the loader declines rather
// than erroring, and the chain is exhausted).
func TestStandardLoaderMissingModuleFallsThrough(t *testing.T) {
	e := New()
	e.AddStandardLoader(loaderFS())
	ctx := e.Begin()
	defer e.End(ctx)

	_, err := ctx.Import("no-such-module", "main", "x")
	ce, ok := err.(*corelisp.Error)
	if !ok || ce.Type != corelisp.ErrModuleNotFound {
		t.Fatalf("expected core/module-not-found, got %v", err)
	}
}

// TestStandardLoaderSyntaxErrorPropagates verifies a parse failure in a
// module body reaches the importer as the parser's own error.
func TestStandardLoaderSyntaxErrorPropagates(t *testing.T) {
	e := New()
	e.AddStandardLoader(fstest.MapFS{
		"broken.lisp": {Data: []byte(`(export "x"`)},
	})
	ctx := e.Begin()
	defer e.End(ctx)

	_, err := ctx.Import("broken", "main", "x")
	ce, ok := err.(*corelisp.Error)
	if !ok || ce.Type != corelisp.ErrSyntaxUnexpectedEOF {
		t.Fatalf("expected core/syntax/unexpected-eof, got %v", err)
	}
}
