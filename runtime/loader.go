package runtime

import (
	"errors"
	"io"
	"io/fs"

	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/reader"
	"github.com/corelisp/corelisp/symbol"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
	"github.com/corelisp/corelisp/zone"
)

// moduleExt is appended to a module name to form its path in the
// backing store.
const moduleExt = ".lisp"

// AddStandardLoader registers the standard source loader (§6
// "add_standard_loader(fs_vtable)") on e's registry. fsys is the
// fs_vtable: io/fs.FS already abstracts exactly the open/read/close
// triple the embedding API calls for, so hosts can route module
// loading through an embedded fstest.MapFS, a zip archive, or a real
// directory tree alike. The loader maps module name to name+".lisp",
// parses and compiles the source under the module calling convention
// (import and export bound as the entry function's two arguments), and
// consults the registry's compiled-body cache when one is installed. A
// missing file is not an error — the registry moves on to the next
// loader in its chain.
func (e *Env) AddStandardLoader(fsys fs.FS) {
	e.registry.AddLoader(func(symtab *symbol.Table, z *zone.Zone, name, calling string) (value.Value, bool, error) {
		path := name + moduleExt
		if cache := e.registry.CompiledCache(); cache != nil {
			if fn, ok := cache.Get(path); ok {
				return vm.NewClosure(z, fn, nil), true, nil
			}
		}

		f, err := fsys.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return value.Value{}, false, nil
			}
			return value.Value{}, false, corelisp.NewError(corelisp.ErrIO, "opening module %q: %v", path, err)
		}
		defer f.Close()
		src, err := io.ReadAll(f)
		if err != nil {
			return value.Value{}, false, corelisp.NewError(corelisp.ErrIO, "reading module %q: %v", path, err)
		}

		res, err := reader.ParseAll(z, symtab, path, string(src))
		if err != nil {
			return value.Value{}, false, err
		}
		comp := newCompiler(e, res.Debug)
		fn, err := comp.CompileModule(path, res.Value)
		if err != nil {
			return value.Value{}, false, err
		}
		if cache := e.registry.CompiledCache(); cache != nil {
			cache.Add(path, fn)
		}
		return vm.NewClosure(z, fn, nil), true, nil
	})
}
