package runtime

import (
	"github.com/corelisp/corelisp"
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/vm"
	"github.com/corelisp/corelisp/zone"
)

// Bind wraps fn with an arity check and constructs a native closure
// ready to install as a module export or a global, the Go equivalent of
// the original runtime's mara/bind.h host-binding macros. A negative
// arity means "at least -(arity+1) arguments" (variadic); a
// non-negative arity means exactly that many.
func Bind(owner *zone.Zone, name string, arity int, fn vm.NativeFunc) value.Value {
	checked := func(ctx *vm.Machine, z *zone.Zone, argv []value.Value) (value.Value, error) {
		if arity >= 0 && len(argv) != arity {
			return value.Value{}, corelisp.NewError(corelisp.ErrWrongArity, "%s: expected %d arguments, got %d", name, arity, len(argv))
		}
		if arity < 0 && len(argv) < -(arity+1) {
			return value.Value{}, corelisp.NewError(corelisp.ErrWrongArity, "%s: expected at least %d arguments, got %d", name, -(arity + 1), len(argv))
		}
		return fn(ctx, z, argv)
	}
	return vm.NewNativeClosure(owner, checked, value.Nil(), false)
}
