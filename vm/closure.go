package vm

import (
	"github.com/corelisp/corelisp/value"
	"github.com/corelisp/corelisp/zone"
)

// Closure pairs a compiled Function with its captured values (§3 "VM
// closure"). Captures are by-value: SET_CAPTURE overwrites
// Captures[i] in place, copying the new value into the closure's own
// owning zone first (§4.7 "Capture mutation").
type Closure struct {
	Fn       *Function
	Captures []value.Value
}

// NewClosure allocates a VM closure in owner's zone, mask-updated for
// every capture already copied into owner by the MAKE_CLOSURE handler.
func NewClosure(owner *zone.Zone, fn *Function, captures []value.Value) value.Value {
	cl := &Closure{Fn: fn, Captures: captures}
	h := value.NewHeap(value.HeapClosure, owner.ID(), cl)
	for _, c := range captures {
		h.AddArenaBits(value.ArenaMaskOf(c))
	}
	return value.FromHeap(value.KindFunction, h)
}

// IsClosure reports whether v is a VM closure (as opposed to a native
// closure or a non-function value).
func IsClosure(v value.Value) bool {
	return v.Kind() == value.KindFunction && v.IsHeap() && v.Heap().Kind == value.HeapClosure
}

// AsClosure type-asserts a VM-closure Value's payload back to *Closure.
func AsClosure(v value.Value) *Closure { return v.Heap().Payload.(*Closure) }

func (c *Closure) DeepCopy(alloc value.Allocator, self *value.Heap, ptrMap map[*value.Heap]*value.Heap) (value.Deepcopyable, error) {
	cp := &Closure{Fn: c.Fn}
	if len(c.Captures) > 0 {
		cp.Captures = make([]value.Value, len(c.Captures))
	}
	for i, v := range c.Captures {
		copied, err := value.CopyInto(alloc, self.Owner, v, ptrMap)
		if err != nil {
			return nil, err
		}
		cp.Captures[i] = copied
		self.AddArenaBits(value.ArenaMaskOf(copied))
	}
	return cp, nil
}

// NativeFunc is a host-supplied function bound into a NativeClosure. ctx
// is the Machine driving the call (so a native function can itself call
// back into the VM, e.g. to invoke a callback argument); workZone is the
// zone the call opened (or the caller's zone, if NoAlloc); argv is the
// caller-supplied argument vector, not copied into workZone (callers
// that need to retain a value past the call must copy it themselves, as
// any other container write would).
type NativeFunc func(ctx *Machine, workZone *zone.Zone, argv []value.Value) (value.Value, error)

// NativeClosure is a host function plus bound userdata (§3 "Native
// closure"). NoAlloc opts the closure out of the fresh zone a VM-closure
// call always gets, for small, allocation-free intrinsics.
type NativeClosure struct {
	Fn      NativeFunc
	Data    value.Value
	NoAlloc bool
}

// NewNativeClosure allocates a native closure in owner's zone.
func NewNativeClosure(owner *zone.Zone, fn NativeFunc, data value.Value, noAlloc bool) value.Value {
	nc := &NativeClosure{Fn: fn, Data: data, NoAlloc: noAlloc}
	h := value.NewHeap(value.HeapNativeClosure, owner.ID(), nc)
	h.AddArenaBits(value.ArenaMaskOf(data))
	return value.FromHeap(value.KindFunction, h)
}

// IsNativeClosure reports whether v is a native closure.
func IsNativeClosure(v value.Value) bool {
	return v.Kind() == value.KindFunction && v.IsHeap() && v.Heap().Kind == value.HeapNativeClosure
}

// AsNativeClosure type-asserts a native-closure Value's payload back to
// *NativeClosure.
func AsNativeClosure(v value.Value) *NativeClosure { return v.Heap().Payload.(*NativeClosure) }

// DeepCopy is a shallow reconstruction (§4.4: "Strings/refs/native-
// closures: shallow reconstruction") — the function pointer and NoAlloc
// flag are copied as-is; only the bound userdata value follows normal
// deep-copy rules.
func (n *NativeClosure) DeepCopy(alloc value.Allocator, self *value.Heap, ptrMap map[*value.Heap]*value.Heap) (value.Deepcopyable, error) {
	data, err := value.CopyInto(alloc, self.Owner, n.Data, ptrMap)
	if err != nil {
		return nil, err
	}
	self.AddArenaBits(value.ArenaMaskOf(data))
	return &NativeClosure{Fn: n.Fn, Data: data, NoAlloc: n.NoAlloc}, nil
}
