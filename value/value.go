//go:build !nanbox

package value

import (
	"encoding/binary"
	"math"

	"github.com/corelisp/corelisp/symbol"
)

// Kind is the dynamic type tag of a Value.
type Kind uint8

const (
	KindNil Kind = iota
	KindBool
	KindInt
	KindFloat
	KindSymbol
	KindTombstone
	KindString
	KindRef
	KindList
	KindMap
	KindFunction
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindSymbol:
		return "symbol"
	case KindTombstone:
		return "tombstone"
	case KindString:
		return "string"
	case KindRef:
		return "ref"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	case KindFunction:
		return "function"
	default:
		return "unknown"
	}
}

// Value is the tagged-union fallback representation: a discriminant tag
// plus whichever of the three payload fields that tag defines. This is
// the representation used whenever the build tag "nanbox" is absent.
type Value struct {
	kind Kind
	i    int64
	f    float64
	heap *Heap
}

func Nil() Value { return Value{kind: KindNil} }

func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, i: 1}
	}
	return Value{kind: KindBool}
}

func Int(i int32) Value { return Value{kind: KindInt, i: int64(i)} }

func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

func Symbol(id symbol.ID) Value { return Value{kind: KindSymbol, i: int64(id)} }

func Tombstone() Value { return Value{kind: KindTombstone} }

// NewString copies s into storage obtained from alloc and returns a
// heap string value owned by owner.
func NewString(alloc Allocator, owner ZoneID, s string) Value {
	buf := alloc.Alloc(len(s), 1)
	copy(buf, s)
	h := NewHeap(HeapString, owner, &Str{Bytes: buf})
	return Value{kind: KindString, heap: h}
}

// NewRef wraps an opaque host value behind a type tag.
func NewRef(owner ZoneID, tag uintptr, payload uint64) Value {
	h := NewHeap(HeapRef, owner, &Ref{Tag: tag, Payload: payload})
	return Value{kind: KindRef, heap: h}
}

// FromHeap wraps an already-constructed Heap (built by container/vm
// packages for List/Map/Closure payloads) as a Value of kind.
func FromHeap(kind Kind, h *Heap) Value { return Value{kind: kind, heap: h} }

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNil() bool  { return v.kind == KindNil }
func (v Value) IsBool() bool { return v.kind == KindBool }
func (v Value) AsBool() bool { return v.i != 0 }
func (v Value) IsInt() bool  { return v.kind == KindInt }
func (v Value) AsInt() int32 { return int32(v.i) }
func (v Value) IsFloat() bool   { return v.kind == KindFloat }
func (v Value) AsFloat() float64 { return v.f }
func (v Value) IsSymbol() bool      { return v.kind == KindSymbol }
func (v Value) AsSymbol() symbol.ID { return symbol.ID(v.i) }
func (v Value) IsTombstone() bool   { return v.kind == KindTombstone }
func (v Value) IsString() bool      { return v.kind == KindString }

func (v Value) AsString() string {
	return v.heap.Payload.(*Str).String()
}

func (v Value) IsHeap() bool  { return v.heap != nil }
func (v Value) Heap() *Heap   { return v.heap }

// IsRef reports whether v is a ref carrying the given application tag.
func (v Value) IsRef(tag uintptr) bool {
	if v.kind != KindRef {
		return false
	}
	return v.heap.Payload.(*Ref).Tag == tag
}

// Truthy implements the language's single falsy rule: nil and false are
// falsy, everything else (including 0, 0.0, and "") is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindNil:
		return false
	case KindBool:
		return v.i != 0
	default:
		return true
	}
}

// ArenaMaskOf returns the arena mask of v, or 0 for non-heap values.
func ArenaMaskOf(v Value) uint64 {
	if v.heap == nil {
		return 0
	}
	return v.heap.ArenaMask
}

// OwnerOf returns the zone that owns v's storage, if v is heap-backed.
func OwnerOf(v Value) (ZoneID, bool) {
	if v.heap == nil {
		return ZoneID{}, false
	}
	return v.heap.Owner, true
}

// Equal implements the language's equality rule: nil/bool/int/float/
// symbol compare by value (and are never equal across kinds, matching
// the VM's type-strict comparisons), strings compare by content, and
// list/map/function compare by identity.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindNil, KindTombstone:
		return true
	case KindBool, KindInt, KindSymbol:
		return a.i == b.i
	case KindFloat:
		return a.f == b.f
	case KindString:
		return a.AsString() == b.AsString()
	default:
		return a.heap == b.heap
	}
}

// HashKeyBytes returns the byte sequence the Map container hashes for
// v: key bytes for strings, the (tag, payload) pair for refs, and the
// tagged in-memory representation for everything else.
func HashKeyBytes(v Value) []byte {
	switch v.kind {
	case KindString:
		return v.heap.Payload.(*Str).Bytes
	case KindRef:
		r := v.heap.Payload.(*Ref)
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Tag))
		binary.LittleEndian.PutUint64(buf[8:16], r.Payload)
		return buf
	case KindFloat:
		buf := make([]byte, 9)
		buf[0] = byte(v.kind)
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v.f))
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = byte(v.kind)
		binary.LittleEndian.PutUint64(buf[1:], uint64(v.i))
		return buf
	}
}
