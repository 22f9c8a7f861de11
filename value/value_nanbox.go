//go:build nanbox

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

// Non-NaN bit patterns are IEEE-754 doubles, stored as themselves. The
// boxed space is the negative quiet-NaN range — sign bit, all-ones
// exponent, quiet bit, i.e. the top 13 bits 0xFFF8 — with a 4-bit tag
// at bits 47-50 and a 47-bit payload below it. Float canonicalizes
// every NaN input to the positive quiet NaN, so no double a program
// can compute ever collides with a boxed pattern. Heap kinds store a
// handle (an index into heapTable, see heap.go) rather than a raw
// pointer: Go's collector cannot trace a pointer smuggled through a
// uint64, so a handle indirection is the memory-safe way to fit a
// "heap pointer" payload into the boxed word.
const (
	boxPrefix    uint64 = 0xFFF8000000000000
	canonicalNaN uint64 = 0x7FF8000000000000
	tagShift            = 47
	tagBits      uint64 = 0xF
	payloadMask  uint64 = (uint64(1) << tagShift) - 1
)

type nanTag uint64

const (
	tagNil nanTag = iota
	tagBoolFalse
	tagBoolTrue
	tagInt
	tagSymbol
	tagTombstone
	tagString
	tagRef
	tagList
	tagMap
	tagFunction
)

// Value is the NaN-boxed representation: a single 64-bit word. Any
// pattern outside the boxed prefix is the double itself.
type Value struct {
	bits uint64
}

func box(tag nanTag, payload uint64) Value {
	return Value{bits: boxPrefix | (uint64(tag) << tagShift) | (payload & payloadMask)}
}

func (v Value) boxed() bool     { return v.bits&boxPrefix == boxPrefix }
func (v Value) tag() nanTag     { return nanTag((v.bits >> tagShift) & tagBits) }
func (v Value) payload() uint64 { return v.bits & payloadMask }

func Nil() Value { return box(tagNil, 0) }

func Bool(b bool) Value {
	if b {
		return box(tagBoolTrue, 0)
	}
	return box(tagBoolFalse, 0)
}

func Int(i int32) Value { return box(tagInt, uint64(uint32(i))) }

// Float stores the double's own bits. NaN inputs are canonicalized to
// the positive quiet NaN first: the only doubles whose bit patterns
// fall inside the boxed prefix are negative quiet NaNs, and after
// canonicalization none survives to alias a boxed value.
func Float(f float64) Value {
	if f != f {
		return Value{bits: canonicalNaN}
	}
	return Value{bits: math.Float64bits(f)}
}

func Symbol(id symbol.ID) Value { return box(tagSymbol, uint64(uint32(id))) }
func Tombstone() Value          { return box(tagTombstone, 0) }

func NewString(alloc Allocator, owner ZoneID, s string) Value {
	buf := alloc.Alloc(len(s), 1)
	copy(buf, s)
	h := NewHeap(HeapString, owner, &Str{Bytes: buf})
	return box(tagString, uint64(registerHeap(h)))
}

func NewRef(owner ZoneID, tagv uintptr, payload uint64) Value {
	h := NewHeap(HeapRef, owner, &Ref{Tag: tagv, Payload: payload})
	return box(tagRef, uint64(registerHeap(h)))
}

func FromHeap(kind Kind, h *Heap) Value {
	return box(kindToTag(kind), uint64(registerHeap(h)))
}

func kindToTag(k Kind) nanTag {
	switch k {
	case KindString:
		return tagString
	case KindRef:
		return tagRef
	case KindList:
		return tagList
	case KindMap:
		return tagMap
	default:
		return tagFunction
	}
}

func tagToKind(t nanTag) Kind {
	switch t {
	case tagNil:
		return KindNil
	case tagBoolFalse, tagBoolTrue:
		return KindBool
	case tagInt:
		return KindInt
	case tagSymbol:
		return KindSymbol
	case tagTombstone:
		return KindTombstone
	case tagString:
		return KindString
	case tagRef:
		return KindRef
	case tagList:
		return KindList
	case tagMap:
		return KindMap
	default:
		return KindFunction
	}
}

func (v Value) Kind() Kind {
	if !v.boxed() {
		return KindFloat
	}
	return tagToKind(v.tag())
}

func (v Value) IsNil() bool  { return v.boxed() && v.tag() == tagNil }
func (v Value) IsBool() bool { return v.boxed() && (v.tag() == tagBoolTrue || v.tag() == tagBoolFalse) }
func (v Value) AsBool() bool { return v.boxed() && v.tag() == tagBoolTrue }
func (v Value) IsInt() bool  { return v.boxed() && v.tag() == tagInt }
func (v Value) AsInt() int32 { return int32(uint32(v.payload())) }

func (v Value) IsFloat() bool    { return !v.boxed() }
func (v Value) AsFloat() float64 { return math.Float64frombits(v.bits) }

func (v Value) IsSymbol() bool      { return v.boxed() && v.tag() == tagSymbol }
func (v Value) AsSymbol() symbol.ID { return symbol.ID(uint32(v.payload())) }
func (v Value) IsTombstone() bool   { return v.boxed() && v.tag() == tagTombstone }
func (v Value) IsString() bool      { return v.boxed() && v.tag() == tagString }

func (v Value) heapPtr() *Heap { return resolveHeap(uint32(v.payload())) }

func (v Value) AsString() string {
	return v.heapPtr().Payload.(*Str).String()
}

func (v Value) IsHeap() bool {
	if !v.boxed() {
		return false
	}
	switch v.tag() {
	case tagString, tagRef, tagList, tagMap, tagFunction:
		return true
	default:
		return false
	}
}

func (v Value) Heap() *Heap {
	if !v.IsHeap() {
		return nil
	}
	return v.heapPtr()
}

func (v Value) IsRef(tagv uintptr) bool {
	if !v.boxed() || v.tag() != tagRef {
		return false
	}
	return v.heapPtr().Payload.(*Ref).Tag == tagv
}

func (v Value) Truthy() bool {
	if !v.boxed() {
		return true
	}
	switch v.tag() {
	case tagNil, tagBoolFalse:
		return false
	default:
		return true
	}
}

func ArenaMaskOf(v Value) uint64 {
	if !v.IsHeap() {
		return 0
	}
	return v.heapPtr().ArenaMask
}

func OwnerOf(v Value) (ZoneID, bool) {
	if !v.IsHeap() {
		return ZoneID{}, false
	}
	return v.heapPtr().Owner, true
}

func Equal(a, b Value) bool {
	if a.boxed() != b.boxed() {
		return false
	}
	if !a.boxed() {
		return a.AsFloat() == b.AsFloat()
	}
	if a.tag() != b.tag() {
		return false
	}
	switch a.tag() {
	case tagNil, tagBoolFalse, tagBoolTrue, tagTombstone:
		return true
	case tagInt, tagSymbol:
		return a.payload() == b.payload()
	case tagString:
		return a.AsString() == b.AsString()
	default:
		return a.heapPtr() == b.heapPtr()
	}
}

func HashKeyBytes(v Value) []byte {
	if !v.boxed() {
		buf := make([]byte, 9)
		buf[0] = byte(KindFloat)
		binary.LittleEndian.PutUint64(buf[1:], v.bits)
		return buf
	}
	switch v.tag() {
	case tagString:
		return v.heapPtr().Payload.(*Str).Bytes
	case tagRef:
		r := v.heapPtr().Payload.(*Ref)
		buf := make([]byte, 16)
		binary.LittleEndian.PutUint64(buf[0:8], uint64(r.Tag))
		binary.LittleEndian.PutUint64(buf[8:16], r.Payload)
		return buf
	default:
		buf := make([]byte, 9)
		buf[0] = byte(tagToKind(v.tag()))
		binary.LittleEndian.PutUint64(buf[1:], v.payload())
		return buf
	}
}
