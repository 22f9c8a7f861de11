package value

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/corelisp/corelisp/symbol"
)

// Serialization is a supplemented feature (the original runtime's
// mara_load/mara_dump): a compact binary encoding for the conservative,
// data-only value subset — nil, bool, int, float, string, and whatever
// heap kinds register a loader (container registers List and Map from
// its own package to avoid an import cycle back into value). Refs,
// functions, and closures are deliberately not dumpable, matching the
// original, which only ever persists data, never code.
const (
	tagDumpNil byte = iota
	tagDumpFalse
	tagDumpTrue
	tagDumpInt
	tagDumpFloat
	tagDumpSymbol
	tagDumpString
	tagDumpHeap // followed by a HeapKind byte, dispatched to a registered loader
)

// LoaderFunc reconstructs a heap payload from its dumped body.
type LoaderFunc func(alloc Allocator, owner ZoneID, r io.Reader) (Deepcopyable, error)

// DumperFunc writes a heap payload's body (everything after the
// tagDumpHeap/HeapKind prefix, which Dump writes itself).
type DumperFunc func(payload Deepcopyable, w io.Writer) error

var (
	loaders  = map[HeapKind]LoaderFunc{}
	dumpers  = map[HeapKind]DumperFunc{}
)

// RegisterCodec lets a package that defines a heap payload type (the
// container package, for List and Map) teach value.Dump/Load how to
// serialize it, without value importing that package.
func RegisterCodec(kind HeapKind, dump DumperFunc, load LoaderFunc) {
	dumpers[kind] = dump
	loaders[kind] = load
}

// Dump writes v's compact binary encoding to w.
func Dump(v Value, w io.Writer) error {
	switch v.Kind() {
	case KindNil:
		_, err := w.Write([]byte{tagDumpNil})
		return err
	case KindBool:
		if v.AsBool() {
			_, err := w.Write([]byte{tagDumpTrue})
			return err
		}
		_, err := w.Write([]byte{tagDumpFalse})
		return err
	case KindInt:
		buf := make([]byte, 5)
		buf[0] = tagDumpInt
		binary.LittleEndian.PutUint32(buf[1:], uint32(v.AsInt()))
		_, err := w.Write(buf)
		return err
	case KindFloat:
		buf := make([]byte, 9)
		buf[0] = tagDumpFloat
		binary.LittleEndian.PutUint64(buf[1:], math.Float64bits(v.AsFloat()))
		_, err := w.Write(buf)
		return err
	case KindSymbol:
		buf := make([]byte, 5)
		buf[0] = tagDumpSymbol
		binary.LittleEndian.PutUint32(buf[1:], uint32(v.AsSymbol()))
		_, err := w.Write(buf)
		return err
	case KindString:
		s := v.AsString()
		hdr := make([]byte, 5)
		hdr[0] = tagDumpString
		binary.LittleEndian.PutUint32(hdr[1:], uint32(len(s)))
		if _, err := w.Write(hdr); err != nil {
			return err
		}
		_, err := io.WriteString(w, s)
		return err
	default:
		h := v.Heap()
		dump, ok := dumpers[h.Kind]
		if !ok {
			return fmt.Errorf("value: %s is not dumpable", v.Kind())
		}
		if _, err := w.Write([]byte{tagDumpHeap, byte(h.Kind)}); err != nil {
			return err
		}
		return dump(h.Payload, w)
	}
}

// Load reconstructs a Value from r, allocating any heap storage from
// alloc into the zone identified by owner.
func Load(alloc Allocator, owner ZoneID, symtab *symbol.Table, r io.Reader) (Value, error) {
	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return Value{}, err
	}
	switch tagBuf[0] {
	case tagDumpNil:
		return Nil(), nil
	case tagDumpFalse:
		return Bool(false), nil
	case tagDumpTrue:
		return Bool(true), nil
	case tagDumpInt:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Int(int32(binary.LittleEndian.Uint32(b[:]))), nil
	case tagDumpFloat:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Float(math.Float64frombits(binary.LittleEndian.Uint64(b[:]))), nil
	case tagDumpSymbol:
		var b [4]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, err
		}
		id := symbol.ID(binary.LittleEndian.Uint32(b[:]))
		if symtab != nil {
			// re-intern by name so ids are stable in the loading
			// environment rather than assumed identical to the
			// dumping one.
			id = symtab.Intern(symtab.Lookup(id))
		}
		return Symbol(id), nil
	case tagDumpString:
		var lb [4]byte
		if _, err := io.ReadFull(r, lb[:]); err != nil {
			return Value{}, err
		}
		n := binary.LittleEndian.Uint32(lb[:])
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Value{}, err
		}
		return NewString(alloc, owner, string(buf)), nil
	case tagDumpHeap:
		var kb [1]byte
		if _, err := io.ReadFull(r, kb[:]); err != nil {
			return Value{}, err
		}
		kind := HeapKind(kb[0])
		load, ok := loaders[kind]
		if !ok {
			return Value{}, fmt.Errorf("value: no loader registered for heap kind %d", kind)
		}
		payload, err := load(alloc, owner, r)
		if err != nil {
			return Value{}, err
		}
		h := NewHeap(kind, owner, payload)
		return FromHeap(heapKindToValueKind(kind), h), nil
	default:
		return Value{}, fmt.Errorf("value: unknown dump tag %d", tagBuf[0])
	}
}

func heapKindToValueKind(k HeapKind) Kind {
	switch k {
	case HeapString:
		return KindString
	case HeapRef:
		return KindRef
	case HeapList:
		return KindList
	case HeapMap:
		return KindMap
	default:
		return KindFunction
	}
}
