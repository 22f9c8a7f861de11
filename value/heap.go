// Package value implements the tagged Value representation shared by
// every heap-backed object in the runtime (strings, refs, lists, maps,
// and closures), plus deep-copy/cross-zone transfer.
//
// Two build-time-selectable representations are provided, exactly as
// called for: a tagged-union fallback (default) and a NaN-boxed 64-bit
// encoding (build tag "nanbox"). Both expose the identical exported
// surface in this file's non-Value types and in the per-build value.go
// / value_nanbox.go files.
package value

import (
	"fmt"
	"sync"
)

// HeapKind discriminates the payload carried by a Heap header.
type HeapKind uint8

const (
	HeapString HeapKind = iota
	HeapRef
	HeapList
	HeapMap
	HeapClosure
	HeapNativeClosure
)

// ZoneID identifies the zone that owns a heap object without value
// importing the zone package: Level orders zones in the stack-nested
// hierarchy, ArenaIdx is the slot (0..63) of the arena the owning zone
// rotated onto, matching the bit position used in ArenaMask.
type ZoneID struct {
	Level    int32
	ArenaIdx int32
}

// Allocator is the minimal capability a heap constructor needs: bump
// allocate size bytes aligned to align. *arena.Arena and *zone.Zone both
// satisfy this without value needing to import either package.
type Allocator interface {
	Alloc(size, align int) []byte
}

// Deepcopyable is implemented by every concrete heap payload (Str, Ref,
// and the container/vm types registered into a Heap). self is the
// already-allocated destination header (owner and a base ArenaMask are
// set before DeepCopy is called, and self is already registered in
// ptrMap under the source header, so self-referential payloads resolve
// correctly instead of recursing forever). A payload that itself holds
// child Values must copy each one with CopyInto using the same ptrMap,
// and OR the child's arena mask into self via self.AddArenaBits, per
// the arena-mask maintenance rule.
type Deepcopyable interface {
	DeepCopy(alloc Allocator, self *Heap, ptrMap map[*Heap]*Heap) (Deepcopyable, error)
}

// Heap is the object header every heap value carries: its type tag, the
// zone that owns it, and the arena mask that makes arena rotation sound.
type Heap struct {
	Kind      HeapKind
	Owner     ZoneID
	ArenaMask uint64
	Payload   Deepcopyable
}

func maskFor(z ZoneID) uint64 {
	if z.ArenaIdx < 0 || z.ArenaIdx >= 64 {
		return 0
	}
	return uint64(1) << uint(z.ArenaIdx)
}

// NewHeap builds a Heap header, stamping the owner zone's arena bit into
// ArenaMask. Containers OR in further bits as values are written into
// them (AddArenaBits), per the §4.4 arena-mask maintenance rule.
func NewHeap(kind HeapKind, owner ZoneID, payload Deepcopyable) *Heap {
	return &Heap{Kind: kind, Owner: owner, ArenaMask: maskFor(owner), Payload: payload}
}

// AddArenaBits ORs additional arena bits into h's mask. Called whenever
// a value is written into a container or closure capture slot owned by
// h, after that value has been copied into h's zone.
func (h *Heap) AddArenaBits(mask uint64) {
	h.ArenaMask |= mask
}

// Str is the payload of a heap string: an immutable byte slice allocated
// out of the owning zone.
type Str struct {
	Bytes []byte
}

func (s *Str) String() string { return string(s.Bytes) }

func (s *Str) DeepCopy(alloc Allocator, _ *Heap, _ map[*Heap]*Heap) (Deepcopyable, error) {
	buf := alloc.Alloc(len(s.Bytes), 1)
	copy(buf, s.Bytes)
	return &Str{Bytes: buf}, nil
}

// NewStringf is the strf constructor: Sprintf the arguments, then build
// a zone-owned string from the result.
func NewStringf(alloc Allocator, owner ZoneID, format string, args ...any) Value {
	return NewString(alloc, owner, fmt.Sprintf(format, args...))
}

// Ref is an opaque host value: an application-defined type tag plus a
// raw payload word the host alone interprets.
type Ref struct {
	Tag     uintptr
	Payload uint64
}

func (r *Ref) DeepCopy(Allocator, *Heap, map[*Heap]*Heap) (Deepcopyable, error) {
	return &Ref{Tag: r.Tag, Payload: r.Payload}, nil
}

// heapTable backs the nanbox build's handle-based pointer packing: a
// NaN payload holds an index into this table rather than a raw address,
// so the Go garbage collector still sees every live Heap as reachable
// (a raw pointer bit-packed into a uint64 would be invisible to it).
// Slots are never reclaimed individually; the handle space is bounded
// by the number of distinct heap objects created in the process, which
// for an embedded interpreter is acceptable relative to the memory the
// arenas behind those objects already hold.
var heapTable struct {
	mu    sync.Mutex
	slots []*Heap
}

func registerHeap(h *Heap) uint32 {
	heapTable.mu.Lock()
	defer heapTable.mu.Unlock()
	idx := uint32(len(heapTable.slots))
	heapTable.slots = append(heapTable.slots, h)
	return idx
}

func resolveHeap(idx uint32) *Heap {
	heapTable.mu.Lock()
	defer heapTable.mu.Unlock()
	return heapTable.slots[idx]
}
